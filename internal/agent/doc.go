// Package agent provides the base actor used by every message handler in
// the gateway.
//
// # Overview
//
// An Agent owns three things: a set of handlers keyed by message type, an
// inbound FIFO queue, and a lifecycle. Domain agents embed *Agent and
// register their handlers in their constructor:
//
//	a := agent.New(agent.Config{
//	    ID:           "document_agent",
//	    Name:         "Document Agent",
//	    Capabilities: []message.Type{message.TypeDocRead},
//	    Logger:       logger,
//	})
//	a.RegisterHandler(message.TypeDocRead, handleRead)
//
// # Lifecycle
//
// Agents move through CREATED, RUNNING, STOPPING and STOPPED:
//
//   - Start(ctx): launch the processing goroutine and run the OnStart hook
//   - Stop(): signal the loop, wait for the in-flight handler, run OnStop
//
// Both calls are idempotent. A stopped agent refuses new messages.
//
// # Processing Loop
//
// ReceiveMessage only enqueues; it never blocks and never runs a handler.
// A single goroutine drains the queue in order, so handlers of one agent
// never run concurrently. For each message the loop:
//
//  1. Looks up the handler for the message type (missing: log and drop)
//  2. Invokes it, recovering panics
//  3. Sends the returned reply, if any, through the broker
//  4. On error or panic, sends a correlated ERROR reply instead
//
// The loop wakes on new work or after PollInterval, whichever comes first,
// and re-checks its state each time.
//
// # Sending
//
// SendMessage delegates to the Sender attached by the broker at
// registration. Sending from an unattached agent returns ErrNoBroker.
//
// # Thread Safety
//
// Handler registration, attachment and queue access are guarded by mutexes.
// No lock is held while a handler runs or while a message is sent.
package agent
