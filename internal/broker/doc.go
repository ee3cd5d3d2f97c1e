// Package broker routes messages between registered agents and pairs
// requests with their responses.
//
// # Overview
//
// The Broker is the only path between agents. Agents never hold references
// to each other; they send through the broker, which picks a destination:
//
//  1. A RESPONSE or ERROR whose correlation id matches a pending Request
//     resolves that request and goes nowhere else
//  2. Recipient "broadcast" fans out to every agent except the sender
//  3. A recipient naming a registered agent gets direct delivery
//  4. Otherwise the first registered agent declaring the message type
//  5. Otherwise the message is logged and dropped
//
// # Request/Response Correlation
//
// Request registers a one-slot channel keyed by the outbound message id and
// waits for the reply, the timeout, or context cancellation. A missing reply
// is reported as (nil, nil) rather than an error so callers can tell "no
// answer" apart from a failed answer. The pending entry is removed on every
// exit path, so a late reply finds nothing and is dropped.
//
// # Thread Safety
//
// The pending map is a lock-free haxmap. The agent registry and capability
// index share one RWMutex that is never held while delivering a message.
package broker
