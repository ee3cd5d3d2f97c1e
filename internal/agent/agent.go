// ABOUTME: Base actor with typed handlers, an inbound queue and a lifecycle
// ABOUTME: Handler failures become correlated ERROR replies sent via the broker

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/quill-gateway/internal/message"
)

const defaultPollInterval = 100 * time.Millisecond

var (
	// ErrNoBroker is returned by SendMessage when the agent is not attached.
	ErrNoBroker = errors.New("agent is not attached to a broker")
	// ErrAgentStopped is returned by ReceiveMessage once the agent has stopped.
	ErrAgentStopped = errors.New("agent is stopped")
)

// Handler processes one message. A non-nil reply is routed back through the
// broker. Returning an error produces a generic ERROR reply.
type Handler func(ctx context.Context, msg *message.Message) (*message.Message, error)

// Sender routes outbound messages. The broker implements it.
type Sender interface {
	RouteMessage(ctx context.Context, msg *message.Message) error
}

// State is the lifecycle position of an agent.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config describes an agent.
type Config struct {
	ID           string
	Name         string
	Capabilities []message.Type
	PollInterval time.Duration
	Logger       *slog.Logger

	// OnStart runs before the processing loop starts. An error aborts Start.
	OnStart func(ctx context.Context) error
	// OnStop runs after the processing loop has exited.
	OnStop func()
}

// Agent is the base actor. Domain agents embed it.
type Agent struct {
	id           string
	name         string
	capabilities []message.Type
	pollInterval time.Duration
	logger       *slog.Logger
	onStart      func(ctx context.Context) error
	onStop       func()

	state atomic.Int32
	queue *queue

	mu       sync.RWMutex
	handlers map[message.Type]Handler
	sender   Sender

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	processed atomic.Int64
}

// New creates an agent in the CREATED state.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	caps := make([]message.Type, len(cfg.Capabilities))
	copy(caps, cfg.Capabilities)

	return &Agent{
		id:           cfg.ID,
		name:         name,
		capabilities: caps,
		pollInterval: poll,
		logger:       logger.With("agent", cfg.ID),
		onStart:      cfg.OnStart,
		onStop:       cfg.OnStop,
		queue:        newQueue(),
		handlers:     make(map[message.Type]Handler),
	}
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Name returns the display name.
func (a *Agent) Name() string { return a.name }

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Capabilities returns a copy of the declared capabilities.
func (a *Agent) Capabilities() []message.Type {
	out := make([]message.Type, len(a.capabilities))
	copy(out, a.capabilities)
	return out
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Processed returns the number of messages taken off the queue.
func (a *Agent) Processed() int64 {
	return a.processed.Load()
}

// Pending returns the number of queued messages.
func (a *Agent) Pending() int {
	return a.queue.len()
}

// RegisterHandler binds h to t. A later registration for the same type
// replaces the earlier one.
func (a *Agent) RegisterHandler(t message.Type, h Handler) {
	a.mu.Lock()
	a.handlers[t] = h
	a.mu.Unlock()
}

// MissingHandlers lists declared capabilities without a handler.
func (a *Agent) MissingHandlers() []message.Type {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var missing []message.Type
	for _, c := range a.capabilities {
		if _, ok := a.handlers[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// Attach sets the sender used by SendMessage.
func (a *Agent) Attach(s Sender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

// Detach clears the sender.
func (a *Agent) Detach() {
	a.mu.Lock()
	a.sender = nil
	a.mu.Unlock()
}

// SendMessage routes msg through the attached broker.
func (a *Agent) SendMessage(ctx context.Context, msg *message.Message) error {
	a.mu.RLock()
	s := a.sender
	a.mu.RUnlock()

	if s == nil {
		a.logger.Error("cannot send message without broker", "type", msg.Type, "recipient", msg.Recipient)
		return ErrNoBroker
	}
	return s.RouteMessage(ctx, msg)
}

// ReceiveMessage enqueues msg for processing. It never blocks.
func (a *Agent) ReceiveMessage(msg *message.Message) error {
	switch a.State() {
	case StateStopping, StateStopped:
		return ErrAgentStopped
	}
	a.queue.push(msg)
	return nil
}

// Start runs OnStart and launches the processing loop. Calling Start on a
// running agent does nothing.
func (a *Agent) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.State() == StateRunning {
		return nil
	}

	if a.onStart != nil {
		if err := a.onStart(ctx); err != nil {
			return fmt.Errorf("starting agent %s: %w", a.id, err)
		}
	}

	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.state.Store(int32(StateRunning))

	// Only Stop ends the loop; canceling the start context must not strand
	// a RUNNING agent with an undrained queue.
	go a.run(context.WithoutCancel(ctx), a.stopCh, a.doneCh)

	a.logger.Info("agent started", "capabilities", len(a.capabilities))
	return nil
}

// Stop signals the loop, waits for the current handler to finish and runs
// OnStop. It does nothing unless the agent is running.
func (a *Agent) Stop() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.State() != StateRunning {
		return
	}
	a.state.Store(int32(StateStopping))
	close(a.stopCh)
	<-a.doneCh

	if a.onStop != nil {
		a.onStop()
	}
	a.state.Store(int32(StateStopped))
	a.logger.Info("agent stopped", "processed", a.processed.Load(), "dropped", a.queue.len())
}

func (a *Agent) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if msg, ok := a.queue.pop(); ok {
			a.processed.Add(1)
			a.dispatch(ctx, msg)
			continue
		}

		select {
		case <-stop:
			return
		case <-a.queue.notify:
		case <-ticker.C:
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, msg *message.Message) {
	a.mu.RLock()
	h, ok := a.handlers[msg.Type]
	a.mu.RUnlock()

	if !ok {
		if msg.IsReply() {
			a.logger.Debug("dropping unsolicited reply", "type", msg.Type, "correlation_id", msg.CorrelationID)
		} else {
			a.logger.Warn("no handler for message type", "type", msg.Type, "sender", msg.Sender)
		}
		return
	}

	reply, err := a.invoke(ctx, h, msg)
	if err != nil {
		a.logger.Error("handler failed", "type", msg.Type, "message_id", msg.ID, "error", err)
		if msg.IsReply() {
			return
		}
		reply = msg.CreateResponse(message.Fail(message.KindInternal, "internal error"), false)
	}
	if reply == nil {
		return
	}

	if err := a.SendMessage(ctx, reply); err != nil {
		a.logger.Warn("failed to send reply", "type", reply.Type, "recipient", reply.Recipient, "error", err)
	}
}

func (a *Agent) invoke(ctx context.Context, h Handler, msg *message.Message) (reply *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("handler panicked", "type", msg.Type, "panic", r, "stack", string(debug.Stack()))
			reply = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
