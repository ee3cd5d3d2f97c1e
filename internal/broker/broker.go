// ABOUTME: Message broker with capability routing and correlated requests
// ABOUTME: Keeps a bounded log of routed messages for diagnostics

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/2389/quill-gateway/internal/agent"
	"github.com/2389/quill-gateway/internal/message"
)

const messageLogCapacity = 1000

var (
	// ErrAgentAlreadyRegistered is returned when an agent id is taken.
	ErrAgentAlreadyRegistered = errors.New("agent already registered")
	// ErrMissingHandler is returned when an agent declares a capability it
	// has no handler for.
	ErrMissingHandler = errors.New("agent is missing handlers for declared capabilities")
	// ErrDuplicateRequest is returned when a request id is already pending.
	ErrDuplicateRequest = errors.New("request with this id is already pending")
)

// Agent is what the broker needs from a registered agent.
type Agent interface {
	ID() string
	Capabilities() []message.Type
	MissingHandlers() []message.Type
	ReceiveMessage(msg *message.Message) error
	Attach(s agent.Sender)
	Detach()
	Start(ctx context.Context) error
	Stop()
	State() agent.State
}

// Stats is a point-in-time view of the broker.
type Stats struct {
	TotalAgents       int                 `json:"total_agents"`
	Agents            []string            `json:"agents"`
	PendingRequests   int                 `json:"pending_requests"`
	MessagesProcessed int64               `json:"messages_processed"`
	Capabilities      map[string][]string `json:"capabilities"`
}

// Broker routes messages between agents.
type Broker struct {
	logger *slog.Logger

	mu           sync.RWMutex
	agents       map[string]Agent
	order        []string
	capabilities map[message.Type][]string

	pending   *haxmap.Map[string, chan *message.Message]
	processed atomic.Int64

	logMu sync.Mutex
	log   []*message.Message
}

// New creates an empty broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:       logger.With("component", "broker"),
		agents:       make(map[string]Agent),
		capabilities: make(map[message.Type][]string),
		pending:      haxmap.New[string, chan *message.Message](),
	}
}

// RegisterAgent adds a to the registry, indexes its capabilities and makes
// the broker its sender.
func (b *Broker) RegisterAgent(a Agent) error {
	id := a.ID()
	if missing := a.MissingHandlers(); len(missing) > 0 {
		return fmt.Errorf("%w: %s %v", ErrMissingHandler, id, missing)
	}

	b.mu.Lock()
	if _, exists := b.agents[id]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, id)
	}
	b.agents[id] = a
	b.order = append(b.order, id)

	caps := a.Capabilities()
	for _, c := range caps {
		if !slices.Contains(b.capabilities[c], id) {
			b.capabilities[c] = append(b.capabilities[c], id)
		}
	}
	total := len(b.agents)
	b.mu.Unlock()

	a.Attach(b)

	b.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", id,
		"capabilities", len(caps),
		"total_agents", total,
	)
	return nil
}

// UnregisterAgent removes the agent and its index entries. Unknown ids are
// ignored.
func (b *Broker) UnregisterAgent(id string) {
	b.mu.Lock()
	a, ok := b.agents[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.agents, id)
	if i := slices.Index(b.order, id); i >= 0 {
		b.order = slices.Delete(b.order, i, i+1)
	}
	for c, ids := range b.capabilities {
		ids = slices.DeleteFunc(ids, func(existing string) bool { return existing == id })
		if len(ids) == 0 {
			delete(b.capabilities, c)
		} else {
			b.capabilities[c] = ids
		}
	}
	b.mu.Unlock()

	a.Detach()
	b.logger.Info("=== AGENT UNREGISTERED ===", "agent_id", id)
}

// Agent returns the registered agent with the given id.
func (b *Broker) Agent(id string) (Agent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[id]
	return a, ok
}

// Agents returns the registered agents in registration order.
func (b *Broker) Agents() []Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Agent, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.agents[id])
	}
	return out
}

// PendingCount returns the number of requests waiting for a reply.
func (b *Broker) PendingCount() int {
	return int(b.pending.Len())
}

// RouteMessage delivers msg according to the routing rules. A message that
// matches no rule is dropped and nil is returned.
func (b *Broker) RouteMessage(ctx context.Context, msg *message.Message) error {
	b.record(msg)

	if msg.IsReply() && msg.CorrelationID != "" {
		if ch, ok := b.pending.GetAndDel(msg.CorrelationID); ok {
			select {
			case ch <- msg:
			default:
			}
			return nil
		}
	}

	if msg.Recipient == message.Broadcast {
		b.broadcast(msg)
		return nil
	}

	if msg.Recipient != "" {
		if a, ok := b.Agent(msg.Recipient); ok {
			if err := a.ReceiveMessage(msg); err != nil {
				return fmt.Errorf("delivering to %s: %w", msg.Recipient, err)
			}
			return nil
		}
	}

	if a, ok := b.agentForType(msg.Type); ok {
		if err := a.ReceiveMessage(msg); err != nil {
			return fmt.Errorf("delivering %s to %s: %w", msg.Type, a.ID(), err)
		}
		return nil
	}

	if msg.IsReply() {
		b.logger.Debug("dropping reply with no pending request",
			"correlation_id", msg.CorrelationID,
			"sender", msg.Sender,
		)
		return nil
	}
	b.logger.Warn("no route for message",
		"type", msg.Type,
		"sender", msg.Sender,
		"recipient", msg.Recipient,
	)
	return nil
}

// Request routes msg and waits for the correlated reply. A nil message with
// a nil error means no reply arrived before the timeout or cancellation.
func (b *Broker) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	ch := make(chan *message.Message, 1)
	if _, loaded := b.pending.GetOrSet(msg.ID, ch); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, msg.ID)
	}
	defer b.pending.Del(msg.ID)

	if err := b.RouteMessage(ctx, msg); err != nil {
		b.logger.Warn("request routing failed", "type", msg.Type, "message_id", msg.ID, "error", err)
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		b.logger.Warn("request timed out",
			"type", msg.Type,
			"message_id", msg.ID,
			"timeout", timeout,
		)
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

// StartAll starts agents in registration order.
func (b *Broker) StartAll(ctx context.Context) error {
	for _, a := range b.Agents() {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops agents in reverse registration order.
func (b *Broker) StopAll() {
	agents := b.Agents()
	for i := len(agents) - 1; i >= 0; i-- {
		agents[i].Stop()
	}
}

// Ready reports whether every registered agent is running.
func (b *Broker) Ready() bool {
	agents := b.Agents()
	if len(agents) == 0 {
		return false
	}
	for _, a := range agents {
		if a.State() != agent.StateRunning {
			return false
		}
	}
	return true
}

// MessageLog returns up to limit of the most recently routed messages,
// oldest first. A non-positive limit returns the whole log.
func (b *Broker) MessageLog(limit int) []*message.Message {
	b.logMu.Lock()
	defer b.logMu.Unlock()

	start := 0
	if limit > 0 && limit < len(b.log) {
		start = len(b.log) - limit
	}
	out := make([]*message.Message, len(b.log)-start)
	copy(out, b.log[start:])
	return out
}

// Stats returns a snapshot of the broker state.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	ids := make([]string, len(b.order))
	copy(ids, b.order)
	caps := make(map[string][]string, len(b.capabilities))
	for c, agentIDs := range b.capabilities {
		caps[string(c)] = append([]string(nil), agentIDs...)
	}
	b.mu.RUnlock()

	return Stats{
		TotalAgents:       len(ids),
		Agents:            ids,
		PendingRequests:   b.PendingCount(),
		MessagesProcessed: b.processed.Load(),
		Capabilities:      caps,
	}
}

func (b *Broker) broadcast(msg *message.Message) {
	b.mu.RLock()
	targets := make([]Agent, 0, len(b.order))
	for _, id := range b.order {
		if id != msg.Sender {
			targets = append(targets, b.agents[id])
		}
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	var failed atomic.Int32
	for _, a := range targets {
		wg.Add(1)
		go func(a Agent) {
			defer wg.Done()
			if err := a.ReceiveMessage(msg); err != nil {
				failed.Add(1)
				b.logger.Warn("broadcast delivery failed", "agent_id", a.ID(), "error", err)
			}
		}(a)
	}
	wg.Wait()

	b.logger.Debug("broadcast delivered",
		"type", msg.Type,
		"targets", len(targets),
		"failed", failed.Load(),
	)
}

func (b *Broker) agentForType(t message.Type) (Agent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := b.capabilities[t]
	if len(ids) == 0 {
		return nil, false
	}
	a, ok := b.agents[ids[0]]
	return a, ok
}

func (b *Broker) record(msg *message.Message) {
	b.processed.Add(1)

	b.logMu.Lock()
	defer b.logMu.Unlock()
	if len(b.log) >= messageLogCapacity {
		copy(b.log, b.log[1:])
		b.log = b.log[:len(b.log)-1]
	}
	b.log = append(b.log, msg)
}
