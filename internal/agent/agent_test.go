// ABOUTME: Tests for the agent base: lifecycle, ordering and failure replies
// ABOUTME: Uses a recording sender in place of the broker

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/quill-gateway/internal/message"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*message.Message
	ch   chan *message.Message
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan *message.Message, 16)}
}

func (r *recordingSender) RouteMessage(_ context.Context, msg *message.Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	r.ch <- msg
	return nil
}

func (r *recordingSender) next(t *testing.T) *message.Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func newTestAgent(caps ...message.Type) *Agent {
	return New(Config{ID: "test_agent", Capabilities: caps, PollInterval: 10 * time.Millisecond})
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateCreated:  "CREATED",
		StateRunning:  "RUNNING",
		StateStopping: "STOPPING",
		StateStopped:  "STOPPED",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestLifecycle(t *testing.T) {
	var started, stopped int
	a := New(Config{
		ID:      "life",
		OnStart: func(context.Context) error { started++; return nil },
		OnStop:  func() { stopped++ },
	})
	assert.Equal(t, StateCreated, a.State())

	// Stop before start is a no-op.
	a.Stop()
	assert.Equal(t, StateCreated, a.State())
	assert.Equal(t, 0, stopped)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, StateRunning, a.State())
	assert.Equal(t, 1, started)

	a.Stop()
	a.Stop()
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, 1, stopped)

	err := a.ReceiveMessage(message.New(message.TypeRead, "x", "life", nil))
	assert.ErrorIs(t, err, ErrAgentStopped)
}

func TestStartHookFailure(t *testing.T) {
	boom := errors.New("boom")
	a := New(Config{ID: "bad", OnStart: func(context.Context) error { return boom }})

	err := a.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateCreated, a.State())
}

func TestHandlerReplyIsSent(t *testing.T) {
	a := newTestAgent(message.TypeRead)
	a.RegisterHandler(message.TypeRead, func(_ context.Context, msg *message.Message) (*message.Message, error) {
		return msg.Reply(message.OK(message.Payload{"value": 42})), nil
	})
	sender := newRecordingSender()
	a.Attach(sender)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	in := message.New(message.TypeRead, "client", "test_agent", nil)
	require.NoError(t, a.ReceiveMessage(in))

	out := sender.next(t)
	assert.Equal(t, message.TypeResponse, out.Type)
	assert.Equal(t, in.ID, out.CorrelationID)
	assert.Equal(t, "client", out.Recipient)
	assert.Equal(t, 42, out.Payload["value"])
}

func TestCanceledStartContextKeepsAgentServing(t *testing.T) {
	a := newTestAgent(message.TypeRead)
	var handlerCtxErr error
	a.RegisterHandler(message.TypeRead, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		handlerCtxErr = ctx.Err()
		return msg.Reply(message.OK(nil)), nil
	})
	sender := newRecordingSender()
	a.Attach(sender)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	cancel()

	// Give a loop tied to the canceled context time to exit.
	time.Sleep(50 * time.Millisecond)

	in := message.New(message.TypeRead, "client", "test_agent", nil)
	require.NoError(t, a.ReceiveMessage(in))

	out := sender.next(t)
	assert.Equal(t, in.ID, out.CorrelationID)
	assert.NoError(t, handlerCtxErr)
	assert.Equal(t, StateRunning, a.State())
	assert.Equal(t, 0, a.Pending())
}

func TestMessagesProcessedInOrder(t *testing.T) {
	a := newTestAgent(message.TypeUpdate)

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	a.RegisterHandler(message.TypeUpdate, func(_ context.Context, msg *message.Message) (*message.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Payload.IntOr("n", -1))
		if len(seen) == 20 {
			close(done)
		}
		return nil, nil
	})

	// Queue before start; nothing runs until the loop is up.
	for i := range 20 {
		require.NoError(t, a.ReceiveMessage(message.New(message.TypeUpdate, "c", "test_agent", message.Payload{"n": i})))
	}
	assert.Equal(t, 20, a.Pending())

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not see all messages")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		if n != i {
			t.Fatalf("message %d processed out of order: got n=%d", i, n)
		}
	}
	assert.Equal(t, int64(20), a.Processed())
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	a := newTestAgent(message.TypeDelete)
	a.RegisterHandler(message.TypeDelete, func(context.Context, *message.Message) (*message.Message, error) {
		return nil, errors.New("database exploded at row 7")
	})
	sender := newRecordingSender()
	a.Attach(sender)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	in := message.New(message.TypeDelete, "client", "test_agent", nil)
	require.NoError(t, a.ReceiveMessage(in))

	out := sender.next(t)
	assert.Equal(t, message.TypeError, out.Type)
	assert.Equal(t, in.ID, out.CorrelationID)
	assert.Equal(t, message.KindInternal, out.Payload.Kind())
	assert.NotContains(t, out.Payload.ErrorText(), "row 7")
}

func TestHandlerPanicIsContained(t *testing.T) {
	a := newTestAgent(message.TypeCreate, message.TypeRead)
	a.RegisterHandler(message.TypeCreate, func(context.Context, *message.Message) (*message.Message, error) {
		panic("kaboom")
	})
	a.RegisterHandler(message.TypeRead, func(_ context.Context, msg *message.Message) (*message.Message, error) {
		return msg.Reply(message.OK(nil)), nil
	})
	sender := newRecordingSender()
	a.Attach(sender)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	require.NoError(t, a.ReceiveMessage(message.New(message.TypeCreate, "client", "test_agent", nil)))
	require.NoError(t, a.ReceiveMessage(message.New(message.TypeRead, "client", "test_agent", nil)))

	first := sender.next(t)
	assert.Equal(t, message.TypeError, first.Type)

	second := sender.next(t)
	assert.Equal(t, message.TypeResponse, second.Type, "agent keeps processing after a panic")
	assert.Equal(t, StateRunning, a.State())
}

func TestNoErrorReplyToReplies(t *testing.T) {
	a := newTestAgent()
	a.RegisterHandler(message.TypeResponse, func(context.Context, *message.Message) (*message.Message, error) {
		return nil, errors.New("cannot digest")
	})
	sender := newRecordingSender()
	a.Attach(sender)
	require.NoError(t, a.Start(context.Background()))

	req := message.New(message.TypeRead, "test_agent", "other", nil)
	require.NoError(t, a.ReceiveMessage(req.Reply(message.OK(nil))))

	// Send a marker through a missing handler to know the loop moved on.
	require.NoError(t, a.ReceiveMessage(message.New(message.TypeList, "c", "test_agent", nil)))
	require.Eventually(t, func() bool { return a.Processed() == 2 }, time.Second, 5*time.Millisecond)
	a.Stop()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Empty(t, sender.sent)
}

func TestMissingHandlersAndCapabilities(t *testing.T) {
	a := newTestAgent(message.TypeCreate, message.TypeRead)
	a.RegisterHandler(message.TypeCreate, func(context.Context, *message.Message) (*message.Message, error) { return nil, nil })

	assert.Equal(t, []message.Type{message.TypeRead}, a.MissingHandlers())

	caps := a.Capabilities()
	caps[0] = message.TypeDelete
	assert.Equal(t, message.TypeCreate, a.Capabilities()[0], "capabilities must be copied")
}

func TestRegisterHandlerLastWins(t *testing.T) {
	a := newTestAgent(message.TypeRead)
	a.RegisterHandler(message.TypeRead, func(_ context.Context, msg *message.Message) (*message.Message, error) {
		return msg.Reply(message.OK(message.Payload{"v": "first"})), nil
	})
	a.RegisterHandler(message.TypeRead, func(_ context.Context, msg *message.Message) (*message.Message, error) {
		return msg.Reply(message.OK(message.Payload{"v": "second"})), nil
	})
	sender := newRecordingSender()
	a.Attach(sender)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	require.NoError(t, a.ReceiveMessage(message.New(message.TypeRead, "c", "test_agent", nil)))
	assert.Equal(t, "second", sender.next(t).Payload["v"])
}

func TestSendMessageWithoutBroker(t *testing.T) {
	a := newTestAgent()
	err := a.SendMessage(context.Background(), message.New(message.TypeRead, "test_agent", "x", nil))
	assert.ErrorIs(t, err, ErrNoBroker)

	s := newRecordingSender()
	a.Attach(s)
	require.NoError(t, a.SendMessage(context.Background(), message.New(message.TypeRead, "test_agent", "x", nil)))
	a.Detach()
	assert.ErrorIs(t, a.SendMessage(context.Background(), message.New(message.TypeRead, "test_agent", "x", nil)), ErrNoBroker)
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	a := newTestAgent(message.TypeUpdate)
	entered := make(chan struct{})
	var finished bool
	a.RegisterHandler(message.TypeUpdate, func(context.Context, *message.Message) (*message.Message, error) {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		finished = true
		return nil, nil
	})
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.ReceiveMessage(message.New(message.TypeUpdate, "c", "test_agent", nil)))

	<-entered
	a.Stop()
	assert.True(t, finished, "Stop must wait for the running handler")
}
