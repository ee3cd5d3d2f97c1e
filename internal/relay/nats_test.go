// ABOUTME: Tests for the NATS event relay
// ABOUTME: Uses a fake publisher, plus a live server when NATS_URL is set

package relay

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/quill-gateway/internal/eventbus"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func TestRelay_ForwardsFrames(t *testing.T) {
	bus := eventbus.New(10, nil)
	pub := &fakePublisher{}
	r := newRelay(pub, "test.events", nil)
	r.Attach(bus)

	bus.Publish(eventbus.NewEvent(eventbus.DocumentCreated, map[string]any{"title": "Doc"}, "u1", "d1"))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "test.events.document_created", pub.msgs[0].subject)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &frame))
	assert.Equal(t, "document_created", frame["type"])
	assert.Equal(t, "d1", frame["document_id"])
	assert.Equal(t, "Doc", frame["data"].(map[string]any)["title"])
	assert.EqualValues(t, 1, r.Stats().Published)

	require.NoError(t, r.Close())
	bus.Publish(eventbus.NewEvent(eventbus.DocumentDeleted, nil, "u1", "d1"))
	assert.Len(t, pub.msgs, 1)
}

func TestRelay_DefaultPrefix(t *testing.T) {
	r := newRelay(&fakePublisher{}, "", nil)
	assert.Equal(t, "quill.events.cursor_moved", r.Subject(eventbus.CursorMoved))
}

func TestRelay_CountsFailures(t *testing.T) {
	bus := eventbus.New(10, nil)
	r := newRelay(&fakePublisher{err: errors.New("down")}, "x", nil)
	r.Attach(bus)

	bus.Publish(eventbus.NewEvent(eventbus.UserJoined, nil, "u1", ""))
	assert.EqualValues(t, 1, r.Stats().Failed)
	assert.EqualValues(t, 0, r.Stats().Published)
}

func TestRelay_ReattachReplaces(t *testing.T) {
	bus := eventbus.New(10, nil)
	pub := &fakePublisher{}
	r := newRelay(pub, "x", nil)
	r.Attach(bus)
	r.Attach(bus)

	bus.Publish(eventbus.NewEvent(eventbus.UserLeft, nil, "u1", ""))
	assert.Len(t, pub.msgs, 1)
}

func TestNATSRelay_Live(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	r, err := NewNATSRelay(url, "quilltest", nil)
	require.NoError(t, err)
	defer r.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("quilltest.>", got)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	bus := eventbus.New(10, nil)
	r.Attach(bus)
	bus.Publish(eventbus.NewEvent(eventbus.VersionCreated, nil, "u1", "d1"))

	select {
	case msg := <-got:
		assert.Equal(t, "quilltest.version_created", msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatalf("no message relayed")
	}
}
