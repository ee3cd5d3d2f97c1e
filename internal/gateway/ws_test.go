// ABOUTME: Tests for the WebSocket endpoint against a running gateway
// ABOUTME: Covers token rejection, greeting, keepalive, rooms and event fan-out

package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (tg *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws?token=" + token
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, c *websocket.Conn, want string) map[string]any {
	t.Helper()
	for range 20 {
		frame := readFrame(t, c)
		if frame["type"] == want {
			return frame
		}
	}
	t.Fatalf("no %q frame received", want)
	return nil
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Write(t.Context(), websocket.MessageText, data))
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	c := tg.dial(t, "not-a-token")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(CloseInvalidToken), websocket.CloseStatus(err))
}

func TestWebSocketRejectsRevokedToken(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	token, _ := tg.signup(t, "alice")
	status, _ := tg.do(t, http.MethodPost, "/api/users/logout", token, nil)
	require.Equal(t, http.StatusOK, status)

	c := tg.dial(t, token)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusCode(CloseInvalidToken), websocket.CloseStatus(err))
}

func TestWebSocketGreetingAndPing(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	token, id := tg.signup(t, "alice")
	c := tg.dial(t, token)

	hello := readUntil(t, c, "connected")
	assert.Equal(t, id, hello["user_id"])
	assert.NotEmpty(t, hello["server_time"])

	require.Eventually(t, func() bool { return tg.gw.rooms.IsConnected(id) }, time.Second, 10*time.Millisecond)

	writeFrame(t, c, map[string]any{"type": "ping"})
	pong := readUntil(t, c, "pong")
	assert.NotEmpty(t, pong["server_time"])
}

func TestWebSocketMalformedFrames(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	token, _ := tg.signup(t, "alice")
	c := tg.dial(t, token)
	readUntil(t, c, "connected")

	require.NoError(t, c.Write(t.Context(), websocket.MessageText, []byte("{broken")))
	frame := readUntil(t, c, "error")
	assert.Equal(t, "invalid JSON", frame["message"])

	writeFrame(t, c, map[string]any{"document_id": "d1"})
	frame = readUntil(t, c, "error")
	assert.Equal(t, "frame type required", frame["message"])

	writeFrame(t, c, []int{1, 2})
	frame = readUntil(t, c, "error")
	assert.Equal(t, "frame type required", frame["message"])
}

func TestWebSocketRoomsAndEvents(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	alice, aliceID := tg.signup(t, "alice")
	bob, bobID := tg.signup(t, "bob")

	_, body := tg.do(t, http.MethodPost, "/api/documents", alice, map[string]any{"title": "Shared", "content": "a"})
	docID := body["document"].(map[string]any)["id"].(string)
	status, _ := tg.do(t, http.MethodPost, "/api/documents/"+docID+"/share", alice, map[string]any{"email": "bob@example.com"})
	require.Equal(t, http.StatusOK, status)

	ac := tg.dial(t, alice)
	readUntil(t, ac, "connected")
	bc := tg.dial(t, bob)
	readUntil(t, bc, "connected")

	writeFrame(t, ac, map[string]any{"type": "join_document", "document_id": docID})
	info := readUntil(t, ac, "room_info")
	assert.Equal(t, docID, info["document_id"])

	writeFrame(t, bc, map[string]any{"type": "join_document", "document_id": docID})
	readUntil(t, bc, "room_info")
	joined := readUntil(t, ac, "user_joined")
	assert.Equal(t, bobID, joined["user_id"])
	assert.Equal(t, "bob", joined["username"])

	writeFrame(t, bc, map[string]any{"type": "cursor_update", "document_id": docID, "position": 3})
	cursor := readUntil(t, ac, "cursor_update")
	assert.EqualValues(t, 3, cursor["position"])
	assert.Equal(t, bobID, cursor["user_id"])

	status, _ = tg.do(t, http.MethodPut, "/api/documents/"+docID, alice, map[string]any{"content": "ab"})
	require.Equal(t, http.StatusOK, status)
	updated := readUntil(t, bc, "document_updated")
	assert.Equal(t, docID, updated["document_id"])
	assert.Equal(t, aliceID, updated["user_id"])

	writeFrame(t, bc, map[string]any{"type": "leave_document", "document_id": docID})
	left := readUntil(t, ac, "user_left")
	assert.Equal(t, bobID, left["user_id"])
	members := tg.gw.rooms.RoomMembers(docID)
	require.Len(t, members, 1)
	assert.Equal(t, aliceID, members[0].UserID)
}
