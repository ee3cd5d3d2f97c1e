// ABOUTME: WebSocket endpoint connecting authenticated clients to rooms
// ABOUTME: Frames are JSON text; outbound frames are stamped with server_time

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389/quill-gateway/internal/rooms"
)

// CloseInvalidToken is the close code for a rejected token.
const CloseInvalidToken = 4001

const maxFrameBytes = 1 << 20

// wsConn adapts a websocket connection to rooms.Conn.
type wsConn struct {
	c   *websocket.Conn
	now func() time.Time
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{c: c, now: time.Now}
}

func (w *wsConn) Send(ctx context.Context, frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data, err = sjson.SetBytes(data, "server_time", w.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

var _ rooms.Conn = (*wsConn)(nil)

// handleWebSocket upgrades the request and serves the client until it
// disconnects. A bad token is reported with close code 4001 after the
// upgrade so browsers can see the reason.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, authErr := g.authn.Authenticate(r.Context(), r.URL.Query().Get("token"))

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if authErr != nil {
		g.logger.Debug("websocket rejected", "error", authErr)
		_ = c.Close(CloseInvalidToken, "Invalid token")
		return
	}
	c.SetReadLimit(maxFrameBytes)

	ctx := r.Context()
	conn := newWSConn(c)
	if err := g.rooms.Connect(ctx, conn, id.UserID, id.Username); err != nil {
		g.logger.Warn("websocket connect failed", "user_id", id.UserID, "error", err)
		_ = c.Close(websocket.StatusInternalError, "connect failed")
		return
	}
	defer g.rooms.DisconnectConn(context.WithoutCancel(ctx), id.UserID, conn)

	g.logger.Info("websocket connected", "user_id", id.UserID, "username", id.Username)
	g.readLoop(ctx, c, conn, id.UserID)
	g.logger.Info("websocket disconnected", "user_id", id.UserID)
}

func (g *Gateway) readLoop(ctx context.Context, c *websocket.Conn, conn *wsConn, userID string) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				g.logger.Debug("websocket read ended", "user_id", userID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		if !gjson.ValidBytes(data) {
			g.replyError(ctx, conn, "invalid JSON")
			continue
		}
		kind := gjson.GetBytes(data, "type")
		if kind.Type != gjson.String || kind.Str == "" {
			g.replyError(ctx, conn, "frame type required")
			continue
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			g.replyError(ctx, conn, "frame must be a JSON object")
			continue
		}
		if err := g.rooms.HandleInbound(ctx, userID, frame); err != nil {
			g.logger.Warn("inbound frame failed", "user_id", userID, "type", kind.Str, "error", err)
			g.replyError(ctx, conn, err.Error())
		}
	}
}

func (g *Gateway) replyError(ctx context.Context, conn *wsConn, msg string) {
	if err := conn.Send(ctx, map[string]any{"type": "error", "message": msg}); err != nil {
		g.logger.Debug("sending error frame failed", "error", err)
	}
}
