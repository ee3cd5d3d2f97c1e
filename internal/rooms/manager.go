// ABOUTME: Tracks live client connections and per-document presence rooms
// ABOUTME: Fans frames out to room members and bridges bus events to clients

package rooms

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/quill-gateway/internal/eventbus"
)

const (
	defaultSendTimeout = 5 * time.Second
	unknownUsername    = "Unknown"

	// CloseReplaced is sent to a connection superseded by a newer one for
	// the same user.
	CloseReplaced = 4000
	// CloseSendFailed is sent to a connection dropped after a failed send.
	CloseSendFailed = 1011
)

// Inbound frame types sent by clients.
const (
	InboundJoin          = "join_document"
	InboundLeave         = "leave_document"
	InboundCursorUpdate  = "cursor_update"
	InboundContentChange = "text_change"
	InboundKeepalive     = "ping"
)

// ErrNotConnected is returned when acting for a user with no connection.
var ErrNotConnected = errors.New("user is not connected")

// Conn is one client connection. Implementations must not modify frame.
type Conn interface {
	Send(ctx context.Context, frame map[string]any) error
	Close(code int, reason string) error
}

// UserInfo describes a connected user.
type UserInfo struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Stats summarises connections and rooms.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	DocumentRooms    int            `json:"document_rooms"`
	UsersPerRoom     map[string]int `json:"users_per_room"`
}

type client struct {
	conn Conn
	info UserInfo
}

type target struct {
	userID string
	conn   Conn
}

// Manager owns connections and document rooms.
type Manager struct {
	logger      *slog.Logger
	sendTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]struct{}
}

// NewManager creates an empty manager. Pass nil logger for default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger.With("component", "rooms"),
		sendTimeout: defaultSendTimeout,
		clients:     make(map[string]*client),
		rooms:       make(map[string]map[string]struct{}),
	}
}

// Bridge forwards bus events to clients. Events about a document go to its
// room, excluding the originating user; events about a user go to that user.
func (m *Manager) Bridge(bus *eventbus.Bus) eventbus.Unsubscribe {
	return bus.SubscribeAll(func(e eventbus.Event) error {
		ctx := context.Background()
		switch {
		case e.DocumentID != "":
			m.BroadcastRoom(ctx, e.DocumentID, e.Frame(), e.UserID)
		case e.UserID != "":
			m.SendTo(ctx, e.UserID, e.Frame())
		}
		return nil
	})
}

// Connect registers conn for userID, closing any earlier connection for the
// same user, and greets the client.
func (m *Manager) Connect(ctx context.Context, conn Conn, userID, username string) error {
	if username == "" {
		username = unknownUsername
	}

	m.mu.Lock()
	old := m.clients[userID]
	m.clients[userID] = &client{
		conn: conn,
		info: UserInfo{UserID: userID, Username: username, ConnectedAt: time.Now().UTC()},
	}
	total := len(m.clients)
	m.mu.Unlock()

	if old != nil && old.conn != conn {
		if err := old.conn.Close(CloseReplaced, "Replaced by new connection"); err != nil {
			m.logger.Debug("closing replaced connection", "user_id", userID, "error", err)
		}
	}

	m.logger.Info("client connected", "user_id", userID, "username", username, "total_connections", total)

	return m.send(ctx, target{userID: userID, conn: conn}, map[string]any{
		"type":    "connected",
		"message": "Connected to collaborative editing server",
		"user_id": userID,
	})
}

// Disconnect removes the user from every room, notifies the remaining
// members and forgets the connection.
func (m *Manager) Disconnect(ctx context.Context, userID string) {
	m.disconnect(ctx, userID, nil)
}

// DisconnectConn is Disconnect guarded by connection identity: it does
// nothing if userID has since reconnected on a different conn.
func (m *Manager) DisconnectConn(ctx context.Context, userID string, conn Conn) {
	m.disconnect(ctx, userID, conn)
}

func (m *Manager) disconnect(ctx context.Context, userID string, conn Conn) {
	m.mu.Lock()
	c, ok := m.clients[userID]
	if !ok || (conn != nil && c.conn != conn) {
		m.mu.Unlock()
		return
	}
	delete(m.clients, userID)

	type leftRoom struct {
		docID  string
		active []map[string]any
	}
	var left []leftRoom
	for docID, members := range m.rooms {
		if _, in := members[userID]; !in {
			continue
		}
		delete(members, userID)
		if len(members) == 0 {
			delete(m.rooms, docID)
			continue
		}
		left = append(left, leftRoom{docID: docID, active: m.activeUsersLocked(docID)})
	}
	m.mu.Unlock()

	m.logger.Info("client disconnected", "user_id", userID, "username", c.info.Username, "rooms", len(left))

	for _, r := range left {
		m.BroadcastRoom(ctx, r.docID, map[string]any{
			"type":         "user_left",
			"user_id":      userID,
			"username":     c.info.Username,
			"document_id":  r.docID,
			"active_users": r.active,
		}, userID)
	}
}

// JoinRoom adds the user to a document room, tells the other members and
// sends the joiner the current presence list.
func (m *Manager) JoinRoom(ctx context.Context, userID, docID string) error {
	m.mu.Lock()
	c, ok := m.clients[userID]
	if !ok {
		m.mu.Unlock()
		return ErrNotConnected
	}
	members, exists := m.rooms[docID]
	if !exists {
		members = make(map[string]struct{})
		m.rooms[docID] = members
	}
	members[userID] = struct{}{}
	active := m.activeUsersLocked(docID)
	m.mu.Unlock()

	m.logger.Info("user joined document", "user_id", userID, "document_id", docID, "members", len(active))

	m.BroadcastRoom(ctx, docID, map[string]any{
		"type":         "user_joined",
		"user_id":      userID,
		"username":     c.info.Username,
		"document_id":  docID,
		"active_users": active,
	}, userID)

	return m.send(ctx, target{userID: userID, conn: c.conn}, map[string]any{
		"type":         "room_info",
		"document_id":  docID,
		"active_users": active,
	})
}

// LeaveRoom removes the user from a document room and notifies the rest.
func (m *Manager) LeaveRoom(ctx context.Context, userID, docID string) {
	m.mu.Lock()
	members, ok := m.rooms[docID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, in := members[userID]; !in {
		m.mu.Unlock()
		return
	}
	delete(members, userID)
	active := m.activeUsersLocked(docID)
	if len(members) == 0 {
		delete(m.rooms, docID)
	}
	username := m.usernameLocked(userID)
	m.mu.Unlock()

	m.logger.Info("user left document", "user_id", userID, "document_id", docID)

	m.BroadcastRoom(ctx, docID, map[string]any{
		"type":         "user_left",
		"user_id":      userID,
		"username":     username,
		"document_id":  docID,
		"active_users": active,
	}, userID)
}

// HandleInbound dispatches one frame received from a client.
func (m *Manager) HandleInbound(ctx context.Context, userID string, frame map[string]any) error {
	kind, _ := frame["type"].(string)
	docID, _ := frame["document_id"].(string)

	switch kind {
	case InboundJoin:
		if docID == "" {
			return nil
		}
		return m.JoinRoom(ctx, userID, docID)

	case InboundLeave:
		if docID != "" {
			m.LeaveRoom(ctx, userID, docID)
		}

	case InboundCursorUpdate:
		if docID == "" {
			return nil
		}
		position, ok := frame["position"]
		if !ok || position == nil {
			position = 0
		}
		m.BroadcastRoom(ctx, docID, map[string]any{
			"type":            "cursor_update",
			"user_id":         userID,
			"username":        m.username(userID),
			"document_id":     docID,
			"position":        position,
			"selection_start": frame["selection_start"],
			"selection_end":   frame["selection_end"],
			"color":           Color(userID),
		}, userID)

	case InboundContentChange:
		if docID == "" {
			return nil
		}
		change, ok := frame["change"].(map[string]any)
		if !ok {
			change = map[string]any{}
		}
		m.BroadcastRoom(ctx, docID, map[string]any{
			"type":        "text_change",
			"user_id":     userID,
			"username":    m.username(userID),
			"document_id": docID,
			"change":      change,
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		}, userID)

	case InboundKeepalive:
		m.SendTo(ctx, userID, map[string]any{"type": "pong"})

	default:
		m.logger.Warn("unknown inbound frame type", "user_id", userID, "type", kind)
	}
	return nil
}

// SendTo delivers frame to one user. A failed send disconnects the user.
func (m *Manager) SendTo(ctx context.Context, userID string, frame map[string]any) {
	m.mu.RLock()
	c, ok := m.clients[userID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := m.send(ctx, target{userID: userID, conn: c.conn}, frame); err != nil {
		m.dropFailed(ctx, []target{{userID: userID, conn: c.conn}})
	}
}

// BroadcastRoom sends frame to every member of docID except excludeUser.
func (m *Manager) BroadcastRoom(ctx context.Context, docID string, frame map[string]any, excludeUser string) {
	m.mu.RLock()
	members := m.rooms[docID]
	targets := make([]target, 0, len(members))
	for userID := range members {
		if userID == excludeUser {
			continue
		}
		if c, ok := m.clients[userID]; ok {
			targets = append(targets, target{userID: userID, conn: c.conn})
		}
	}
	m.mu.RUnlock()

	m.fanOut(ctx, targets, frame)
}

// BroadcastAll sends frame to every connected user except excludeUser.
func (m *Manager) BroadcastAll(ctx context.Context, frame map[string]any, excludeUser string) {
	m.mu.RLock()
	targets := make([]target, 0, len(m.clients))
	for userID, c := range m.clients {
		if userID != excludeUser {
			targets = append(targets, target{userID: userID, conn: c.conn})
		}
	}
	m.mu.RUnlock()

	m.fanOut(ctx, targets, frame)
}

func (m *Manager) fanOut(ctx context.Context, targets []target, frame map[string]any) {
	if len(targets) == 0 {
		return
	}

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []target
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := m.send(ctx, t, frame); err != nil {
				failedMu.Lock()
				failed = append(failed, t)
				failedMu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	m.dropFailed(ctx, failed)
}

func (m *Manager) send(ctx context.Context, t target, frame map[string]any) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	if err := t.conn.Send(sendCtx, frame); err != nil {
		m.logger.Warn("send to client failed", "user_id", t.userID, "type", frame["type"], "error", err)
		return err
	}
	return nil
}

func (m *Manager) dropFailed(ctx context.Context, failed []target) {
	for _, t := range failed {
		if err := t.conn.Close(CloseSendFailed, "send failed"); err != nil {
			m.logger.Debug("closing failed connection", "user_id", t.userID, "error", err)
		}
		m.DisconnectConn(ctx, t.userID, t.conn)
	}
}

// OnlineUsers lists connected users ordered by user id.
func (m *Manager) OnlineUsers() []UserInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]UserInfo, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// RoomMembers lists users present in a document room ordered by user id.
func (m *Manager) RoomMembers(docID string) []UserInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[docID]
	out := make([]UserInfo, 0, len(members))
	for userID := range members {
		info := UserInfo{UserID: userID, Username: unknownUsername}
		if c, ok := m.clients[userID]; ok {
			info = c.info
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsConnected reports whether userID has a live connection.
func (m *Manager) IsConnected(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[userID]
	return ok
}

// Stats returns connection and room counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perRoom := make(map[string]int, len(m.rooms))
	for docID, members := range m.rooms {
		perRoom[docID] = len(members)
	}
	return Stats{
		TotalConnections: len(m.clients),
		DocumentRooms:    len(m.rooms),
		UsersPerRoom:     perRoom,
	}
}

// CloseAll closes every connection. Used during shutdown.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*client)
	m.rooms = make(map[string]map[string]struct{})
	m.mu.Unlock()

	for userID, c := range clients {
		if err := c.conn.Close(code, reason); err != nil {
			m.logger.Debug("closing connection", "user_id", userID, "error", err)
		}
	}
}

func (m *Manager) username(userID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usernameLocked(userID)
}

func (m *Manager) usernameLocked(userID string) string {
	if c, ok := m.clients[userID]; ok {
		return c.info.Username
	}
	return unknownUsername
}

func (m *Manager) activeUsersLocked(docID string) []map[string]any {
	members := m.rooms[docID]
	ids := make([]string, 0, len(members))
	for userID := range members {
		ids = append(ids, userID)
	}
	sort.Strings(ids)

	out := make([]map[string]any, 0, len(ids))
	for _, userID := range ids {
		out = append(out, map[string]any{
			"user_id":  userID,
			"username": m.usernameLocked(userID),
			"color":    Color(userID),
		})
	}
	return out
}
