// ABOUTME: Tests for the account agent handlers
// ABOUTME: Uses MockStore, a recording publisher and an in-memory denylist

package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/quill-gateway/internal/auth"
	"github.com/2389/quill-gateway/internal/eventbus"
	"github.com/2389/quill-gateway/internal/message"
	"github.com/2389/quill-gateway/internal/revocation"
	"github.com/2389/quill-gateway/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recordingPublisher) Publish(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) types() []eventbus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	agent   *Agent
	store   *store.MockStore
	events  *recordingPublisher
	issuer  *auth.JWTIssuer
	revoked *revocation.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMockStore(),
		events:  &recordingPublisher{},
		issuer:  auth.NewJWTIssuer([]byte("accounts-test-secret-0123456789ab"), time.Hour),
		revoked: revocation.NewMemoryStore(100, time.Hour),
	}
	t.Cleanup(func() { _ = f.revoked.Close() })
	f.agent = New(f.store, f.events, f.issuer, f.revoked, nil)
	return f
}

func call(t *testing.T, h func(context.Context, *message.Message) (*message.Message, error), typ message.Type, p message.Payload) message.Payload {
	t.Helper()
	msg := message.New(typ, "test", AgentID, p)
	reply, err := h(t.Context(), msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, msg.ID, reply.CorrelationID)
	if reply.Payload.Success() {
		assert.Equal(t, message.TypeResponse, reply.Type)
	} else {
		assert.Equal(t, message.TypeError, reply.Type)
	}
	return reply.Payload
}

func (f *fixture) register(t *testing.T, username, email, password string) map[string]any {
	t.Helper()
	p := call(t, f.agent.handleRegister, message.TypeUserRegister, message.Payload{
		"username": username, "email": email, "password": password,
	})
	require.True(t, p.Success(), "register failed: %v", p.ErrorText())
	return p.Map("user")
}

func TestAgent_Capabilities(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, AgentID, f.agent.ID())
	assert.Len(t, f.agent.Capabilities(), 6)
	assert.Empty(t, f.agent.MissingHandlers())
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	user := f.register(t, "alice", "Alice@Example.com", "secret1")
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Equal(t, "alice", user["display_name"])
	assert.NotContains(t, user, "password_hash")
	assert.Equal(t, []eventbus.EventType{eventbus.UserJoined}, f.events.types())

	stored, err := f.store.GetAccount(t.Context(), user["id"].(string))
	require.NoError(t, err)
	assert.NotEqual(t, "secret1", stored.PasswordHash)
	assert.True(t, auth.CheckPassword(stored.PasswordHash, "secret1"))
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		payload message.Payload
		want    string
	}{
		{"short username", message.Payload{"username": "ab", "email": "a@b.c", "password": "secret1"}, "Username must be at least 3 characters"},
		{"bad email", message.Payload{"username": "alice", "email": "nope", "password": "secret1"}, "Valid email is required"},
		{"short password", message.Payload{"username": "alice", "email": "a@b.c", "password": "12345"}, "Password must be at least 6 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := call(t, f.agent.handleRegister, message.TypeUserRegister, tt.payload)
			assert.False(t, p.Success())
			assert.Equal(t, tt.want, p.ErrorText())
			assert.Equal(t, message.KindValidation, p.Kind())
		})
	}
	assert.Empty(t, f.events.types())
}

func TestRegister_Duplicates(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "alice@example.com", "secret1")

	p := call(t, f.agent.handleRegister, message.TypeUserRegister, message.Payload{
		"username": "alice", "email": "other@example.com", "password": "secret1",
	})
	assert.Equal(t, "Username already taken", p.ErrorText())
	assert.Equal(t, message.KindConflict, p.Kind())

	p = call(t, f.agent.handleRegister, message.TypeUserRegister, message.Payload{
		"username": "alice2", "email": "ALICE@example.com", "password": "secret1",
	})
	assert.Equal(t, "Email already registered", p.ErrorText())
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice", "alice@example.com", "secret1")

	for _, login := range []string{"alice", "ALICE@example.com"} {
		p := call(t, f.agent.handleLogin, message.TypeUserLogin, message.Payload{"username": login, "password": "secret1"})
		require.True(t, p.Success(), "login as %s: %s", login, p.ErrorText())

		claims, err := f.issuer.Verify(p.String("token"))
		require.NoError(t, err)
		assert.Equal(t, user["id"], claims.UserID)
		assert.Equal(t, "alice", claims.Username)
		assert.NotNil(t, p.Map("user")["last_login"])
	}
	assert.True(t, f.agent.IsOnline(user["id"].(string)))
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice", "alice@example.com", "secret1")

	p := call(t, f.agent.handleLogin, message.TypeUserLogin, message.Payload{"username": "alice", "password": "wrong!"})
	assert.Equal(t, "Invalid credentials", p.ErrorText())
	assert.Equal(t, message.KindUnauthenticated, p.Kind())

	p = call(t, f.agent.handleLogin, message.TypeUserLogin, message.Payload{"username": "nobody", "password": "secret1"})
	assert.Equal(t, "Invalid credentials", p.ErrorText())

	p = call(t, f.agent.handleLogin, message.TypeUserLogin, message.Payload{"username": "alice"})
	assert.Equal(t, message.KindValidation, p.Kind())

	call(t, f.agent.handleDelete, message.TypeUserDelete, message.Payload{"user_id": user["id"]})
	p = call(t, f.agent.handleLogin, message.TypeUserLogin, message.Payload{"username": "alice", "password": "secret1"})
	assert.Equal(t, "Account is deactivated", p.ErrorText())
}

func TestLogout_RevokesToken(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice", "alice@example.com", "secret1")
	userID := user["id"].(string)

	p := call(t, f.agent.handleLogin, message.TypeUserLogin, message.Payload{"username": "alice", "password": "secret1"})
	claims, err := f.issuer.Verify(p.String("token"))
	require.NoError(t, err)

	p = call(t, f.agent.handleLogout, message.TypeUserLogout, message.Payload{
		"user_id":    userID,
		"token_id":   claims.TokenID,
		"expires_at": claims.ExpiresAt.Format(time.RFC3339),
	})
	assert.True(t, p.Success())
	assert.False(t, f.agent.IsOnline(userID))

	revoked, err := f.revoked.IsRevoked(t.Context(), claims.TokenID)
	require.NoError(t, err)
	assert.True(t, revoked)

	assert.Equal(t, eventbus.UserLeft, f.events.types()[len(f.events.types())-1])
}

func TestLogout_WithoutSession(t *testing.T) {
	f := newFixture(t)
	p := call(t, f.agent.handleLogout, message.TypeUserLogout, message.Payload{"user_id": "ghost"})
	assert.True(t, p.Success())
	assert.Empty(t, f.events.types())
}

func TestGetProfile(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice", "alice@example.com", "secret1")
	id := user["id"].(string)

	p := call(t, f.agent.handleGetProfile, message.TypeUserGetProfile, message.Payload{"user_id": id, "requesting_user_id": id})
	require.True(t, p.Success())
	assert.Equal(t, "alice@example.com", p.Map("user")["email"])

	p = call(t, f.agent.handleGetProfile, message.TypeUserGetProfile, message.Payload{"user_id": id, "requesting_user_id": "someone-else"})
	require.True(t, p.Success())
	assert.NotContains(t, p.Map("user"), "email")

	p = call(t, f.agent.handleGetProfile, message.TypeUserGetProfile, message.Payload{"user_id": "missing"})
	assert.Equal(t, message.KindNotFound, p.Kind())

	p = call(t, f.agent.handleGetProfile, message.TypeUserGetProfile, message.Payload{})
	assert.Equal(t, "User ID required", p.ErrorText())
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", "alice@example.com", "secret1")
	f.register(t, "bob", "bob@example.com", "secret1")
	id := alice["id"].(string)

	p := call(t, f.agent.handleUpdateProfile, message.TypeUserUpdateProfile, message.Payload{
		"user_id": id,
		"updates": map[string]any{"display_name": "Alice A.", "bio": "writer", "username": "ignored", "email": "NEW@example.com"},
	})
	require.True(t, p.Success(), p.ErrorText())
	u := p.Map("user")
	assert.Equal(t, "Alice A.", u["display_name"])
	assert.Equal(t, "writer", u["bio"])
	assert.Equal(t, "alice", u["username"])
	assert.Equal(t, "new@example.com", u["email"])
	assert.Contains(t, f.events.types(), eventbus.UserUpdated)

	p = call(t, f.agent.handleUpdateProfile, message.TypeUserUpdateProfile, message.Payload{
		"user_id": id, "updates": map[string]any{"email": "bob@example.com"},
	})
	assert.Equal(t, "Email already in use", p.ErrorText())

	p = call(t, f.agent.handleUpdateProfile, message.TypeUserUpdateProfile, message.Payload{
		"user_id": id, "updates": map[string]any{"username": "x"},
	})
	assert.Equal(t, "No valid fields to update", p.ErrorText())
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice", "alice@example.com", "secret1")
	id := user["id"].(string)

	call(t, f.agent.handleLogin, message.TypeUserLogin, message.Payload{"username": "alice", "password": "secret1"})
	p := call(t, f.agent.handleDelete, message.TypeUserDelete, message.Payload{"user_id": id})
	assert.True(t, p.Success())
	assert.False(t, f.agent.IsOnline(id))

	stored, err := f.store.GetAccount(t.Context(), id)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	p = call(t, f.agent.handleDelete, message.TypeUserDelete, message.Payload{"user_id": "missing"})
	assert.Equal(t, message.KindNotFound, p.Kind())
}
