// ABOUTME: Account agent handling registration, login, logout and profiles
// ABOUTME: Publishes user presence events and revokes tokens on logout

package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/quill-gateway/internal/agent"
	"github.com/2389/quill-gateway/internal/auth"
	"github.com/2389/quill-gateway/internal/eventbus"
	"github.com/2389/quill-gateway/internal/message"
	"github.com/2389/quill-gateway/internal/store"
)

// AgentID is the broker id of the account agent.
const AgentID = "account_agent"

const (
	minUsernameLength = 3
	minPasswordLength = 6
)

// Publisher receives domain events. The event bus implements it.
type Publisher interface {
	Publish(e eventbus.Event)
}

// TokenIssuer issues login tokens.
type TokenIssuer interface {
	Issue(userID, username string) (string, *auth.Claims, error)
	TTL() time.Duration
}

// Revoker denies a token id until it would have expired.
type Revoker interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
}

type session struct {
	username string
}

// Agent owns user accounts.
type Agent struct {
	*agent.Agent

	store   store.Store
	events  Publisher
	tokens  TokenIssuer
	revoker Revoker
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]session
}

// New creates the account agent. revoker may be nil.
func New(s store.Store, events Publisher, tokens TokenIssuer, revoker Revoker, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		store:    s,
		events:   events,
		tokens:   tokens,
		revoker:  revoker,
		now:      time.Now,
		sessions: make(map[string]session),
	}
	a.Agent = agent.New(agent.Config{
		ID:   AgentID,
		Name: "Account Agent",
		Capabilities: []message.Type{
			message.TypeUserRegister,
			message.TypeUserLogin,
			message.TypeUserLogout,
			message.TypeUserUpdateProfile,
			message.TypeUserGetProfile,
			message.TypeUserDelete,
		},
		Logger: logger,
		OnStop: a.clearSessions,
	})
	a.logger = a.Agent.Logger()

	a.RegisterHandler(message.TypeUserRegister, a.handleRegister)
	a.RegisterHandler(message.TypeUserLogin, a.handleLogin)
	a.RegisterHandler(message.TypeUserLogout, a.handleLogout)
	a.RegisterHandler(message.TypeUserGetProfile, a.handleGetProfile)
	a.RegisterHandler(message.TypeUserUpdateProfile, a.handleUpdateProfile)
	a.RegisterHandler(message.TypeUserDelete, a.handleDelete)
	return a
}

// IsOnline reports whether the user has a tracked login session.
func (a *Agent) IsOnline(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[userID]
	return ok
}

// SessionCount returns the number of tracked sessions.
func (a *Agent) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Agent) clearSessions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.sessions)
}

func (a *Agent) dropSession(userID string) (session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[userID]
	delete(a.sessions, userID)
	return s, ok
}

func (a *Agent) handleRegister(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	username := p.String("username")
	email := strings.ToLower(p.String("email"))
	password, _ := p.RawString("password")
	displayName := p.String("display_name")

	if len([]rune(username)) < minUsernameLength {
		return msg.Reply(message.Fail(message.KindValidation, "Username must be at least 3 characters")), nil
	}
	if !strings.Contains(email, "@") {
		return msg.Reply(message.Fail(message.KindValidation, "Valid email is required")), nil
	}
	if len(password) < minPasswordLength {
		return msg.Reply(message.Fail(message.KindValidation, "Password must be at least 6 characters")), nil
	}

	existing, err := a.store.FindAccounts(ctx, store.AccountFilter{Username: username, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("checking username: %w", err)
	}
	if len(existing) > 0 {
		return msg.Reply(message.Fail(message.KindConflict, "Username already taken")), nil
	}
	existing, err = a.store.FindAccounts(ctx, store.AccountFilter{Email: email, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("checking email: %w", err)
	}
	if len(existing) > 0 {
		return msg.Reply(message.Fail(message.KindConflict, "Email already registered")), nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	if displayName == "" {
		displayName = username
	}
	acct := &store.Account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.PutAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return msg.Reply(message.Fail(message.KindConflict, "Username or email already registered")), nil
		}
		return nil, fmt.Errorf("saving account: %w", err)
	}

	a.logger.Info("user registered", "user_id", acct.ID, "username", acct.Username)
	a.events.Publish(eventbus.NewEvent(eventbus.UserJoined, map[string]any{"user": acct.PublicMap()}, acct.ID, ""))

	return msg.Reply(message.OK(message.Payload{
		"user":    acct.Map(true),
		"message": "Registration successful",
	})), nil
}

func (a *Agent) handleLogin(ctx context.Context, msg *message.Message) (*message.Message, error) {
	login := msg.Payload.String("username")
	password, _ := msg.Payload.RawString("password")
	if login == "" || password == "" {
		return msg.Reply(message.Fail(message.KindValidation, "Username/email and password required")), nil
	}

	acct, err := a.store.GetAccountByLogin(ctx, login)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	// Same reply for unknown users and wrong passwords.
	if acct == nil || !auth.CheckPassword(acct.PasswordHash, password) {
		return msg.Reply(message.Fail(message.KindUnauthenticated, "Invalid credentials")), nil
	}
	if !acct.IsActive {
		return msg.Reply(message.Fail(message.KindAuthorization, "Account is deactivated")), nil
	}

	now := a.now().UTC()
	acct.LastLogin = &now
	if err := a.store.PutAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("recording login: %w", err)
	}

	token, claims, err := a.tokens.Issue(acct.ID, acct.Username)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.sessions[acct.ID] = session{username: acct.Username}
	a.mu.Unlock()

	a.logger.Info("user logged in", "user_id", acct.ID, "username", acct.Username)
	a.events.Publish(eventbus.NewEvent(eventbus.UserJoined, map[string]any{"user": acct.PublicMap()}, acct.ID, ""))

	return msg.Reply(message.OK(message.Payload{
		"token":      token,
		"token_type": "bearer",
		"expires_at": claims.ExpiresAt.UTC().Format(time.RFC3339),
		"user":       acct.Map(true),
		"message":    "Login successful",
	})), nil
}

func (a *Agent) handleLogout(ctx context.Context, msg *message.Message) (*message.Message, error) {
	userID := msg.Payload.String("user_id")

	if jti := msg.Payload.String("token_id"); jti != "" && a.revoker != nil {
		until := a.now().Add(a.tokens.TTL())
		if exp := msg.Payload.String("expires_at"); exp != "" {
			if t, err := time.Parse(time.RFC3339, exp); err == nil {
				until = t
			}
		}
		if err := a.revoker.Revoke(ctx, jti, until); err != nil {
			return nil, fmt.Errorf("revoking token: %w", err)
		}
	}

	if userID != "" {
		if s, ok := a.dropSession(userID); ok {
			a.logger.Info("user logged out", "user_id", userID, "username", s.username)
			a.events.Publish(eventbus.NewEvent(eventbus.UserLeft, map[string]any{"user_id": userID}, userID, ""))
		}
	}

	return msg.Reply(message.OK(message.Payload{"message": "Logged out successfully"})), nil
}

func (a *Agent) handleGetProfile(ctx context.Context, msg *message.Message) (*message.Message, error) {
	userID := msg.Payload.String("user_id")
	if userID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "User ID required")), nil
	}

	acct, err := a.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return msg.Reply(message.Fail(message.KindNotFound, "User not found")), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	own := msg.Payload.String("requesting_user_id") == userID
	return msg.Reply(message.OK(message.Payload{"user": acct.Map(own)})), nil
}

var profileFields = []string{"display_name", "bio", "avatar_url", "email"}

func (a *Agent) handleUpdateProfile(ctx context.Context, msg *message.Message) (*message.Message, error) {
	userID := msg.Payload.String("user_id")
	if userID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "User ID required")), nil
	}

	updates := message.Payload(msg.Payload.Map("updates"))
	changed := make(map[string]string)
	for _, f := range profileFields {
		if v, ok := updates.RawString(f); ok {
			changed[f] = strings.TrimSpace(v)
		}
	}
	if len(changed) == 0 {
		return msg.Reply(message.Fail(message.KindValidation, "No valid fields to update")), nil
	}

	acct, err := a.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return msg.Reply(message.Fail(message.KindNotFound, "User not found")), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	if email, ok := changed["email"]; ok {
		email = strings.ToLower(email)
		if !strings.Contains(email, "@") {
			return msg.Reply(message.Fail(message.KindValidation, "Valid email is required")), nil
		}
		if email != acct.Email {
			taken, err := a.store.FindAccounts(ctx, store.AccountFilter{Email: email, Limit: 1})
			if err != nil {
				return nil, fmt.Errorf("checking email: %w", err)
			}
			if len(taken) > 0 {
				return msg.Reply(message.Fail(message.KindConflict, "Email already in use")), nil
			}
		}
		acct.Email = email
	}
	if v, ok := changed["display_name"]; ok {
		acct.DisplayName = v
	}
	if v, ok := changed["bio"]; ok {
		acct.Bio = v
	}
	if v, ok := changed["avatar_url"]; ok {
		acct.AvatarURL = v
	}
	acct.UpdatedAt = a.now().UTC()

	if err := a.store.PutAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return msg.Reply(message.Fail(message.KindConflict, "Email already in use")), nil
		}
		return nil, fmt.Errorf("saving account: %w", err)
	}

	a.logger.Info("profile updated", "user_id", acct.ID)
	a.events.Publish(eventbus.NewEvent(eventbus.UserUpdated, map[string]any{"user": acct.PublicMap()}, acct.ID, ""))

	return msg.Reply(message.OK(message.Payload{
		"user":    acct.Map(true),
		"message": "Profile updated successfully",
	})), nil
}

func (a *Agent) handleDelete(ctx context.Context, msg *message.Message) (*message.Message, error) {
	userID := msg.Payload.String("user_id")
	if userID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "User ID required")), nil
	}

	acct, err := a.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return msg.Reply(message.Fail(message.KindNotFound, "User not found")), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	acct.IsActive = false
	acct.UpdatedAt = a.now().UTC()
	if err := a.store.PutAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("deactivating account: %w", err)
	}
	a.dropSession(userID)

	a.logger.Info("user deactivated", "user_id", userID)
	return msg.Reply(message.OK(message.Payload{"message": "Account deactivated successfully"})), nil
}
