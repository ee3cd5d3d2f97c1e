// ABOUTME: REST API translating HTTP requests into broker messages
// ABOUTME: Reply kinds map onto HTTP status codes; timeouts become 504

package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/2389/quill-gateway/internal/accounts"
	"github.com/2389/quill-gateway/internal/auth"
	"github.com/2389/quill-gateway/internal/documents"
	"github.com/2389/quill-gateway/internal/eventbus"
	"github.com/2389/quill-gateway/internal/message"
	"github.com/2389/quill-gateway/internal/versions"
)

const (
	apiSender       = "api_gateway"
	maxBodyBytes    = 10 << 20
	defaultEventCap = 100
)

var kindStatus = map[message.Kind]int{
	message.KindValidation:      http.StatusBadRequest,
	message.KindUnauthenticated: http.StatusUnauthorized,
	message.KindAuthorization:   http.StatusForbidden,
	message.KindNotFound:        http.StatusNotFound,
	message.KindConflict:        http.StatusConflict,
	message.KindInternal:        http.StatusInternalServerError,
}

// statusForKind returns the HTTP status for a failed reply.
func statusForKind(k message.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusBadRequest
}

// Handler returns the HTTP handler serving the REST API, the WebSocket
// endpoint and the health checks.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	required := g.authn.HTTPMiddleware()
	optional := g.authn.OptionalMiddleware()
	authed := func(h http.HandlerFunc) http.Handler { return required(h) }
	open := func(h http.HandlerFunc) http.Handler { return optional(h) }

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/ws", g.handleWebSocket)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/users/register", g.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/users/login", g.handleLogin).Methods(http.MethodPost)
	api.Handle("/users/logout", authed(g.handleLogout)).Methods(http.MethodPost)
	api.Handle("/users/me", authed(g.handleGetMe)).Methods(http.MethodGet)
	api.Handle("/users/me", authed(g.handleUpdateMe)).Methods(http.MethodPut)
	api.Handle("/users/me", authed(g.handleDeleteMe)).Methods(http.MethodDelete)
	api.Handle("/users/{id}", open(g.handleGetUser)).Methods(http.MethodGet)

	api.Handle("/documents", authed(g.handleCreateDocument)).Methods(http.MethodPost)
	api.Handle("/documents", open(g.handleListDocuments)).Methods(http.MethodGet)
	api.Handle("/documents/{id}", open(g.handleReadDocument)).Methods(http.MethodGet)
	api.Handle("/documents/{id}", authed(g.handleUpdateDocument)).Methods(http.MethodPut)
	api.Handle("/documents/{id}", authed(g.handleDeleteDocument)).Methods(http.MethodDelete)
	api.Handle("/documents/{id}/share", authed(g.handleShare)).Methods(http.MethodPost)
	api.Handle("/documents/{id}/share/{email}", authed(g.handleUnshare)).Methods(http.MethodDelete)
	api.Handle("/documents/{id}/collaborators", authed(g.handleCollaborators)).Methods(http.MethodGet)
	api.Handle("/documents/{id}/collaborate", authed(g.handleCollaborate)).Methods(http.MethodPost)
	api.Handle("/documents/{id}/changes", authed(g.handleTrackChange)).Methods(http.MethodPost)
	api.Handle("/documents/{id}/versions", open(g.handleHistory)).Methods(http.MethodGet)
	api.Handle("/documents/{id}/versions", authed(g.handleCreateVersion)).Methods(http.MethodPost)
	api.Handle("/documents/{id}/revert", authed(g.handleRevert)).Methods(http.MethodPost)
	api.Handle("/documents/{id}/compare", open(g.handleCompare)).Methods(http.MethodPost)
	api.Handle("/documents/{id}/contributions", open(g.handleContributions)).Methods(http.MethodGet)

	api.Handle("/events", authed(g.handleEvents)).Methods(http.MethodGet)
	api.Handle("/stats", authed(g.handleStats)).Methods(http.MethodGet)

	return r
}

// writeJSON writes v as the JSON response body.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, msg string) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON object body. An empty body yields an empty payload.
func decodeBody(r *http.Request) (message.Payload, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	p := message.Payload{}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return p, nil
}

// dispatch sends a request to recipient and writes the reply. okStatus is
// used for successful replies.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, t message.Type, recipient string, p message.Payload, okStatus int) {
	msg := message.New(t, apiSender, recipient, p)
	reply, err := g.broker.Request(r.Context(), msg, g.config.Broker.RequestTimeout)
	if err != nil {
		g.logger.Error("broker request failed", "type", t, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if reply == nil {
		g.sendJSONError(w, http.StatusGatewayTimeout, "request timed out")
		return
	}
	if !reply.Payload.Success() {
		g.writeJSON(w, statusForKind(reply.Payload.Kind()), reply.Payload)
		return
	}
	g.writeJSON(w, okStatus, reply.Payload)
}

// withBody decodes the request body and sets the extra fields over it, so
// callers cannot spoof identity fields.
func (g *Gateway) withBody(w http.ResponseWriter, r *http.Request, extra message.Payload) (message.Payload, bool) {
	p, err := decodeBody(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	for k, v := range extra {
		p[k] = v
	}
	return p, true
}

func userID(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// setQuery copies the named query parameters into p when present.
func setQuery(p message.Payload, r *http.Request, keys ...string) {
	q := r.URL.Query()
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			p[k] = v
		}
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 only when every agent is running.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.broker.Ready() {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "agents": len(g.broker.Agents())})
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	p, ok := g.withBody(w, r, nil)
	if !ok {
		return
	}
	g.dispatch(w, r, message.TypeUserRegister, accounts.AgentID, p, http.StatusCreated)
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := g.withBody(w, r, nil)
	if !ok {
		return
	}
	g.dispatch(w, r, message.TypeUserLogin, accounts.AgentID, p, http.StatusOK)
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	g.dispatch(w, r, message.TypeUserLogout, accounts.AgentID, message.Payload{
		"user_id":    id.UserID,
		"token_id":   id.TokenID,
		"expires_at": id.ExpiresAt.UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

func (g *Gateway) handleGetMe(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	g.dispatch(w, r, message.TypeUserGetProfile, accounts.AgentID, message.Payload{
		"user_id":            uid,
		"requesting_user_id": uid,
	}, http.StatusOK)
}

func (g *Gateway) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	updates, err := decodeBody(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.dispatch(w, r, message.TypeUserUpdateProfile, accounts.AgentID, message.Payload{
		"user_id": userID(r),
		"updates": map[string]any(updates),
	}, http.StatusOK)
}

func (g *Gateway) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	g.dispatch(w, r, message.TypeUserDelete, accounts.AgentID, message.Payload{"user_id": userID(r)}, http.StatusOK)
}

func (g *Gateway) handleGetUser(w http.ResponseWriter, r *http.Request) {
	g.dispatch(w, r, message.TypeUserGetProfile, accounts.AgentID, message.Payload{
		"user_id":            mux.Vars(r)["id"],
		"requesting_user_id": userID(r),
	}, http.StatusOK)
}

func (g *Gateway) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := g.withBody(w, r, message.Payload{"user_id": userID(r)})
	if !ok {
		return
	}
	g.dispatch(w, r, message.TypeDocCreate, documents.AgentID, p, http.StatusCreated)
}

func (g *Gateway) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	p := message.Payload{
		"user_id":        userID(r),
		"include_public": queryBool(r, "include_public"),
	}
	setQuery(p, r, "limit", "offset")
	g.dispatch(w, r, message.TypeDocList, documents.AgentID, p, http.StatusOK)
}

func (g *Gateway) handleReadDocument(w http.ResponseWriter, r *http.Request) {
	p := message.Payload{"document_id": mux.Vars(r)["id"], "user_id": userID(r)}
	setQuery(p, r, "render")
	g.dispatch(w, r, message.TypeDocRead, documents.AgentID, p, http.StatusOK)
}

// documentRequest handles the routes that forward the body with the path
// document id and the caller's id.
func (g *Gateway) documentRequest(t message.Type, recipient string, okStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := g.withBody(w, r, message.Payload{
			"document_id": mux.Vars(r)["id"],
			"user_id":     userID(r),
		})
		if !ok {
			return
		}
		g.dispatch(w, r, t, recipient, p, okStatus)
	}
}

func (g *Gateway) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	g.documentRequest(message.TypeDocUpdate, documents.AgentID, http.StatusOK)(w, r)
}

func (g *Gateway) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	g.dispatch(w, r, message.TypeDocDelete, documents.AgentID, message.Payload{
		"document_id": mux.Vars(r)["id"],
		"user_id":     userID(r),
	}, http.StatusOK)
}

func (g *Gateway) handleShare(w http.ResponseWriter, r *http.Request) {
	g.documentRequest(message.TypeDocShare, documents.AgentID, http.StatusOK)(w, r)
}

func (g *Gateway) handleUnshare(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	g.dispatch(w, r, message.TypeDocUnshare, documents.AgentID, message.Payload{
		"document_id": vars["id"],
		"user_id":     userID(r),
		"email":       vars["email"],
	}, http.StatusOK)
}

func (g *Gateway) handleCollaborators(w http.ResponseWriter, r *http.Request) {
	g.dispatch(w, r, message.TypeDocCollaborators, documents.AgentID, message.Payload{
		"document_id": mux.Vars(r)["id"],
		"user_id":     userID(r),
	}, http.StatusOK)
}

func (g *Gateway) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	g.documentRequest(message.TypeDocCollaborate, documents.AgentID, http.StatusOK)(w, r)
}

func (g *Gateway) handleTrackChange(w http.ResponseWriter, r *http.Request) {
	g.documentRequest(message.TypeDocTrackChange, documents.AgentID, http.StatusOK)(w, r)
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	p := message.Payload{
		"document_id":     mux.Vars(r)["id"],
		"user_id":         userID(r),
		"include_content": queryBool(r, "include_content"),
	}
	setQuery(p, r, "limit")
	g.dispatch(w, r, message.TypeVersionGetHistory, versions.AgentID, p, http.StatusOK)
}

func (g *Gateway) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	g.documentRequest(message.TypeVersionCreate, versions.AgentID, http.StatusCreated)(w, r)
}

func (g *Gateway) handleRevert(w http.ResponseWriter, r *http.Request) {
	g.documentRequest(message.TypeVersionRevert, versions.AgentID, http.StatusOK)(w, r)
}

func (g *Gateway) handleCompare(w http.ResponseWriter, r *http.Request) {
	g.documentRequest(message.TypeVersionCompare, versions.AgentID, http.StatusOK)(w, r)
}

func (g *Gateway) handleContributions(w http.ResponseWriter, r *http.Request) {
	p := message.Payload{
		"document_id":        mux.Vars(r)["id"],
		"requesting_user_id": userID(r),
	}
	setQuery(p, r, "user_id")
	g.dispatch(w, r, message.TypeVersionGetContributions, versions.AgentID, p, http.StatusOK)
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventCap
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events := g.bus.History(eventbus.Filter{
		Type:       eventbus.EventType(q.Get("type")),
		ResourceID: q.Get("document_id"),
		Limit:      limit,
	})
	frames := make([]map[string]any, 0, len(events))
	for _, e := range events {
		frames = append(frames, e.Frame())
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"events": frames, "count": len(frames)})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"broker":         g.broker.Stats(),
		"events":         g.bus.Stats(),
		"connections":    g.rooms.Stats(),
		"online_users":   g.rooms.OnlineUsers(),
		"uptime_seconds": int(time.Since(g.started).Seconds()),
	}
	if g.relay != nil {
		out["relay"] = g.relay.Stats()
	}
	g.writeJSON(w, http.StatusOK, out)
}
