// ABOUTME: Document agent owning document CRUD, sharing and editing presence
// ABOUTME: Edits are checked against edit_version and recorded as change rows

package documents

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/quill-gateway/internal/agent"
	"github.com/2389/quill-gateway/internal/eventbus"
	"github.com/2389/quill-gateway/internal/message"
	"github.com/2389/quill-gateway/internal/store"
	"github.com/2389/quill-gateway/internal/versions"
)

// AgentID is the broker id of the document agent.
const AgentID = "document_agent"

// Publisher receives domain events. The event bus implements it.
type Publisher interface {
	Publish(e eventbus.Event)
}

type editor struct {
	cursor       int
	lastActivity time.Time
}

// Agent owns documents and tracks who is editing them.
type Agent struct {
	*agent.Agent

	store  store.Store
	events Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	editors map[string]map[string]*editor // document id -> user id
}

// New creates the document agent.
func New(s store.Store, events Publisher, logger *slog.Logger) *Agent {
	a := &Agent{
		store:   s,
		events:  events,
		now:     time.Now,
		editors: make(map[string]map[string]*editor),
	}
	a.Agent = agent.New(agent.Config{
		ID:   AgentID,
		Name: "Document Agent",
		Capabilities: []message.Type{
			message.TypeDocCreate,
			message.TypeDocRead,
			message.TypeDocUpdate,
			message.TypeDocDelete,
			message.TypeDocList,
			message.TypeDocCollaborate,
			message.TypeDocTrackChange,
			message.TypeDocShare,
			message.TypeDocUnshare,
			message.TypeDocCollaborators,
		},
		Logger: logger,
		OnStop: a.clearEditors,
	})
	a.logger = a.Agent.Logger()

	a.RegisterHandler(message.TypeDocCreate, a.handleCreate)
	a.RegisterHandler(message.TypeDocRead, a.handleRead)
	a.RegisterHandler(message.TypeDocUpdate, a.handleUpdate)
	a.RegisterHandler(message.TypeDocDelete, a.handleDelete)
	a.RegisterHandler(message.TypeDocList, a.handleList)
	a.RegisterHandler(message.TypeDocCollaborate, a.handleCollaborate)
	a.RegisterHandler(message.TypeDocTrackChange, a.handleTrackChange)
	a.RegisterHandler(message.TypeDocShare, a.handleShare)
	a.RegisterHandler(message.TypeDocUnshare, a.handleUnshare)
	a.RegisterHandler(message.TypeDocCollaborators, a.handleCollaborators)
	return a
}

// ActiveEditors returns the sorted ids of users editing documentID.
func (a *Agent) ActiveEditors(documentID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeEditorsLocked(documentID)
}

// ActiveDocuments returns the sorted ids of documents with editors.
func (a *Agent) ActiveDocuments() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.editors))
	for id := range a.editors {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (a *Agent) activeEditorsLocked(documentID string) []string {
	users := a.editors[documentID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// presenceLocked describes each editor of documentID, sorted by user id.
func (a *Agent) presenceLocked(documentID string) []map[string]any {
	ids := a.activeEditorsLocked(documentID)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		e := a.editors[documentID][id]
		out = append(out, map[string]any{
			"user_id":         id,
			"cursor_position": e.cursor,
			"last_activity":   e.lastActivity.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func (a *Agent) clearEditors() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.editors)
}

func (a *Agent) touch(documentID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.editors[documentID][userID]; ok {
		e.lastActivity = a.now()
	}
}

// requestVersion asks the version agent to snapshot the document. The
// outcome is not awaited.
func (a *Agent) requestVersion(ctx context.Context, d *store.Document, userID, summary string) {
	msg := message.New(message.TypeVersionCreate, a.ID(), versions.AgentID, message.Payload{
		"document_id":    d.ID,
		"user_id":        userID,
		"title":          d.Title,
		"content":        d.Content,
		"change_summary": summary,
	})
	if err := a.SendMessage(ctx, msg); err != nil {
		a.logger.Warn("version request not delivered", "document_id", d.ID, "error", err)
	}
}

func (a *Agent) publish(t eventbus.EventType, data map[string]any, userID, documentID string) {
	a.events.Publish(eventbus.NewEvent(t, data, userID, documentID))
}
