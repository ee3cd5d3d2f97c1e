// ABOUTME: Version agent keeping numbered document snapshots
// ABOUTME: Handles history, revert, diff comparison and contribution stats

package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/quill-gateway/internal/agent"
	"github.com/2389/quill-gateway/internal/eventbus"
	"github.com/2389/quill-gateway/internal/message"
	"github.com/2389/quill-gateway/internal/store"
)

// AgentID is the broker id of the version agent.
const AgentID = "version_agent"

const (
	defaultHistoryLimit = 50
	// Above this a document still gets new versions but a warning is logged.
	softVersionLimit = 100
)

// Publisher receives domain events. The event bus implements it.
type Publisher interface {
	Publish(e eventbus.Event)
}

// Agent owns document snapshots.
type Agent struct {
	*agent.Agent

	store  store.Store
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates the version agent.
func New(s store.Store, events Publisher, logger *slog.Logger) *Agent {
	a := &Agent{store: s, events: events, now: time.Now}
	a.Agent = agent.New(agent.Config{
		ID:   AgentID,
		Name: "Version Agent",
		Capabilities: []message.Type{
			message.TypeVersionCreate,
			message.TypeVersionGetHistory,
			message.TypeVersionRevert,
			message.TypeVersionCompare,
			message.TypeVersionGetContributions,
		},
		Logger: logger,
	})
	a.logger = a.Agent.Logger()

	a.RegisterHandler(message.TypeVersionCreate, a.handleCreate)
	a.RegisterHandler(message.TypeVersionGetHistory, a.handleHistory)
	a.RegisterHandler(message.TypeVersionRevert, a.handleRevert)
	a.RegisterHandler(message.TypeVersionCompare, a.handleCompare)
	a.RegisterHandler(message.TypeVersionGetContributions, a.handleContributions)
	return a
}

// load fetches a live document. A nil document with a nil error means the
// reply has already been built.
func (a *Agent) load(ctx context.Context, msg *message.Message, id string) (*store.Document, *message.Message, error) {
	d, err := a.store.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && d.IsDeleted) {
		return nil, msg.Reply(message.Fail(message.KindNotFound, "Document not found")), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading document: %w", err)
	}
	return d, nil, nil
}

// nextVersion returns the number the next snapshot of documentID gets.
func (a *Agent) nextVersion(ctx context.Context, documentID string) (int, *store.Snapshot, error) {
	latest, err := a.store.LatestSnapshot(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return 1, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("loading latest version: %w", err)
	}
	return latest.VersionNumber + 1, latest, nil
}

func (a *Agent) newSnapshot(documentID string, number int, title, content, userID, summary string) *store.Snapshot {
	words, chars := store.Counts(content)
	return &store.Snapshot{
		ID:             uuid.NewString(),
		DocumentID:     documentID,
		VersionNumber:  number,
		Title:          title,
		Content:        content,
		CreatedBy:      userID,
		ChangeSummary:  summary,
		WordCount:      words,
		CharacterCount: chars,
		CreatedAt:      a.now().UTC(),
	}
}

func (a *Agent) handleCreate(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	userID := p.String("user_id")
	if docID == "" || userID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id and user_id required")), nil
	}

	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return reply, err
	}
	if !d.CanEdit(userID) {
		return msg.Reply(message.Fail(message.KindAuthorization, "Edit permission denied")), nil
	}
	title, ok := p.RawString("title")
	if !ok {
		title = d.Title
	}
	content, ok := p.RawString("content")
	if !ok {
		content = d.Content
	}

	next, latest, err := a.nextVersion(ctx, docID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Content == content {
		return msg.Reply(message.Fail(message.KindConflict, "No changes detected. Content is identical to the latest version.").With(message.Payload{
			"no_changes": true,
		})), nil
	}
	if next > softVersionLimit {
		a.logger.Warn("document has many versions", "document_id", docID, "versions", next)
	}

	snap := a.newSnapshot(docID, next, title, content, userID, p.String("change_summary"))
	if err := a.store.PutSnapshot(ctx, snap); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return msg.Reply(message.Fail(message.KindConflict, "Version was created concurrently, retry")), nil
		}
		return nil, fmt.Errorf("saving version: %w", err)
	}

	a.logger.Info("version created", "document_id", docID, "version", next, "user_id", userID)
	a.events.Publish(eventbus.NewEvent(eventbus.VersionCreated, map[string]any{
		"document_id": docID,
		"version":     snap.Map(false),
		"created_by":  userID,
	}, userID, docID))

	return msg.Reply(message.OK(message.Payload{
		"version": snap.Map(false),
		"message": fmt.Sprintf("Version %d created", next),
	})), nil
}

func (a *Agent) handleHistory(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	userID := p.String("user_id")
	if docID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id required")), nil
	}

	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return reply, err
	}
	// An empty user_id stands for an anonymous caller; only internal
	// requests omit the key.
	if p.Has("user_id") && !d.CanView(userID) {
		return msg.Reply(message.Fail(message.KindAuthorization, "Access denied")), nil
	}

	limit := p.IntOr("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	snaps, err := a.store.FindSnapshots(ctx, store.SnapshotFilter{DocumentID: docID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	includeContent := p.Bool("include_content")
	out := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.Map(includeContent))
	}
	return msg.Reply(message.OK(message.Payload{
		"versions":       out,
		"total_versions": len(out),
		"document_id":    docID,
	})), nil
}

func (a *Agent) handleRevert(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	userID := p.String("user_id")
	if docID == "" || userID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id and user_id required")), nil
	}
	versionID := p.String("version_id")
	versionNumber, hasNumber := p.Int("version_number")
	if versionID == "" && (!hasNumber || versionNumber <= 0) {
		return msg.Reply(message.Fail(message.KindValidation, "version_id or version_number required")), nil
	}

	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return reply, err
	}
	if !d.CanEdit(userID) {
		return msg.Reply(message.Fail(message.KindAuthorization, "Edit permission denied")), nil
	}

	target, err := a.findVersion(ctx, docID, versionID, versionNumber)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return msg.Reply(message.Fail(message.KindNotFound, "Version not found")), nil
	}

	now := a.now().UTC()
	d.Content = target.Content
	d.Title = target.Title
	d.UpdateCounts()
	d.LastEditedBy = userID
	d.EditVersion = max(d.EditVersion, 1) + 1
	d.UpdatedAt = now
	if err := a.store.PutDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("saving document: %w", err)
	}

	next, _, err := a.nextVersion(ctx, docID)
	if err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("Reverted to version %d", target.VersionNumber)
	snap := a.newSnapshot(docID, next, d.Title, d.Content, userID, summary)
	if err := a.store.PutSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving revert version: %w", err)
	}

	a.logger.Info("document reverted", "document_id", docID, "to_version", target.VersionNumber, "new_version", next)
	a.events.Publish(eventbus.NewEvent(eventbus.VersionReverted, map[string]any{
		"document_id":         docID,
		"reverted_to_version": target.VersionNumber,
		"new_version":         snap.Map(false),
		"reverted_by":         userID,
	}, userID, docID))

	return msg.Reply(message.OK(message.Payload{
		"document":    d.Map(true),
		"reverted_to": target.Map(false),
		"new_version": snap.Map(false),
		"message":     summary,
	})), nil
}

// findVersion looks a snapshot up by id, or by number when id is empty.
// A nil snapshot means no match.
func (a *Agent) findVersion(ctx context.Context, docID, versionID string, number int) (*store.Snapshot, error) {
	if versionID != "" {
		s, err := a.store.GetSnapshot(ctx, versionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading version: %w", err)
		}
		if s.DocumentID != docID {
			return nil, nil
		}
		return s, nil
	}
	found, err := a.store.FindSnapshots(ctx, store.SnapshotFilter{DocumentID: docID, VersionNumber: number, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("loading version: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}
