// ABOUTME: Document CRUD, listing, presence and realtime change handlers
// ABOUTME: Replies follow the success/error payload shape with entity maps

package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/quill-gateway/internal/diff"
	"github.com/2389/quill-gateway/internal/eventbus"
	"github.com/2389/quill-gateway/internal/message"
	"github.com/2389/quill-gateway/internal/store"
)

const (
	defaultTitle     = "Untitled Document"
	defaultListLimit = 50
)

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

func (a *Agent) handleCreate(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	userID := p.String("user_id")
	if userID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "User ID required")), nil
	}

	if _, err := a.store.GetAccount(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.logger.Error("document owner not found", "user_id", userID)
			return msg.Reply(message.Fail(message.KindNotFound, "User not found. Please log out and log in again.")), nil
		}
		return nil, fmt.Errorf("loading owner: %w", err)
	}

	title := p.String("title")
	if title == "" {
		title = defaultTitle
	}
	content, _ := p.RawString("content")

	now := a.now().UTC()
	d := &store.Document{
		ID:          uuid.NewString(),
		Title:       title,
		Content:     content,
		OwnerID:     userID,
		IsPublic:    p.Bool("is_public"),
		EditVersion: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	d.UpdateCounts()
	if err := a.store.PutDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("saving document: %w", err)
	}

	a.logger.Info("document created", "document_id", d.ID, "user_id", userID)
	a.publish(eventbus.DocumentCreated, map[string]any{"document": d.Map(true)}, userID, d.ID)
	a.requestVersion(ctx, d, userID, "Initial document creation")

	return msg.Reply(message.OK(message.Payload{
		"document": d.Map(true),
		"message":  "Document created successfully",
	})), nil
}

func (a *Agent) handleRead(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	userID := p.String("user_id")
	if docID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "Document ID required")), nil
	}

	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return reply, err
	}
	if !d.CanView(userID) {
		return msg.Reply(message.Fail(message.KindAuthorization, "Access denied")), nil
	}

	out := message.Payload{
		"document":       d.Map(true),
		"active_editors": a.ActiveEditors(docID),
		"can_edit":       userID != "" && d.CanEdit(userID),
	}
	if p.String("render") == "html" {
		html, err := renderMarkdown(d.Content)
		if err != nil {
			a.logger.Warn("markdown render failed", "document_id", docID, "error", err)
		} else {
			out["html"] = html
		}
	}
	return msg.Reply(message.OK(out)), nil
}

func (a *Agent) handleUpdate(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	userID := p.String("user_id")
	if docID == "" || userID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "Document ID and User ID required")), nil
	}

	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return reply, err
	}
	if !d.CanEdit(userID) {
		return msg.Reply(message.Fail(message.KindAuthorization, "Edit permission denied")), nil
	}

	current := max(d.EditVersion, 1)
	if p.Has("expected_version") {
		expected, ok := p.Int("expected_version")
		if !ok {
			return msg.Reply(message.Fail(message.KindValidation, "expected_version must be a number")), nil
		}
		if expected != current {
			a.logger.Warn("edit conflict", "document_id", docID, "expected", expected, "current", current)
			a.publish(eventbus.ConflictDetected, map[string]any{
				"document_id":      docID,
				"user_id":          userID,
				"expected_version": expected,
				"current_version":  current,
			}, userID, docID)
			return msg.Reply(message.Fail(message.KindConflict, "Conflict detected: Document was modified by another user").With(message.Payload{
				"conflict":         true,
				"expected_version": expected,
				"current_version":  current,
				"server_content":   d.Content,
				"server_title":     d.Title,
				"last_edited_by":   nilIfEmpty(d.LastEditedBy),
			})), nil
		}
	}

	now := a.now().UTC()
	changed := []string{}
	var edits []diff.Edit

	if content, ok := p.RawString("content"); ok && content != d.Content {
		edits = diff.Changes(d.Content, content)
		d.Content = content
		d.UpdateCounts()
		d.LastEditedBy = userID
		changed = append(changed, "content")
	}
	if title, ok := p.RawString("title"); ok && title != d.Title {
		d.Title = title
		changed = append(changed, "title")
	}
	if len(changed) > 0 {
		d.EditVersion = current + 1
	}
	d.UpdatedAt = now

	if err := a.store.PutDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("saving document: %w", err)
	}
	for _, e := range edits {
		c := &store.Change{
			ID:         uuid.NewString(),
			DocumentID: docID,
			UserID:     userID,
			ChangeType: e.Type,
			Position:   e.Position,
			Length:     e.Length,
			OldContent: e.OldContent,
			NewContent: e.NewContent,
			CreatedAt:  now,
		}
		if err := a.store.PutChange(ctx, c); err != nil {
			return nil, fmt.Errorf("recording change: %w", err)
		}
	}

	a.logger.Info("document updated", "document_id", docID, "user_id", userID, "changes", changed, "edit_version", d.EditVersion)

	data := map[string]any{
		"document_id":  docID,
		"changes":      changed,
		"updated_by":   userID,
		"edit_version": d.EditVersion,
		"content":      nil,
		"title":        nil,
	}
	for _, f := range changed {
		switch f {
		case "content":
			data["content"] = d.Content
		case "title":
			data["title"] = d.Title
		}
	}
	a.publish(eventbus.DocumentUpdated, data, userID, docID)

	if p.Bool("create_version") {
		summary := p.String("change_summary")
		if summary == "" {
			summary = "Manual save"
		}
		a.requestVersion(ctx, d, userID, summary)
	}

	return msg.Reply(message.OK(message.Payload{
		"document":     d.Map(true),
		"changes_made": changed,
		"message":      "Document updated successfully",
	})), nil
}

func (a *Agent) handleDelete(ctx context.Context, msg *message.Message) (*message.Message, error) {
	docID := msg.Payload.String("document_id")
	userID := msg.Payload.String("user_id")
	if docID == "" || userID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "Document ID and User ID required")), nil
	}

	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return reply, err
	}
	if d.OwnerID != userID {
		return msg.Reply(message.Fail(message.KindAuthorization, "Only owner can delete document")), nil
	}

	d.IsDeleted = true
	d.UpdatedAt = a.now().UTC()
	if err := a.store.PutDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("deleting document: %w", err)
	}

	a.mu.Lock()
	delete(a.editors, docID)
	a.mu.Unlock()

	a.logger.Info("document deleted", "document_id", docID, "user_id", userID)
	a.publish(eventbus.DocumentDeleted, map[string]any{"document_id": docID}, userID, docID)

	return msg.Reply(message.OK(message.Payload{"message": "Document deleted successfully"})), nil
}

func (a *Agent) handleList(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	userID := p.String("user_id")
	limit := p.IntOr("limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := max(p.IntOr("offset", 0), 0)

	f := store.DocumentFilter{Limit: limit, Offset: offset}
	if userID != "" {
		f.UserID = userID
		f.IncludePublic = p.Bool("include_public")
	} else {
		f.PublicOnly = true
	}

	docs, err := a.store.FindDocuments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	summaries := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		summaries = append(summaries, d.Summary())
	}
	return msg.Reply(message.OK(message.Payload{
		"documents": summaries,
		"count":     len(summaries),
	})), nil
}

func (a *Agent) handleCollaborate(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	userID := p.String("user_id")
	action := p.String("action")
	cursor := p.IntOr("cursor_position", 0)
	if docID == "" || userID == "" || action == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id, user_id, and action required")), nil
	}

	now := a.now()
	switch action {
	case "join":
		a.mu.Lock()
		if a.editors[docID] == nil {
			a.editors[docID] = make(map[string]*editor)
		}
		a.editors[docID][userID] = &editor{cursor: cursor, lastActivity: now}
		active := a.activeEditorsLocked(docID)
		presence := a.presenceLocked(docID)
		a.mu.Unlock()

		a.logger.Info("editor joined", "document_id", docID, "user_id", userID)
		a.publish(eventbus.EditStarted, map[string]any{
			"document_id":    docID,
			"user_id":        userID,
			"active_editors": active,
		}, userID, docID)
		return msg.Reply(message.OK(message.Payload{
			"action":         "joined",
			"active_editors": active,
			"editors":        presence,
		})), nil

	case "leave":
		a.mu.Lock()
		if users, ok := a.editors[docID]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(a.editors, docID)
			}
		}
		active := a.activeEditorsLocked(docID)
		a.mu.Unlock()

		a.logger.Info("editor left", "document_id", docID, "user_id", userID)
		a.publish(eventbus.EditCompleted, map[string]any{
			"document_id":    docID,
			"user_id":        userID,
			"active_editors": active,
		}, userID, docID)
		return msg.Reply(message.OK(message.Payload{"action": "left"})), nil

	case "update_cursor":
		a.mu.Lock()
		if e, ok := a.editors[docID][userID]; ok {
			e.cursor = cursor
			e.lastActivity = now
		}
		a.mu.Unlock()

		a.publish(eventbus.CursorMoved, map[string]any{
			"document_id":     docID,
			"user_id":         userID,
			"cursor_position": cursor,
		}, userID, docID)
		return msg.Reply(message.OK(message.Payload{"action": "cursor_updated"})), nil

	default:
		return msg.Reply(message.Fail(message.KindValidation, "Unknown action: "+action)), nil
	}
}

func (a *Agent) handleTrackChange(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	userID := p.String("user_id")
	changeType := p.String("change_type")
	if docID == "" || userID == "" || changeType == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id, user_id, and change_type required")), nil
	}
	content, _ := p.RawString("content")

	a.touch(docID, userID)
	a.publish(eventbus.DocumentUpdated, map[string]any{
		"document_id": docID,
		"user_id":     userID,
		"change": map[string]any{
			"type":     changeType,
			"position": p.IntOr("position", 0),
			"content":  content,
			"length":   p.IntOr("length", 0),
		},
		"realtime": true,
	}, userID, docID)

	return msg.Reply(message.OK(message.Payload{"broadcast": true})), nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
