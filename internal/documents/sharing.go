// ABOUTME: Collaborator management for documents
// ABOUTME: Owners share and unshare by email; viewers can list collaborators

package documents

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/2389/quill-gateway/internal/message"
	"github.com/2389/quill-gateway/internal/store"
)

// ownedDocument loads docID and checks userID owns it.
func (a *Agent) ownedDocument(ctx context.Context, msg *message.Message, docID, userID string) (*store.Document, *message.Message, error) {
	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return nil, reply, err
	}
	if d.OwnerID != userID {
		return nil, msg.Reply(message.Fail(message.KindAuthorization, "Only the owner can manage collaborators")), nil
	}
	return d, nil, nil
}

func (a *Agent) findByEmail(ctx context.Context, email string) (*store.Account, error) {
	found, err := a.store.FindAccounts(ctx, store.AccountFilter{Email: strings.ToLower(email), Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

func (a *Agent) handleShare(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID, userID, email := p.String("document_id"), p.String("user_id"), p.String("email")
	if docID == "" || userID == "" || email == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id, user_id, and email required")), nil
	}

	d, reply, err := a.ownedDocument(ctx, msg, docID, userID)
	if d == nil {
		return reply, err
	}

	target, err := a.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return msg.Reply(message.Fail(message.KindNotFound, "User not found")), nil
	}
	if target.ID == d.OwnerID {
		return msg.Reply(message.Fail(message.KindValidation, "Cannot share a document with yourself")), nil
	}
	if d.IsCollaborator(target.ID) {
		return msg.Reply(message.Fail(message.KindConflict, "User is already a collaborator")), nil
	}

	d.Collaborators = append(d.Collaborators, target.ID)
	d.UpdatedAt = a.now().UTC()
	if err := a.store.PutDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("saving document: %w", err)
	}

	a.logger.Info("document shared", "document_id", docID, "collaborator", target.ID)
	return msg.Reply(message.OK(message.Payload{
		"collaborator": target.PublicMap(),
		"message":      "Document shared with " + target.Username,
	})), nil
}

func (a *Agent) handleUnshare(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID, userID, email := p.String("document_id"), p.String("user_id"), p.String("email")
	if docID == "" || userID == "" || email == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id, user_id, and email required")), nil
	}

	d, reply, err := a.ownedDocument(ctx, msg, docID, userID)
	if d == nil {
		return reply, err
	}

	target, err := a.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if target == nil || !d.IsCollaborator(target.ID) {
		return msg.Reply(message.Fail(message.KindNotFound, "User is not a collaborator")), nil
	}

	d.Collaborators = slices.DeleteFunc(d.Collaborators, func(id string) bool { return id == target.ID })
	d.UpdatedAt = a.now().UTC()
	if err := a.store.PutDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("saving document: %w", err)
	}

	a.logger.Info("document unshared", "document_id", docID, "collaborator", target.ID)
	return msg.Reply(message.OK(message.Payload{"message": "Collaborator removed"})), nil
}

func (a *Agent) handleCollaborators(ctx context.Context, msg *message.Message) (*message.Message, error) {
	docID := msg.Payload.String("document_id")
	userID := msg.Payload.String("user_id")
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

	var owner any
	if acct, err := a.store.GetAccount(ctx, d.OwnerID); err == nil {
		owner = acct.PublicMap()
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading owner: %w", err)
	}

	collaborators := make([]map[string]any, 0, len(d.Collaborators))
	if len(d.Collaborators) > 0 {
		accts, err := a.store.FindAccounts(ctx, store.AccountFilter{IDs: d.Collaborators})
		if err != nil {
			return nil, fmt.Errorf("loading collaborators: %w", err)
		}
		for _, acct := range accts {
			collaborators = append(collaborators, acct.PublicMap())
		}
	}

	return msg.Reply(message.OK(message.Payload{
		"owner":         owner,
		"collaborators": collaborators,
	})), nil
}
