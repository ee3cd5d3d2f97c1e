// ABOUTME: Permission checks, derived counts and reply views for entities
// ABOUTME: Map methods produce the JSON shapes returned to clients

package store

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Name returns the display name, falling back to the username.
func (a *Account) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

// Map returns the account view. Sensitive adds email, admin flag, last
// login and update time. The password hash is never included.
func (a *Account) Map(sensitive bool) map[string]any {
	m := map[string]any{
		"id":           a.ID,
		"username":     a.Username,
		"display_name": a.Name(),
		"bio":          optional(a.Bio),
		"avatar_url":   optional(a.AvatarURL),
		"is_active":    a.IsActive,
		"created_at":   formatTime(a.CreatedAt),
	}
	if sensitive {
		m["email"] = a.Email
		m["is_admin"] = a.IsAdmin
		m["last_login"] = nil
		if a.LastLogin != nil {
			m["last_login"] = formatTime(*a.LastLogin)
		}
		m["updated_at"] = formatTime(a.UpdatedAt)
	}
	return m
}

// PublicMap is the view other users see.
func (a *Account) PublicMap() map[string]any {
	return map[string]any{
		"id":           a.ID,
		"username":     a.Username,
		"display_name": a.Name(),
		"avatar_url":   optional(a.AvatarURL),
	}
}

// IsCollaborator reports whether userID is in the collaborator list.
func (d *Document) IsCollaborator(userID string) bool {
	return slices.Contains(d.Collaborators, userID)
}

// CanView reports whether userID may read the document.
func (d *Document) CanView(userID string) bool {
	return d.IsPublic || d.OwnerID == userID || d.IsCollaborator(userID)
}

// CanEdit reports whether userID may modify the document. A lock held by
// another user blocks everyone else, the owner included.
func (d *Document) CanEdit(userID string) bool {
	if d.IsLocked && d.LockedBy != userID {
		return false
	}
	return d.OwnerID == userID || d.IsCollaborator(userID) || d.IsPublic
}

// UpdateCounts recomputes word and character counts from Content.
func (d *Document) UpdateCounts() {
	d.WordCount, d.CharacterCount = Counts(d.Content)
}

// Counts returns the whitespace-separated word count and the character
// count of s.
func Counts(s string) (words, chars int) {
	return len(strings.Fields(s)), utf8.RuneCountInString(s)
}

// Map returns the full document view.
func (d *Document) Map(includeContent bool) map[string]any {
	collaborators := d.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	version := d.EditVersion
	if version == 0 {
		version = 1
	}
	m := map[string]any{
		"id":              d.ID,
		"title":           d.Title,
		"owner_id":        d.OwnerID,
		"is_public":       d.IsPublic,
		"collaborators":   collaborators,
		"is_locked":       d.IsLocked,
		"locked_by":       optional(d.LockedBy),
		"edit_version":    version,
		"word_count":      d.WordCount,
		"character_count": d.CharacterCount,
		"created_at":      formatTime(d.CreatedAt),
		"updated_at":      formatTime(d.UpdatedAt),
		"last_edited_by":  optional(d.LastEditedBy),
	}
	if includeContent {
		m["content"] = d.Content
	}
	return m
}

// Summary is the compact view used in listings.
func (d *Document) Summary() map[string]any {
	return map[string]any{
		"id":         d.ID,
		"title":      d.Title,
		"owner_id":   d.OwnerID,
		"word_count": d.WordCount,
		"updated_at": formatTime(d.UpdatedAt),
		"is_public":  d.IsPublic,
	}
}

// Map returns the snapshot view. Content is only included on request.
func (s *Snapshot) Map(includeContent bool) map[string]any {
	m := map[string]any{
		"id":              s.ID,
		"document_id":     s.DocumentID,
		"version_number":  s.VersionNumber,
		"title":           s.Title,
		"created_by":      s.CreatedBy,
		"change_summary":  optional(s.ChangeSummary),
		"word_count":      s.WordCount,
		"character_count": s.CharacterCount,
		"created_at":      formatTime(s.CreatedAt),
	}
	if includeContent {
		m["content"] = s.Content
	}
	return m
}

// Map returns the change view.
func (c *Change) Map() map[string]any {
	return map[string]any{
		"id":          c.ID,
		"document_id": c.DocumentID,
		"user_id":     c.UserID,
		"change_type": c.ChangeType,
		"position":    c.Position,
		"length":      c.Length,
		"old_content": optional(c.OldContent),
		"new_content": optional(c.NewContent),
		"created_at":  formatTime(c.CreatedAt),
	}
}
