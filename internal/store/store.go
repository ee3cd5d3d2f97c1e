// ABOUTME: Store interface, entity types and filters for gateway persistence
// ABOUTME: Accounts, documents, version snapshots and change records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write violates a uniqueness constraint
var ErrDuplicate = errors.New("already exists")

// Account is a registered user
type Account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	DisplayName  string
	Bio          string
	AvatarURL    string
	IsActive     bool
	IsAdmin      bool
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document is an editable text owned by one account
type Document struct {
	ID             string
	Title          string
	Content        string
	OwnerID        string
	IsPublic       bool
	Collaborators  []string
	IsDeleted      bool
	IsLocked       bool
	LockedBy       string
	EditVersion    int
	WordCount      int
	CharacterCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastEditedBy   string
}

// Snapshot is a full copy of a document at a version number
type Snapshot struct {
	ID             string
	DocumentID     string
	VersionNumber  int
	Title          string
	Content        string
	CreatedBy      string
	ChangeSummary  string
	WordCount      int
	CharacterCount int
	CreatedAt      time.Time
}

// Change types
const (
	ChangeInsert  = "insert"
	ChangeDelete  = "delete"
	ChangeReplace = "replace"
)

// Change is a single edit recorded against a document
type Change struct {
	ID         string
	DocumentID string
	UserID     string
	ChangeType string // insert, delete, replace
	Position   int
	Length     int
	OldContent string
	NewContent string
	CreatedAt  time.Time
}

// AccountFilter selects accounts. Empty fields match everything.
type AccountFilter struct {
	IDs      []string
	Username string
	Email    string
	Limit    int
}

// DocumentFilter selects documents visible to UserID: owned, shared with
// them, and public ones when IncludePublic is set. An empty UserID matches
// every document unless PublicOnly is set.
type DocumentFilter struct {
	UserID         string
	IncludePublic  bool
	PublicOnly     bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// SnapshotFilter selects snapshots of one document, newest first.
type SnapshotFilter struct {
	DocumentID    string
	VersionNumber int // 0 matches any
	Limit         int
}

// Store defines the interface for gateway persistence
type Store interface {
	// Accounts
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByLogin(ctx context.Context, usernameOrEmail string) (*Account, error)
	FindAccounts(ctx context.Context, f AccountFilter) ([]*Account, error)
	PutAccount(ctx context.Context, a *Account) error

	// Documents
	GetDocument(ctx context.Context, id string) (*Document, error)
	FindDocuments(ctx context.Context, f DocumentFilter) ([]*Document, error)
	PutDocument(ctx context.Context, d *Document) error

	// Snapshots
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	FindSnapshots(ctx context.Context, f SnapshotFilter) ([]*Snapshot, error)
	LatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error)
	PutSnapshot(ctx context.Context, s *Snapshot) error

	// Changes
	PutChange(ctx context.Context, c *Change) error
	FindChanges(ctx context.Context, documentID string) ([]*Change, error)

	Close() error
}
