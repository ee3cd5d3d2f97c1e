// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
// It enforces the same uniqueness rules as SQLiteStore.
type MockStore struct {
	mu        sync.RWMutex
	accounts  map[string]*Account  // keyed by account ID
	documents map[string]*Document // keyed by document ID
	snapshots map[string]*Snapshot // keyed by snapshot ID
	changes   map[string][]*Change // keyed by document ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts:  make(map[string]*Account),
		documents: make(map[string]*Document),
		snapshots: make(map[string]*Snapshot),
		changes:   make(map[string][]*Change),
	}
}

func copyAccount(a *Account) *Account {
	c := *a
	if a.LastLogin != nil {
		t := *a.LastLogin
		c.LastLogin = &t
	}
	return &c
}

func copyDocument(d *Document) *Document {
	c := *d
	c.Collaborators = slices.Clone(d.Collaborators)
	return &c
}

// GetAccount retrieves an account by ID.
func (m *MockStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(a), nil
}

// GetAccountByLogin retrieves an account by username or email.
func (m *MockStore) GetAccountByLogin(ctx context.Context, usernameOrEmail string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email := strings.ToLower(usernameOrEmail)
	for _, a := range m.accounts {
		if a.Username == usernameOrEmail || a.Email == email {
			return copyAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

// FindAccounts returns accounts matching the filter ordered by username.
func (m *MockStore) FindAccounts(ctx context.Context, f AccountFilter) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Account
	for _, a := range m.accounts {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, a.ID) {
			continue
		}
		if f.Username != "" && a.Username != f.Username {
			continue
		}
		if f.Email != "" && a.Email != strings.ToLower(f.Email) {
			continue
		}
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PutAccount inserts or replaces an account.
func (m *MockStore) PutAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.accounts {
		if id == a.ID {
			continue
		}
		if existing.Username == a.Username || existing.Email == a.Email {
			return ErrDuplicate
		}
	}
	m.accounts[a.ID] = copyAccount(a)
	return nil
}

// GetDocument retrieves a document by ID.
func (m *MockStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(d), nil
}

// FindDocuments returns documents matching the filter, most recently
// updated first.
func (m *MockStore) FindDocuments(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Document
	for _, d := range m.documents {
		if d.IsDeleted && !f.IncludeDeleted {
			continue
		}
		if f.PublicOnly && !d.IsPublic {
			continue
		}
		if f.UserID != "" {
			visible := d.OwnerID == f.UserID || d.IsCollaborator(f.UserID) || (f.IncludePublic && d.IsPublic)
			if !visible {
				continue
			}
		}
		out = append(out, copyDocument(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PutDocument inserts or replaces a document.
func (m *MockStore) PutDocument(ctx context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.documents[d.ID] = copyDocument(d)
	return nil
}

// GetSnapshot retrieves a snapshot by ID.
func (m *MockStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

// FindSnapshots returns snapshots of a document, highest version first.
func (m *MockStore) FindSnapshots(ctx context.Context, f SnapshotFilter) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Snapshot
	for _, v := range m.snapshots {
		if v.DocumentID != f.DocumentID {
			continue
		}
		if f.VersionNumber > 0 && v.VersionNumber != f.VersionNumber {
			continue
		}
		c := *v
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// LatestSnapshot returns the highest numbered snapshot of a document.
func (m *MockStore) LatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	found, _ := m.FindSnapshots(ctx, SnapshotFilter{DocumentID: documentID, Limit: 1})
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

// PutSnapshot appends a snapshot.
func (m *MockStore) PutSnapshot(ctx context.Context, v *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.snapshots {
		if existing.ID == v.ID ||
			(existing.DocumentID == v.DocumentID && existing.VersionNumber == v.VersionNumber) {
			return ErrDuplicate
		}
	}
	c := *v
	m.snapshots[v.ID] = &c
	return nil
}

// PutChange records a change.
func (m *MockStore) PutChange(ctx context.Context, c *Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cc := *c
	m.changes[c.DocumentID] = append(m.changes[c.DocumentID], &cc)
	return nil
}

// FindChanges returns the changes of a document in insertion order.
func (m *MockStore) FindChanges(ctx context.Context, documentID string) ([]*Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.changes[documentID]
	out := make([]*Change, 0, len(src))
	for _, c := range src {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
