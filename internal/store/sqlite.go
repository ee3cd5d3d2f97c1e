// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides account/document/history persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// timeFormat is RFC3339 with fixed-width fractional seconds so stored
// values sort lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name  TEXT,
			bio           TEXT,
			avatar_url    TEXT,
			is_active     INTEGER NOT NULL DEFAULT 1,
			is_admin      INTEGER NOT NULL DEFAULT 0,
			last_login    TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			owner_id        TEXT NOT NULL,
			is_public       INTEGER NOT NULL DEFAULT 0,
			collaborators   TEXT NOT NULL DEFAULT '[]',
			is_deleted      INTEGER NOT NULL DEFAULT 0,
			is_locked       INTEGER NOT NULL DEFAULT 0,
			locked_by       TEXT,
			edit_version    INTEGER NOT NULL DEFAULT 1,
			word_count      INTEGER NOT NULL DEFAULT 0,
			character_count INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			last_edited_by  TEXT,
			FOREIGN KEY (owner_id) REFERENCES accounts(id)
		);

		CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
		CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at DESC);

		CREATE TABLE IF NOT EXISTS snapshots (
			id              TEXT PRIMARY KEY,
			document_id     TEXT NOT NULL,
			version_number  INTEGER NOT NULL,
			title           TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_by      TEXT NOT NULL,
			change_summary  TEXT,
			word_count      INTEGER NOT NULL DEFAULT 0,
			character_count INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			UNIQUE (document_id, version_number),
			FOREIGN KEY (document_id) REFERENCES documents(id)
		);

		CREATE TABLE IF NOT EXISTS changes (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			change_type TEXT NOT NULL,
			position    INTEGER NOT NULL,
			length      INTEGER NOT NULL DEFAULT 0,
			old_content TEXT,
			new_content TEXT,
			created_at  TEXT NOT NULL,
			FOREIGN KEY (document_id) REFERENCES documents(id),
			CHECK (change_type IN ('insert', 'delete', 'replace'))
		);

		CREATE INDEX IF NOT EXISTS idx_changes_document ON changes(document_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseDBTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, username, email, password_hash, display_name, bio, avatar_url,
	is_active, is_admin, last_login, created_at, updated_at`

func scanAccount(row scanner) (*Account, error) {
	var a Account
	var displayName, bio, avatarURL, lastLogin sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.PasswordHash,
		&displayName, &bio, &avatarURL,
		&a.IsActive, &a.IsAdmin, &lastLogin,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.DisplayName = displayName.String
	a.Bio = bio.String
	a.AvatarURL = avatarURL.String

	if lastLogin.Valid {
		t, err := parseDBTime(lastLogin.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_login: %w", err)
		}
		a.LastLogin = &t
	}
	if a.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseDBTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// GetAccount retrieves an account by ID.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return a, nil
}

// GetAccountByLogin retrieves an account by username or email.
func (s *SQLiteStore) GetAccountByLogin(ctx context.Context, usernameOrEmail string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = ? OR email = ? LIMIT 1`,
		usernameOrEmail, strings.ToLower(usernameOrEmail))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account by login: %w", err)
	}
	return a, nil
}

// FindAccounts returns accounts matching the filter ordered by username.
func (s *SQLiteStore) FindAccounts(ctx context.Context, f AccountFilter) ([]*Account, error) {
	var where []string
	var args []any

	if len(f.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
		where = append(where, "id IN ("+placeholders+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.Username != "" {
		where = append(where, "username = ?")
		args = append(args, f.Username)
	}
	if f.Email != "" {
		where = append(where, "email = ?")
		args = append(args, strings.ToLower(f.Email))
	}

	query := `SELECT ` + accountColumns + ` FROM accounts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY username"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating accounts: %w", err)
	}
	return out, nil
}

// PutAccount inserts or replaces an account.
// Returns ErrDuplicate if the username or email belongs to another account.
func (s *SQLiteStore) PutAccount(ctx context.Context, a *Account) error {
	var lastLogin any
	if a.LastLogin != nil {
		lastLogin = formatDBTime(*a.LastLogin)
	}

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			email = excluded.email,
			password_hash = excluded.password_hash,
			display_name = excluded.display_name,
			bio = excluded.bio,
			avatar_url = excluded.avatar_url,
			is_active = excluded.is_active,
			is_admin = excluded.is_admin,
			last_login = excluded.last_login,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Username, a.Email, a.PasswordHash,
		nullString(a.DisplayName), nullString(a.Bio), nullString(a.AvatarURL),
		a.IsActive, a.IsAdmin, lastLogin,
		formatDBTime(a.CreatedAt), formatDBTime(a.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("upserting account: %w", err)
	}

	s.logger.Debug("stored account", "id", a.ID, "username", a.Username)
	return nil
}

const documentColumns = `id, title, content, owner_id, is_public, collaborators, is_deleted,
	is_locked, locked_by, edit_version, word_count, character_count,
	created_at, updated_at, last_edited_by`

func scanDocument(row scanner) (*Document, error) {
	var d Document
	var collaborators string
	var lockedBy, lastEditedBy sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&d.ID, &d.Title, &d.Content, &d.OwnerID, &d.IsPublic, &collaborators, &d.IsDeleted,
		&d.IsLocked, &lockedBy, &d.EditVersion, &d.WordCount, &d.CharacterCount,
		&createdAt, &updatedAt, &lastEditedBy,
	)
	if err != nil {
		return nil, err
	}
	d.LockedBy = lockedBy.String
	d.LastEditedBy = lastEditedBy.String

	if collaborators != "" {
		if err := json.Unmarshal([]byte(collaborators), &d.Collaborators); err != nil {
			return nil, fmt.Errorf("decoding collaborators: %w", err)
		}
	}
	if d.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseDBTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

// GetDocument retrieves a document by ID, including soft-deleted ones.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	return d, nil
}

// FindDocuments returns documents matching the filter, most recently
// updated first.
func (s *SQLiteStore) FindDocuments(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	var where []string
	var args []any

	if !f.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	if f.UserID != "" {
		access := `(owner_id = ? OR EXISTS (SELECT 1 FROM json_each(documents.collaborators) WHERE json_each.value = ?)`
		args = append(args, f.UserID, f.UserID)
		if f.IncludePublic {
			access += ` OR is_public = 1`
		}
		where = append(where, access+")")
	}
	if f.PublicOnly {
		where = append(where, "is_public = 1")
	}

	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return out, nil
}

// PutDocument inserts or replaces a document.
func (s *SQLiteStore) PutDocument(ctx context.Context, d *Document) error {
	collaborators := d.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	collabJSON, err := json.Marshal(collaborators)
	if err != nil {
		return fmt.Errorf("encoding collaborators: %w", err)
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			owner_id = excluded.owner_id,
			is_public = excluded.is_public,
			collaborators = excluded.collaborators,
			is_deleted = excluded.is_deleted,
			is_locked = excluded.is_locked,
			locked_by = excluded.locked_by,
			edit_version = excluded.edit_version,
			word_count = excluded.word_count,
			character_count = excluded.character_count,
			updated_at = excluded.updated_at,
			last_edited_by = excluded.last_edited_by
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.Title, d.Content, d.OwnerID, d.IsPublic, string(collabJSON), d.IsDeleted,
		d.IsLocked, nullString(d.LockedBy), d.EditVersion, d.WordCount, d.CharacterCount,
		formatDBTime(d.CreatedAt), formatDBTime(d.UpdatedAt), nullString(d.LastEditedBy),
	)
	if err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}

	s.logger.Debug("stored document", "id", d.ID, "edit_version", d.EditVersion)
	return nil
}

const snapshotColumns = `id, document_id, version_number, title, content, created_by,
	change_summary, word_count, character_count, created_at`

func scanSnapshot(row scanner) (*Snapshot, error) {
	var v Snapshot
	var summary sql.NullString
	var createdAt string

	err := row.Scan(
		&v.ID, &v.DocumentID, &v.VersionNumber, &v.Title, &v.Content, &v.CreatedBy,
		&summary, &v.WordCount, &v.CharacterCount, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	v.ChangeSummary = summary.String
	if v.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &v, nil
}

// GetSnapshot retrieves a snapshot by ID.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	v, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return v, nil
}

// FindSnapshots returns snapshots of a document, highest version first.
func (s *SQLiteStore) FindSnapshots(ctx context.Context, f SnapshotFilter) ([]*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE document_id = ?`
	args := []any{f.DocumentID}
	if f.VersionNumber > 0 {
		query += " AND version_number = ?"
		args = append(args, f.VersionNumber)
	}
	query += " ORDER BY version_number DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		v, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return out, nil
}

// LatestSnapshot returns the highest numbered snapshot of a document.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE document_id = ? ORDER BY version_number DESC LIMIT 1`,
		documentID)
	v, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshot: %w", err)
	}
	return v, nil
}

// PutSnapshot appends a snapshot. Snapshots are immutable; reusing a
// version number for the same document returns ErrDuplicate.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, v *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.DocumentID, v.VersionNumber, v.Title, v.Content, v.CreatedBy,
		nullString(v.ChangeSummary), v.WordCount, v.CharacterCount, formatDBTime(v.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	s.logger.Debug("stored snapshot", "document_id", v.DocumentID, "version", v.VersionNumber)
	return nil
}

// PutChange records a change.
func (s *SQLiteStore) PutChange(ctx context.Context, c *Change) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO changes (id, document_id, user_id, change_type, position, length, old_content, new_content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DocumentID, c.UserID, c.ChangeType, c.Position, c.Length,
		nullString(c.OldContent), nullString(c.NewContent), formatDBTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting change: %w", err)
	}
	return nil
}

// FindChanges returns the changes of a document in the order they were made.
func (s *SQLiteStore) FindChanges(ctx context.Context, documentID string) ([]*Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, change_type, position, length, old_content, new_content, created_at
		FROM changes
		WHERE document_id = ?
		ORDER BY created_at, rowid`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	defer rows.Close()

	var out []*Change
	for rows.Next() {
		var c Change
		var oldContent, newContent sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.ChangeType, &c.Position, &c.Length,
			&oldContent, &newContent, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning change: %w", err)
		}
		c.OldContent = oldContent.String
		c.NewContent = newContent.String
		if c.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating changes: %w", err)
	}
	return out, nil
}
