// Package store provides persistent storage for accounts, documents and
// document history.
//
// # Architecture
//
// Store is a single interface with typed Get, Find and Put methods per
// entity kind. Find methods take filter structs; a zero field means "any".
// Put methods are upserts of a single record and are the only unit of
// atomicity.
//
//   - SQLiteStore: modernc.org/sqlite backed, used in production
//   - MockStore: in-memory, used by agent tests
//
// # Data Models
//
//   - Account: a registered user with bcrypt password hash and profile
//   - Document: text content with owner, collaborators, lock and edit_version
//   - Snapshot: full copy of a document at a numbered version
//   - Change: one insert/delete/replace edit for contribution tracking
//
// # Errors
//
// ErrNotFound is returned for missing records and can be tested with
// errors.Is. ErrDuplicate signals a uniqueness violation (username, email,
// or snapshot number).
//
// # Timestamps
//
// All times are stored in UTC as RFC3339 text.
package store
