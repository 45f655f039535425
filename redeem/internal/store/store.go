// CLAUDE:SUMMARY SQLite result store for redeem jobs and code rows: atomic claims, compare-and-set status writes, counts and listings.
// Package store persists jobs and their code rows in SQLite.
//
// Every row status change is a compare-and-set on the expected prior status,
// checked against the transition table in machine.go. Two writers can never
// both move the same row out of the same state.
package store

import (
	"database/sql"
	"errors"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleRow is returned when a row is no longer in the expected status.
	ErrStaleRow = errors.New("store: row state changed")
	// ErrIllegalTransition is returned for a status change the machine forbids.
	ErrIllegalTransition = errors.New("store: illegal transition")
	// ErrDuplicateJob is returned when a job ID already exists.
	ErrDuplicateJob = errors.New("store: job already exists")
)

// maxReason bounds the stored reason text.
const maxReason = 500

// Store wraps the result database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
