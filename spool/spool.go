// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package spool persists gateway registrations.
//
// The spool maps a bridged user's bare address to the credential the user
// registered with and the state of the presence subscription handshake.
// It is backed by a single SQLite database so that registrations survive a
// restart of the gateway.
package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get when no credential is stored for the
// user.
var ErrNotFound = errors.New("spool: no credential for user")

// Credential is one stored registration.
type Credential struct {
	// URL is the authorization URL the user registered with.
	URL string

	// AuthToken is the token obtained from the authorization flow.
	AuthToken string

	// Subscribed records that the user accepted the gateway's presence
	// subscription.
	Subscribed bool

	// Unsubscribed records that the user withdrew the subscription.
	Unsubscribed bool
}

// DB is an open spool.
//
// All methods are safe for concurrent use.
type DB struct {
	db *sql.DB
}

// Open opens (creating it if necessary) the spool database at path.
// The path may be ":memory:" for a throwaway spool.
//
// Open verifies that the spool is actually writable so that a
// misconfigured gateway fails at startup instead of at the first
// registration.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("spool: opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: opening %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	account      TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	auth_token   TEXT NOT NULL,
	subscribed   INTEGER NOT NULL DEFAULT 0,
	unsubscribed INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: preparing %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Get returns the credential stored for the bridged user's bare address.
// It returns ErrNotFound if the user never registered.
func (s *DB) Get(ctx context.Context, account string) (Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT url, auth_token, subscribed, unsubscribed FROM credentials WHERE account = ?`,
		account,
	).Scan(&c.URL, &c.AuthToken, &c.Subscribed, &c.Unsubscribed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Credential{}, ErrNotFound
	case err != nil:
		return Credential{}, fmt.Errorf("spool: loading %s: %w", account, err)
	}
	return c, nil
}

// Set stores the credential for the bridged user's bare address, replacing
// any previous one.
func (s *DB) Set(ctx context.Context, account string, c Credential) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (account, url, auth_token, subscribed, unsubscribed)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(account) DO UPDATE SET
	url = excluded.url,
	auth_token = excluded.auth_token,
	subscribed = excluded.subscribed,
	unsubscribed = excluded.unsubscribed`,
		account, c.URL, c.AuthToken, c.Subscribed, c.Unsubscribed)
	if err != nil {
		return fmt.Errorf("spool: storing %s: %w", account, err)
	}
	return nil
}

// Del removes the credential stored for the bridged user's bare address.
// Deleting an absent credential is a no-op.
func (s *DB) Del(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE account = ?`, account); err != nil {
		return fmt.Errorf("spool: deleting %s: %w", account, err)
	}
	return nil
}

// Has reports whether a credential is stored for the bridged user's bare
// address.
func (s *DB) Has(ctx context.Context, account string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM credentials WHERE account = ?`, account).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("spool: checking %s: %w", account, err)
	}
	return n > 0, nil
}

// Flush forces pending writes to durable storage.
func (s *DB) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("spool: flushing: %w", err)
	}
	return nil
}

// Close closes the spool.
func (s *DB) Close() error {
	return s.db.Close()
}
