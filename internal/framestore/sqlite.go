// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package framestore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/maestro/pkg/errors"
)

const frameSchema = `
CREATE TABLE IF NOT EXISTS frames (
	token      TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	rev        INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frames_expires ON frames(expires_at);
`

// SQLite is a Store backed by a local SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening frame store")
	}
	// SQLite tolerates exactly one writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(frameSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing frame store schema")
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Put(ctx context.Context, token string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return &errors.ValidationError{Field: "ttl", Message: "frame ttl must be positive"}
	}
	expiresAt := s.now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (token, data, rev, expires_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(token) DO UPDATE SET data = excluded.data, rev = 1, expires_at = excluded.expires_at`,
		token, data, expiresAt)
	if err != nil {
		return errors.Wrap(err, "storing frame")
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, token string) ([]byte, int64, error) {
	var data []byte
	var rev, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, rev, expires_at FROM frames WHERE token = ?`, token).
		Scan(&data, &rev, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, 0, &errors.NotFoundError{Resource: "frame", ID: token}
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "loading frame")
	}
	if s.now().UnixMilli() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM frames WHERE token = ?`, token)
		return nil, 0, &errors.NotFoundError{Resource: "frame", ID: token}
	}
	return data, rev, nil
}

func (s *SQLite) CAS(ctx context.Context, token string, rev int64, data []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE frames SET data = ?, rev = rev + 1
		 WHERE token = ? AND rev = ? AND expires_at > ?`,
		data, token, rev, s.now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "updating frame")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "updating frame")
	}
	if n == 0 {
		// Distinguish a missing frame from a concurrent update.
		if _, _, err := s.Get(ctx, token); err != nil {
			return err
		}
		return ErrRevisionConflict
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM frames WHERE token = ?`, token)
	if err != nil {
		return errors.Wrap(err, "deleting frame")
	}
	return nil
}

// Sweep removes expired frames. The daemon calls this periodically.
func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM frames WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "sweeping frames")
	}
	return res.RowsAffected()
}
