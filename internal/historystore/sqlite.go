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

package historystore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/maestro/pkg/errors"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS events (
	execution_id TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	timestamp    INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	step_id      TEXT NOT NULL DEFAULT '',
	payload      BLOB,
	PRIMARY KEY (execution_id, seq)
);
`

// SQLite is a Store backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and ensures the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening history store")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing history store schema")
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, seq, timestamp, kind, step_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.Seq, rec.Timestamp.UnixMilli(), rec.Kind, rec.StepID, rec.Payload)
	if err != nil {
		return errors.Wrap(err, "appending event")
	}
	return nil
}

func (s *SQLite) Trace(ctx context.Context, executionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, timestamp, kind, step_id, payload FROM events
		 WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "loading trace")
	}
	defer rows.Close()

	var trace []Record
	for rows.Next() {
		rec := Record{ExecutionID: executionID}
		var ts int64
		if err := rows.Scan(&rec.Seq, &ts, &rec.Kind, &rec.StepID, &rec.Payload); err != nil {
			return nil, errors.Wrap(err, "scanning event")
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		trace = append(trace, rec)
	}
	return trace, rows.Err()
}
