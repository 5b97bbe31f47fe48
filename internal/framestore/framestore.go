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

// Package framestore persists suspended execution frames under
// resumption tokens with a TTL.
//
// The store is a small KV contract: any backend with put/get/cas/delete
// and expiry satisfies it. The in-memory store backs tests and
// single-process runs; the SQLite store survives daemon restarts.
package framestore

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/maestro/pkg/errors"
)

// ErrRevisionConflict is returned by CAS when the frame changed since
// the revision was read.
var ErrRevisionConflict = errors.New("frame revision conflict")

// Store is the durable KV contract for suspended frames.
type Store interface {
	// Put stores a frame under a token. TTL must be positive.
	Put(ctx context.Context, token string, data []byte, ttl time.Duration) error

	// Get returns the frame and its revision. Absent or expired
	// tokens return a NotFoundError.
	Get(ctx context.Context, token string) (data []byte, rev int64, err error)

	// CAS replaces the frame only if its revision still matches,
	// preserving the original expiry. Used for single-shot status
	// transitions.
	CAS(ctx context.Context, token string, rev int64, data []byte) error

	// Delete removes a frame. Deleting an absent token is not an
	// error.
	Delete(ctx context.Context, token string) error
}

type memoryFrame struct {
	data      []byte
	rev       int64
	expiresAt time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.Mutex
	frames map[string]*memoryFrame

	// now is replaceable in tests
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		frames: make(map[string]*memoryFrame),
		now:    time.Now,
	}
}

func (m *Memory) Put(_ context.Context, token string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return &errors.ValidationError{Field: "ttl", Message: "frame ttl must be positive"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames[token] = &memoryFrame{
		data:      append([]byte(nil), data...),
		rev:       1,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, token string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[token]
	if !ok {
		return nil, 0, &errors.NotFoundError{Resource: "frame", ID: token}
	}
	if m.now().After(f.expiresAt) {
		delete(m.frames, token)
		return nil, 0, &errors.NotFoundError{Resource: "frame", ID: token}
	}
	return append([]byte(nil), f.data...), f.rev, nil
}

func (m *Memory) CAS(_ context.Context, token string, rev int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[token]
	if !ok || m.now().After(f.expiresAt) {
		return &errors.NotFoundError{Resource: "frame", ID: token}
	}
	if f.rev != rev {
		return ErrRevisionConflict
	}
	f.data = append([]byte(nil), data...)
	f.rev++
	return nil
}

func (m *Memory) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frames, token)
	return nil
}
