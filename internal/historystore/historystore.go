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

// Package historystore appends execution events to per-execution
// traces for replay and inspection.
package historystore

import (
	"context"
	"sync"
	"time"
)

// Record is one persisted event.
type Record struct {
	ExecutionID string
	Seq         int64
	Timestamp   time.Time
	Kind        string
	StepID      string
	Payload     []byte
}

// Store appends and reads execution traces.
type Store interface {
	// Append adds a record to its execution's trace.
	Append(ctx context.Context, rec Record) error

	// Trace returns an execution's records in sequence order.
	Trace(ctx context.Context, executionID string) ([]Record, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.Mutex
	traces map[string][]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{traces: make(map[string][]Record)}
}

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces[rec.ExecutionID] = append(m.traces[rec.ExecutionID], rec)
	return nil
}

func (m *Memory) Trace(_ context.Context, executionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trace := m.traces[executionID]
	out := make([]Record, len(trace))
	copy(out, trace)
	return out, nil
}
