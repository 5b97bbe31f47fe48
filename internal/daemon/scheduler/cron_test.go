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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/pkg/ensemble"
)

func TestParseRejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"1-0 * * * *",
		"*/0 * * * *",
		"x * * * *",
	} {
		_, err := Parse(expr)
		assert.Error(t, err, "expression %q", expr)
	}
}

func TestNext(t *testing.T) {
	// A Monday.
	base := time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 6, 2, 8, 45, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)},
		{"@weekly", time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)},
		// Saturday-only.
		{"0 12 * * 6", time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		expr, err := Parse(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, expr.Next(base), tt.expr)
	}
}

func TestNextDayFieldsUnion(t *testing.T) {
	// Both day fields restricted: fire on the 15th OR on Mondays.
	expr, err := Parse("0 0 15 * 1")
	require.NoError(t, err)

	// Friday June 13th: next match is Saturday the 14th? No; the 15th
	// is a Sunday, and Monday the 16th also matches. The 15th is
	// sooner.
	base := time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), expr.Next(base))

	// Just after the 15th: next Monday wins over July 15th.
	base = time.Date(2025, 6, 15, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), expr.Next(base))
}

func TestSchedulerFiresDueEntries(t *testing.T) {
	var mu sync.Mutex
	fired := make(map[string]map[string]any)
	done := make(chan struct{}, 1)

	dispatcher := DispatchFunc(func(_ context.Context, name string, input map[string]any) {
		mu.Lock()
		fired[name] = input
		mu.Unlock()
		done <- struct{}{}
	})

	s := New(dispatcher, nil)
	clock := time.Date(2025, 6, 2, 8, 59, 30, 0, time.UTC)
	s.now = func() time.Time { return clock }

	def := &ensemble.Definition{
		Name: "nightly",
		Schedules: []ensemble.ScheduleDefinition{
			{Name: "hourly", Cron: "0 * * * *", Input: map[string]any{"mode": "batch"}},
		},
	}
	require.NoError(t, s.Register(def))
	assert.Equal(t, []string{"nightly/hourly"}, s.Entries())

	// Advance past the due time and run one collection cycle.
	clock = time.Date(2025, 6, 2, 9, 0, 5, 0, time.UTC)
	due, _ := s.collectDue()
	require.Len(t, due, 1)
	s.fire(context.Background(), due[0])

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch never happened")
	}

	mu.Lock()
	defer mu.Unlock()
	input := fired["nightly"]
	require.NotNil(t, input)
	assert.Equal(t, "batch", input["mode"])
	trigger := input[TriggerKey].(map[string]any)
	assert.Equal(t, "hourly", trigger["cron"])
	assert.Equal(t, "2025-06-02T09:00:00Z", trigger["scheduledTime"])
}

func TestSchedulerSkipsDisabled(t *testing.T) {
	s := New(DispatchFunc(func(context.Context, string, map[string]any) {}), nil)
	off := false
	def := &ensemble.Definition{
		Name: "sometimes",
		Schedules: []ensemble.ScheduleDefinition{
			{Name: "never", Cron: "0 0 * * *", Enabled: &off},
		},
	}
	require.NoError(t, s.Register(def))
	assert.Empty(t, s.Entries())
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	s := New(DispatchFunc(func(context.Context, string, map[string]any) {}), nil)
	def := &ensemble.Definition{
		Name: "broken",
		Schedules: []ensemble.ScheduleDefinition{
			{Name: "oops", Cron: "not a cron"},
		},
	}
	assert.Error(t, s.Register(def))
}
