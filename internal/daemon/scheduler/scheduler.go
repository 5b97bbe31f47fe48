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

// Package scheduler fires ensemble executions from cron schedules
// declared in ensemble definitions.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ilog "github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/errors"
)

// TriggerKey is the reserved input key carrying schedule metadata into
// a triggered execution.
const TriggerKey = "_trigger"

// Dispatcher starts an ensemble execution on behalf of a firing.
type Dispatcher interface {
	Dispatch(ctx context.Context, ensembleName string, input map[string]any)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, ensembleName string, input map[string]any)

func (f DispatchFunc) Dispatch(ctx context.Context, ensembleName string, input map[string]any) {
	f(ctx, ensembleName, input)
}

// entry is one registered schedule.
type entry struct {
	ensembleName string
	scheduleName string
	expr         *Expression
	input        map[string]any
	location     *time.Location
	next         time.Time
}

// Scheduler tracks schedules and fires them at their due times.
type Scheduler struct {
	dispatcher Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry // keyed by ensemble/schedule
	wake    chan struct{}

	// now is replaceable in tests
	now func() time.Time
}

// New creates a scheduler that hands due firings to the dispatcher.
func New(dispatcher Dispatcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dispatcher: dispatcher,
		logger:     logger,
		entries:    make(map[string]*entry),
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Register installs an ensemble's schedules, replacing any previous
// registration for the same ensemble. Disabled schedules are skipped.
func (s *Scheduler) Register(def *ensemble.Definition) error {
	parsed := make([]*entry, 0, len(def.Schedules))
	for i := range def.Schedules {
		sched := &def.Schedules[i]
		if sched.Enabled != nil && !*sched.Enabled {
			continue
		}
		expr, err := Parse(sched.Cron)
		if err != nil {
			return &errors.ConfigError{
				Key:    "schedules." + sched.Name,
				Reason: err.Error(),
			}
		}
		loc := time.Local
		if sched.Timezone != "" {
			loc, err = time.LoadLocation(sched.Timezone)
			if err != nil {
				return &errors.ConfigError{
					Key:    "schedules." + sched.Name + ".timezone",
					Reason: err.Error(),
					Cause:  err,
				}
			}
		}
		parsed = append(parsed, &entry{
			ensembleName: def.Name,
			scheduleName: sched.Name,
			expr:         expr,
			input:        sched.Input,
			location:     loc,
		})
	}

	s.mu.Lock()
	s.removeLocked(def.Name)
	now := s.now()
	for _, e := range parsed {
		e.next = e.expr.Next(now.In(e.location))
		s.entries[e.ensembleName+"/"+e.scheduleName] = e
	}
	s.mu.Unlock()

	s.poke()
	return nil
}

// Unregister drops all schedules of an ensemble.
func (s *Scheduler) Unregister(ensembleName string) {
	s.mu.Lock()
	s.removeLocked(ensembleName)
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) removeLocked(ensembleName string) {
	for key, e := range s.entries {
		if e.ensembleName == ensembleName {
			delete(s.entries, key)
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run fires schedules until the context ends. Due entries dispatch in
// their own goroutines so a slow execution never delays others.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		due, wait := s.collectDue()
		for _, e := range due {
			s.fire(ctx, e)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collectDue advances past-due entries and returns them, plus how long
// to sleep until the earliest upcoming one.
func (s *Scheduler) collectDue() ([]*entry, time.Duration) {
	const idleWait = time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*entry
	wait := idleWait
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if !e.next.After(now) {
			fired := *e
			due = append(due, &fired)
			e.next = e.expr.Next(now.In(e.location))
		}
		if !e.next.IsZero() {
			if d := e.next.Sub(now); d < wait {
				wait = d
			}
		}
	}
	if wait < 0 {
		wait = 0
	}
	return due, wait
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	input := make(map[string]any, len(e.input)+1)
	for k, v := range e.input {
		input[k] = v
	}
	input[TriggerKey] = map[string]any{
		"cron":          e.scheduleName,
		"scheduledTime": e.next.UTC().Format(time.RFC3339),
		"triggeredAt":   s.now().UTC().Format(time.RFC3339),
	}

	s.logger.Info("schedule fired",
		slog.String(ilog.EnsembleKey, e.ensembleName),
		slog.String("schedule", e.scheduleName))

	go s.dispatcher.Dispatch(ctx, e.ensembleName, input)
}

// Entries reports the registered schedule keys, for status output.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}
