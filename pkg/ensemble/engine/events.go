package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tombee/maestro/internal/historystore"
	"github.com/tombee/maestro/internal/log"
)

// EventKind identifies a runtime transition.
type EventKind string

const (
	EventEnsembleStarted   EventKind = "EnsembleStarted"
	EventStepStarted       EventKind = "StepStarted"
	EventStepCompleted     EventKind = "StepCompleted"
	EventStepFailed        EventKind = "StepFailed"
	EventStepSkipped       EventKind = "StepSkipped"
	EventSuspended         EventKind = "Suspended"
	EventResumed           EventKind = "Resumed"
	EventEnsembleCompleted EventKind = "EnsembleCompleted"
	EventEnsembleFailed    EventKind = "EnsembleFailed"
)

// Event is one entry in an execution's history trace.
type Event struct {
	Seq         int64          `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        EventKind      `json:"kind"`
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Emitter assigns monotonic sequence numbers to events, logs them, and
// appends them to the history store. Safe for concurrent use.
type Emitter struct {
	executionID string
	seq         atomic.Int64
	history     historystore.Store
	logger      *slog.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewEmitter creates an emitter for one execution. history may be nil
// to skip persistence.
func NewEmitter(executionID string, history historystore.Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		executionID: executionID,
		history:     history,
		logger:      logger,
		now:         time.Now,
	}
}

// Emit publishes an event. History append failures are logged, not
// fatal: the execution outcome must not depend on trace persistence.
func (e *Emitter) Emit(ctx context.Context, kind EventKind, stepID string, payload map[string]any) Event {
	event := Event{
		Seq:         e.seq.Add(1),
		Timestamp:   e.now().UTC(),
		Kind:        kind,
		ExecutionID: e.executionID,
		StepID:      stepID,
		Payload:     payload,
	}

	e.logger.Debug("event emitted",
		slog.String(log.ExecutionIDKey, e.executionID),
		slog.String(log.EventKey, string(kind)),
		slog.String(log.StepIDKey, stepID),
		slog.Int64("seq", event.Seq))

	if e.history != nil {
		var raw []byte
		if payload != nil {
			raw, _ = json.Marshal(payload)
		}
		rec := historystore.Record{
			ExecutionID: e.executionID,
			Seq:         event.Seq,
			Timestamp:   event.Timestamp,
			Kind:        string(kind),
			StepID:      stepID,
			Payload:     raw,
		}
		if err := e.history.Append(ctx, rec); err != nil {
			e.logger.Warn("failed to append event to history",
				slog.String(log.ExecutionIDKey, e.executionID),
				slog.String("error", err.Error()))
		}
	}
	return event
}
