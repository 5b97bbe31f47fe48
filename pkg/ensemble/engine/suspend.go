package engine

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"time"

	"github.com/tombee/maestro/internal/framestore"
	"github.com/tombee/maestro/pkg/ensemble/scoring"
	"github.com/tombee/maestro/pkg/errors"
)

// Frame statuses.
const (
	FramePending  = "pending"
	FrameApproved = "approved"
	FrameRejected = "rejected"
)

// DefaultFrameTTL bounds how long a suspended execution stays
// resumable when the suspend signal does not say otherwise.
const DefaultFrameTTL = 24 * time.Hour

// tokenPrefix marks resumption tokens; the random part is 26 base32
// characters, 130 bits of entropy.
const tokenPrefix = "resume_"

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewToken generates a cryptographically random resumption token.
func NewToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return tokenPrefix + tokenEncoding.EncodeToString(buf[:])[:26]
}

// SuspendedFrame is the serialized snapshot of a suspended execution.
type SuspendedFrame struct {
	Token       string    `json:"token"`
	Ensemble    string    `json:"ensemble"`
	Version     string    `json:"version,omitempty"`
	ExecutionID string    `json:"executionId"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	SuspendedBy string    `json:"suspendedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`

	// ResumeAtIndex is the linear flow position of the suspended step
	ResumeAtIndex int `json:"resumeAtIndex"`

	// Completed lists step IDs already committed, for graph resumes
	Completed []string `json:"completed,omitempty"`

	Input   map[string]any `json:"input,omitempty"`
	Env     map[string]any `json:"env,omitempty"`
	State   map[string]any `json:"state,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`

	Scores  map[string]*scoring.ScoreReport `json:"scores,omitempty"`
	Metrics *Metrics                        `json:"metrics,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Approval fields, set by the transition calls
	Actor        string         `json:"actor,omitempty"`
	ApprovalData map[string]any `json:"approvalData,omitempty"`
	RejectReason string         `json:"rejectReason,omitempty"`
}

// SuspendManager stores suspended frames and drives the approval
// protocol. Transitions are single-shot: only pending frames can be
// approved or rejected.
type SuspendManager struct {
	frames framestore.Store

	// now is replaceable in tests
	now func() time.Time
}

// NewSuspendManager creates a manager over a frame store.
func NewSuspendManager(frames framestore.Store) *SuspendManager {
	return &SuspendManager{frames: frames, now: time.Now}
}

// Suspend stores a new pending frame and returns its token and expiry.
func (m *SuspendManager) Suspend(ctx context.Context, frame *SuspendedFrame, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultFrameTTL
	}
	frame.Token = NewToken()
	frame.Status = FramePending
	frame.CreatedAt = m.now().UTC()
	frame.ExpiresAt = frame.CreatedAt.Add(ttl)

	data, err := json.Marshal(frame)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "encoding frame")
	}
	if err := m.frames.Put(ctx, frame.Token, data, ttl); err != nil {
		return "", time.Time{}, err
	}
	return frame.Token, frame.ExpiresAt, nil
}

// Get loads a frame. Absent or expired tokens yield a TokenError.
func (m *SuspendManager) Get(ctx context.Context, token string) (*SuspendedFrame, error) {
	frame, _, err := m.load(ctx, token)
	return frame, err
}

func (m *SuspendManager) load(ctx context.Context, token string) (*SuspendedFrame, int64, error) {
	data, rev, err := m.frames.Get(ctx, token)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, 0, &errors.TokenError{Token: token, Reason: "unknown or expired token"}
		}
		return nil, 0, err
	}
	var frame SuspendedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, 0, errors.Wrap(err, "decoding frame")
	}
	if m.now().After(frame.ExpiresAt) {
		return nil, 0, &errors.TokenError{Token: token, Reason: "token expired"}
	}
	return &frame, rev, nil
}

// Approve transitions a pending frame to approved, attaching the
// actor and optional resumption data.
func (m *SuspendManager) Approve(ctx context.Context, token, actor string, data map[string]any) error {
	return m.transition(ctx, token, FrameApproved, func(frame *SuspendedFrame) {
		frame.Actor = actor
		frame.ApprovalData = data
	})
}

// Reject transitions a pending frame to rejected.
func (m *SuspendManager) Reject(ctx context.Context, token, actor, reason string) error {
	return m.transition(ctx, token, FrameRejected, func(frame *SuspendedFrame) {
		frame.Actor = actor
		frame.RejectReason = reason
	})
}

func (m *SuspendManager) transition(ctx context.Context, token, to string, apply func(*SuspendedFrame)) error {
	frame, rev, err := m.load(ctx, token)
	if err != nil {
		return err
	}
	if frame.Status != FramePending {
		return &errors.TransitionError{Token: token, From: frame.Status, To: to}
	}
	frame.Status = to
	apply(frame)

	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}
	if err := m.frames.CAS(ctx, token, rev, data); err != nil {
		if errors.Is(err, framestore.ErrRevisionConflict) {
			return &errors.TransitionError{Token: token, From: "concurrent-update", To: to}
		}
		return err
	}
	return nil
}

// Cancel deletes a frame regardless of status.
func (m *SuspendManager) Cancel(ctx context.Context, token string) error {
	return m.frames.Delete(ctx, token)
}

// Delete removes a frame after a successful resume.
func (m *SuspendManager) Delete(ctx context.Context, token string) error {
	return m.frames.Delete(ctx, token)
}
