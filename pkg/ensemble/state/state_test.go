package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/pkg/errors"
)

func TestInitialStateApplied(t *testing.T) {
	s, err := New(map[string]string{"draft": "string"}, map[string]any{"draft": "hello"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"draft": "hello"}, s.Snapshot())
}

func TestInitialStateTypeChecked(t *testing.T) {
	_, err := New(map[string]string{"count": "number"}, map[string]any{"count": "three"})
	var typeErr *errors.StateTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "count", typeErr.Key)
	assert.Equal(t, "string", typeErr.Got)
	assert.Equal(t, "number", typeErr.Want)
}

func TestReadRequiresUsePermission(t *testing.T) {
	s, err := New(nil, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	h := s.BeginStep("step1", []string{"a"}, nil)
	v, err := h.Read("a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = h.Read("b")
	var permErr *errors.PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, "b", permErr.Key)
	assert.Equal(t, "read", permErr.Op)
	assert.Equal(t, errors.KindPermissionDenied, errors.Classify(err))
}

func TestWriteRequiresSetPermission(t *testing.T) {
	s, err := New(nil, nil)
	require.NoError(t, err)

	h := s.BeginStep("step1", nil, []string{"a"})
	require.NoError(t, h.Write("a", 1))

	err = h.Write("b", 2)
	var permErr *errors.PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, "write", permErr.Op)
}

func TestWriteTypeChecked(t *testing.T) {
	s, err := New(map[string]string{"count": "number"}, nil)
	require.NoError(t, err)

	h := s.BeginStep("step1", nil, []string{"count"})
	require.NoError(t, h.Write("count", float64(3)))

	err = h.Write("count", "three")
	var typeErr *errors.StateTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, errors.KindTypeError, errors.Classify(err))
}

func TestUndeclaredKeyAcceptsAnyType(t *testing.T) {
	s, err := New(map[string]string{"count": "number"}, nil)
	require.NoError(t, err)

	h := s.BeginStep("step1", nil, []string{"extra"})
	assert.NoError(t, h.Write("extra", map[string]any{"anything": true}))
}

func TestCommitIsAtomicAndVisible(t *testing.T) {
	s, err := New(nil, map[string]any{"a": "old"})
	require.NoError(t, err)

	h := s.BeginStep("step1", []string{"a"}, []string{"a", "b"})
	require.NoError(t, h.Write("a", "new"))
	require.NoError(t, h.Write("b", "added"))

	// Buffered writes are invisible until commit.
	assert.Equal(t, map[string]any{"a": "old"}, s.Snapshot())

	require.NoError(t, h.Commit(context.Background()))
	assert.Equal(t, map[string]any{"a": "new", "b": "added"}, s.Snapshot())
}

func TestAbortDiscardsWrites(t *testing.T) {
	s, err := New(nil, map[string]any{"a": "old"})
	require.NoError(t, err)

	h := s.BeginStep("step1", nil, []string{"a"})
	require.NoError(t, h.Write("a", "new"))
	h.Abort()

	assert.Equal(t, map[string]any{"a": "old"}, s.Snapshot())
}

func TestCommitAfterCloseFails(t *testing.T) {
	s, err := New(nil, nil)
	require.NoError(t, err)

	h := s.BeginStep("step1", nil, []string{"a"})
	require.NoError(t, h.Commit(context.Background()))
	assert.Error(t, h.Commit(context.Background()))
}

func TestCancelledContextRejectsCommit(t *testing.T) {
	s, err := New(nil, nil)
	require.NoError(t, err)

	h := s.BeginStep("step1", nil, []string{"a"})
	require.NoError(t, h.Write("a", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, h.Commit(ctx))
	assert.Empty(t, s.Snapshot())
}

func TestSealedStoreRejectsCommit(t *testing.T) {
	s, err := New(nil, nil)
	require.NoError(t, err)

	h := s.BeginStep("step1", nil, []string{"a"})
	require.NoError(t, h.Write("a", 1))
	s.Seal()

	require.Error(t, h.Commit(context.Background()))
	assert.Empty(t, s.Snapshot())
}

func TestHandleViewIsStable(t *testing.T) {
	s, err := New(nil, map[string]any{"a": "v1"})
	require.NoError(t, err)

	h1 := s.BeginStep("step1", []string{"a"}, nil)

	h2 := s.BeginStep("step2", nil, []string{"a"})
	require.NoError(t, h2.Write("a", "v2"))
	require.NoError(t, h2.Commit(context.Background()))

	// h1 still sees the value from when it began.
	v, err := h1.Read("a")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	// A fresh handle sees the committed value.
	h3 := s.BeginStep("step3", []string{"a"}, nil)
	v, err = h3.Read("a")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, err := New(nil, map[string]any{"obj": map[string]any{"k": "v"}})
	require.NoError(t, err)

	snap := s.Snapshot()
	snap["obj"].(map[string]any)["k"] = "mutated"

	assert.Equal(t, "v", s.Snapshot()["obj"].(map[string]any)["k"])
}

func TestRestoreReplacesState(t *testing.T) {
	s, err := New(map[string]string{"n": "number"}, map[string]any{"n": float64(1)})
	require.NoError(t, err)

	require.NoError(t, s.Restore(map[string]any{"n": float64(9)}))
	assert.Equal(t, map[string]any{"n": float64(9)}, s.Snapshot())

	assert.Error(t, s.Restore(map[string]any{"n": "bad"}))
}

func TestPutInternalBypassesPermissions(t *testing.T) {
	s, err := New(map[string]string{"n": "number"}, nil)
	require.NoError(t, err)

	s.PutInternal("scoring.latest", map[string]any{"step1": 0.9})
	assert.Contains(t, s.Snapshot(), "scoring.latest")
}
