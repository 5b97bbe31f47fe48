package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStability(t *testing.T) {
	input := map[string]any{"b": float64(2), "a": "x"}
	config := map[string]any{"model": "large"}

	fp1 := Fingerprint("summarize", "1.0.0", input, config)
	fp2 := Fingerprint("summarize", "1.0.0", map[string]any{"a": "x", "b": float64(2)}, config)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 32)
}

func TestFingerprintDiscriminates(t *testing.T) {
	input := map[string]any{"a": "x"}
	base := Fingerprint("summarize", "1.0.0", input, nil)

	assert.NotEqual(t, base, Fingerprint("translate", "1.0.0", input, nil))
	assert.NotEqual(t, base, Fingerprint("summarize", "2.0.0", input, nil))
	assert.NotEqual(t, base, Fingerprint("summarize", "1.0.0", map[string]any{"a": "y"}, nil))
	assert.NotEqual(t, base, Fingerprint("summarize", "1.0.0", input, map[string]any{"t": float64(1)}))
}

func TestFingerprintNumericNormalization(t *testing.T) {
	// An int and a float carrying the same value hash identically.
	a := Fingerprint("m", "1.0.0", map[string]any{"n": 2}, nil)
	b := Fingerprint("m", "1.0.0", map[string]any{"n": float64(2)}, nil)
	c := Fingerprint("m", "1.0.0", map[string]any{"n": int64(2)}, nil)
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got := CanonicalJSON(map[string]any{
		"z": float64(1),
		"a": map[string]any{"y": true, "x": nil},
	})
	assert.Equal(t, `{"a":{"x":null,"y":true},"z":1}`, got)
}

func TestCanonicalJSONIdempotent(t *testing.T) {
	doc := map[string]any{
		"list": []any{float64(1), "two", map[string]any{"b": float64(2), "a": float64(1)}},
		"n":    float64(3),
	}
	first := CanonicalJSON(doc)

	var decoded any
	require.NoError(t, json.Unmarshal([]byte(first), &decoded))
	assert.Equal(t, first, CanonicalJSON(decoded))
}

func TestGetPutInvalidate(t *testing.T) {
	c := New()

	_, ok := c.Get("fp1")
	assert.False(t, ok)

	c.Put("fp1", "result", Options{})
	v, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "result", v)

	c.Invalidate("fp1")
	_, ok = c.Get("fp1")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("fp1", "result", Options{TTL: time.Minute})
	_, ok := c.Get("fp1")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("fp1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("fp1", "result", Options{})
	now = now.Add(24 * time.Hour)
	_, ok := c.Get("fp1")
	assert.True(t, ok)
}

func TestInvalidateTag(t *testing.T) {
	c := New()
	c.Put("fp1", 1, Options{Tags: []string{"reports", "daily"}})
	c.Put("fp2", 2, Options{Tags: []string{"reports"}})
	c.Put("fp3", 3, Options{Tags: []string{"other"}})

	removed := c.InvalidateTag("reports")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("fp1")
	assert.False(t, ok)
	_, ok = c.Get("fp2")
	assert.False(t, ok)
	_, ok = c.Get("fp3")
	assert.True(t, ok)
}

func TestDoCachesSuccess(t *testing.T) {
	c := New()
	calls := 0
	compute := func() (any, error) {
		calls++
		return "computed", nil
	}

	v, hit, err := c.Do(context.Background(), "fp1", false, Options{}, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "computed", v)

	v, hit, err = c.Do(context.Background(), "fp1", false, Options{}, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls)
}

func TestDoNeverStoresFailure(t *testing.T) {
	c := New()
	calls := 0

	_, _, err := c.Do(context.Background(), "fp1", false, Options{}, func() (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	v, hit, err := c.Do(context.Background(), "fp1", false, Options{}, func() (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestDoBypassRecomputesAndReplaces(t *testing.T) {
	c := New()
	c.Put("fp1", "stale", Options{})

	v, hit, err := c.Do(context.Background(), "fp1", true, Options{}, func() (any, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "fresh", v)

	// The recomputed value replaced the stale entry.
	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "fresh", got)
}

func TestDoBypassWaitsOutFlightAndRecomputes(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _, _ = c.Do(context.Background(), "fp1", false, Options{}, func() (any, error) {
			close(started)
			<-release
			return "first", nil
		})
	}()

	<-started
	done := make(chan struct{})
	var got any
	var recomputed bool
	go func() {
		defer close(done)
		got, _, _ = c.Do(context.Background(), "fp1", true, Options{}, func() (any, error) {
			recomputed = true
			return "fresh", nil
		})
	}()

	// At most one computation per fingerprint: the bypass caller waits
	// for the flight instead of racing it.
	select {
	case <-done:
		t.Fatal("bypass returned while the flight was still running")
	case <-time.After(10 * time.Millisecond):
	}

	close(release)
	<-done
	assert.True(t, recomputed, "bypass must run its own computation")
	assert.Equal(t, "fresh", got)

	v, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "fresh", v)
}

func TestDoSharesInFlightComputation(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	compute := func() (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, err := c.Do(context.Background(), "fp1", false, Options{}, compute)
		require.NoError(t, err)
		results[0] = v
	}()

	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, err := c.Do(context.Background(), "fp1", false, Options{}, func() (any, error) {
			t.Error("second computation should not run")
			return nil, nil
		})
		require.NoError(t, err)
		results[1] = v
	}()

	// Give the second caller time to join the flight before releasing.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, "shared", results[0])
	assert.Equal(t, "shared", results[1])
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestDoSharesFailureWithWaiters(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})
	boom := errors.New("boom")

	go func() {
		_, _, _ = c.Do(context.Background(), "fp1", false, Options{}, func() (any, error) {
			close(started)
			<-release
			return nil, boom
		})
	}()

	<-started
	errs := make(chan error, 1)
	go func() {
		_, _, err := c.Do(context.Background(), "fp1", false, Options{}, func() (any, error) {
			return nil, nil
		})
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	assert.ErrorIs(t, <-errs, boom)
}

func TestDoWaiterHonorsContextCancellation(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = c.Do(context.Background(), "fp1", false, Options{}, func() (any, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()

	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Do(ctx, "fp1", false, Options{}, func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.Canceled)
}
