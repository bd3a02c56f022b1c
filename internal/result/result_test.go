package result_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

func await[T any](t *testing.T, r *result.Result[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := r.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "result never settled")
	return v, err
}

func TestResult_FirstSettleWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := result.New[string]()
	assert.Equal(t, result.Pending, r.State())

	assert.True(t, r.Complete("x"))
	assert.False(t, r.Complete("y"))
	assert.False(t, r.Fail(errors.New("late")))

	v, err := await(t, r)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	assert.Equal(t, result.Completed, r.State())
}

func TestResult_LateContinuationFiresOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := result.FromValue(7)
	var calls atomic.Int32
	next := result.Then(r, func(v int) (*result.Result[int], error) {
		calls.Add(1)
		return result.FromValue(v * 2), nil
	}, nil)

	v, err := await(t, next)
	require.NoError(t, err)
	assert.Equal(t, 14, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResult_LateInlineListenerIsNotReentrant(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := result.FromValue(1)
	var mu sync.Mutex
	mu.Lock()
	done := make(chan struct{})
	// The caller holds mu; a re-entrant call would deadlock here.
	r.Accept(result.Inline, func(int, error) {
		mu.Lock()
		defer mu.Unlock()
		close(done)
	})
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener never ran")
	}
}

func TestResult_ErrorPropagation(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("boom")
	r := result.New[int]()
	mapped := result.Map(r, func(v int) (string, error) { return "never", nil })
	r.Fail(boom)

	_, err := await(t, mapped)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, result.Failed, mapped.State())

	recovered := result.Exceptionally(mapped, func(err error) (string, error) {
		return "fallback", nil
	})
	v, err := await(t, recovered)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestResult_NestedResultChains(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := result.New[string]()
	outer := result.Then(result.FromValue(1), func(int) (*result.Result[string], error) {
		return inner, nil
	}, nil)

	go inner.Complete("inner-done")
	v, err := await(t, outer)
	require.NoError(t, err)
	assert.Equal(t, "inner-done", v)
}

func TestResult_ContinuationPanicFailsDownstream(t *testing.T) {
	defer goleak.VerifyNone(t)

	next := result.Then(result.FromValue(1), func(int) (*result.Result[int], error) {
		panic("kaboom")
	}, nil)
	_, err := await(t, next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestResult_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("settled result refuses cancellation", func(t *testing.T) {
		r := result.FromValue("kept")
		ok, err := await(t, r.Cancel())
		require.NoError(t, err)
		assert.False(t, ok)
		v, _ := await(t, r)
		assert.Equal(t, "kept", v)
	})

	t.Run("no delegate", func(t *testing.T) {
		r := result.New[int]()
		ok, err := await(t, r.Cancel())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, result.Pending, r.State())
	})

	t.Run("delegate accepts", func(t *testing.T) {
		r := result.New[int]()
		var called atomic.Bool
		r.SetCancellationDelegate(func() *result.Result[bool] {
			called.Store(true)
			return result.FromValue(true)
		})
		ok, err := await(t, r.Cancel())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, called.Load())
		assert.Equal(t, result.Cancelled, r.State())

		_, err = await(t, r)
		assert.ErrorIs(t, err, errdefs.ErrCancelled)
		assert.False(t, r.Complete(5), "a cancelled result stays cancelled")
	})

	t.Run("delegate refuses", func(t *testing.T) {
		r := result.New[int]()
		r.SetCancellationDelegate(func() *result.Result[bool] { return result.FromValue(false) })
		ok, err := await(t, r.Cancel())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, r.Complete(3))
	})

	t.Run("cancel walks up a chain", func(t *testing.T) {
		root := result.New[int]()
		root.SetCancellationDelegate(func() *result.Result[bool] { return result.FromValue(true) })
		child := result.Map(root, func(v int) (int, error) { return v + 1, nil })

		ok, err := await(t, child.Cancel())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, result.Cancelled, root.State())
		assert.Equal(t, result.Cancelled, child.State())
	})
}

func TestResult_BridgeAndGo(t *testing.T) {
	defer goleak.VerifyNone(t)

	bridged := result.Bridge(func(ok func(string), fail func(error)) {
		ok("first")
		fail(errors.New("ignored"))
	})
	v, err := await(t, bridged)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	ran := result.Go(result.Goroutine, func() (int, error) { return 42, nil })
	n, err := await(t, ran)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	failed := result.Go(result.Inline, func() (int, error) { return 0, errors.New("nope") })
	_, err = await(t, failed)
	assert.EqualError(t, err, "nope")
}

func TestResult_AwaitHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := result.New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok, _ := r.Poll()
	assert.False(t, ok)
}
