package mainloop_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browsershell/internal/mainloop"
	"github.com/xkilldash9x/browsershell/internal/result"
)

func startLoop(t *testing.T) (*mainloop.Loop, func()) {
	t.Helper()
	l := mainloop.New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(ctx)
	}()
	return l, func() {
		cancel()
		wg.Wait()
	}
}

func TestLoop_PreservesPostOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, stop := startLoop(t)
	defer stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	// Do is queued behind every Post, so got is complete once it returns.
	var snapshot []int
	require.NoError(t, l.Do(context.Background(), func(context.Context) error {
		snapshot = append(snapshot, got...)
		return nil
	}))

	require.Len(t, snapshot, 100)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

func TestLoop_DoReturnsErrorsAndRecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, stop := startLoop(t)
	defer stop()

	want := errors.New("task failed")
	err := l.Do(context.Background(), func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)

	err = l.Do(context.Background(), func(context.Context) error { panic("bad task") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad task")

	// The loop survives the panic.
	assert.NoError(t, l.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestLoop_NestedDoRunsInline(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, stop := startLoop(t)
	defer stop()

	ran := false
	err := l.Do(context.Background(), func(ctx context.Context) error {
		assert.True(t, mainloop.OnLoop(ctx, l))
		return l.Do(ctx, func(context.Context) error {
			ran = true
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestLoop_StopRejectsWork(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, stop := startLoop(t)
	stop()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func(context.Context) error { return nil }), mainloop.ErrStopped)
}

func TestLoop_AsResultDispatcher(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, stop := startLoop(t)
	defer stop()

	r := result.New[int]()
	next := result.ThenOn(r, l, func(v int) (*result.Result[string], error) {
		return result.FromValue("on-loop"), nil
	}, nil)
	r.Complete(1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := next.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "on-loop", v)
}
