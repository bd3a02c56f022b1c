package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return s.err
}

func (s *memorySink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestBus_PublishIsNonBlocking(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t), 1)
	ch, unsubscribe := b.Subscribe(KindWindowOpened)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(Event{Kind: KindWindowOpened})
		}
		b.Publish(Event{Kind: KindTabOpened}) // nobody listens
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	ev := <-ch
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	b.Acknowledge(ev)
	assert.Equal(t, int64(4), b.Dropped())

	b.Shutdown()
	b.Publish(Event{Kind: KindWindowOpened})
	_, open := <-ch
	assert.False(t, open)
}

func TestRecorder_FlushesToAllSinksOnShutdown(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t), 16)
	good := &memorySink{}
	bad := &memorySink{err: errors.New("disk full")}
	r := NewRecorder(zaptest.NewLogger(t), b, RecorderConfig{BatchSize: 2, FlushInterval: time.Hour}, good, bad)
	r.Start()

	b.Publish(Event{Kind: KindWindowOpened, WindowID: "w1", Count: 1})
	b.Publish(Event{Kind: KindTabOpened, SessionID: "s1", Source: SourceUI})
	require.Eventually(t, func() bool { return len(good.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	b.Publish(Event{Kind: KindWindowClosed, WindowID: "w1"})

	b.Shutdown()
	<-r.Done()

	// The third event may be drained by the bus before the recorder sees it.
	got := good.snapshot()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, KindWindowOpened, got[0].Kind)
	assert.Equal(t, KindTabOpened, got[1].Kind)
	assert.Len(t, bad.snapshot(), len(got), "a failing sink does not stop the others")
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Name() string {
	return m.Called().String(0)
}

func (m *mockSink) Write(ctx context.Context, events []Event) error {
	return m.Called(ctx, events).Error(0)
}

func TestRecorder_FlushesOnInterval(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t), 16)
	sink := new(mockSink)
	wrote := make(chan struct{})
	sink.On("Name").Return("mock").Maybe()
	sink.On("Write", mock.Anything, mock.MatchedBy(func(evs []Event) bool {
		return len(evs) == 1 && evs[0].Kind == KindWindowResized && evs[0].Width == 640
	})).Return(nil).Once().Run(func(mock.Arguments) { close(wrote) })

	r := NewRecorder(zaptest.NewLogger(t), b, RecorderConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, sink)
	r.Start()
	b.Publish(Event{Kind: KindWindowResized, WindowID: "w1", Width: 640, Height: 480})

	select {
	case <-wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("partial batch was not flushed on the interval")
	}
	b.Shutdown()
	<-r.Done()
	sink.AssertExpectations(t)
}

func TestMetricsSink(t *testing.T) {
	m := NewMetricsSink()
	require.NoError(t, m.Write(context.Background(), []Event{
		{Kind: KindWindowOpened, Count: 1},
		{Kind: KindWindowOpened, Count: 2},
		{Kind: KindTabOpened, Source: SourceWebExtension},
		{Kind: KindPortConnected, Count: 1},
		{Kind: KindWindowResized},
	}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WindowsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TabsOpened.WithLabelValues(SourceWebExtension)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(KindWindowOpened))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WindowResize))
}

func TestPostgresSink(t *testing.T) {
	ctx := context.Background()

	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgresSink(ctx, mockPool, zap.NewNop())
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should create schema and copy a batch", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS shell_events").
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"shell_events"}, eventColumns).
			WillReturnResult(2)

		sink, err := NewPostgresSink(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, sink.EnsureSchema(ctx))

		err = sink.Write(ctx, []Event{
			stamp(Event{Kind: KindWindowOpened, WindowID: "w1"}),
			stamp(Event{Kind: KindTabOpened, SessionID: "s1"}),
		})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report a short copy", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		mockPool.ExpectCopyFrom(pgx.Identifier{"shell_events"}, eventColumns).
			WillReturnResult(1)

		sink, err := NewPostgresSink(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)
		err = sink.Write(ctx, []Event{stamp(Event{Kind: KindWindowOpened}), stamp(Event{Kind: KindWindowClosed})})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch in copied events count")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
