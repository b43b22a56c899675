package sweeper

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/ratelimit"
)

type mockSessionPurger struct {
	mu     sync.Mutex
	calls  int
	before time.Time
	n      int64
	err    error
}

func (m *mockSessionPurger) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.before = before
	return m.n, m.err
}

func (m *mockSessionPurger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockBucketPurger struct {
	n   int64
	err error
}

func (m *mockBucketPurger) DeleteExpired(context.Context) (int64, error) {
	return m.n, m.err
}

type failingLocker struct{}

func (failingLocker) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, ratelimit.ErrStoreUnavailable
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRun_DeletesExpiredRecords(t *testing.T) {
	var buf bytes.Buffer
	clk := &clock{now: time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)}
	sessions := &mockSessionPurger{n: 4}
	buckets := &mockBucketPurger{n: 7}

	job := New(sessions, buckets, ratelimit.NewMemoryStore(clk.Now), nil, newTestLogger(&buf))
	job.now = clk.Now

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skipped || res.DeletedSessions != 4 || res.DeletedBuckets != 7 {
		t.Errorf("unexpected result: %+v", res)
	}
	if !sessions.before.Equal(clk.Now()) {
		t.Errorf("expected cutoff %v, got %v", clk.Now(), sessions.before)
	}
	if !strings.Contains(buf.String(), "スイープが完了しました") {
		t.Errorf("completion log not found: %s", buf.String())
	}
}

func TestRun_OncePerIntervalAcrossWorkers(t *testing.T) {
	var buf bytes.Buffer
	clk := &clock{now: time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)}
	store := ratelimit.NewMemoryStore(clk.Now)
	sessions := &mockSessionPurger{}

	first := New(sessions, nil, store, nil, newTestLogger(&buf))
	second := New(sessions, nil, store, nil, newTestLogger(&buf))

	if res, err := first.Run(context.Background()); err != nil || res.Skipped {
		t.Fatalf("first worker should sweep: res=%+v err=%v", res, err)
	}
	if res, err := second.Run(context.Background()); err != nil || !res.Skipped {
		t.Fatalf("second worker should skip: res=%+v err=%v", res, err)
	}
	if sessions.callCount() != 1 {
		t.Errorf("expected 1 sweep, got %d", sessions.callCount())
	}

	// ロック失効後は再び実行できる
	clk.Advance(time.Hour)
	if res, err := second.Run(context.Background()); err != nil || res.Skipped {
		t.Fatalf("sweep after interval should run: res=%+v err=%v", res, err)
	}
	if sessions.callCount() != 2 {
		t.Errorf("expected 2 sweeps, got %d", sessions.callCount())
	}
}

func TestRun_NilBucketPurger(t *testing.T) {
	var buf bytes.Buffer
	job := New(&mockSessionPurger{n: 1}, nil, ratelimit.NewMemoryStore(time.Now), nil, newTestLogger(&buf))

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DeletedBuckets != 0 {
		t.Errorf("expected no bucket deletions, got %d", res.DeletedBuckets)
	}
}

func TestRun_Errors(t *testing.T) {
	dbErr := errors.New("connection refused")

	tests := []struct {
		name     string
		sessions *mockSessionPurger
		buckets  BucketPurger
		lock     Locker
		wantErr  error
	}{
		{"lock unavailable", &mockSessionPurger{}, nil, failingLocker{}, ratelimit.ErrStoreUnavailable},
		{"session purge fails", &mockSessionPurger{err: dbErr}, nil, ratelimit.NewMemoryStore(time.Now), dbErr},
		{"bucket purge fails", &mockSessionPurger{}, &mockBucketPurger{err: dbErr}, ratelimit.NewMemoryStore(time.Now), dbErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			job := New(tt.sessions, tt.buckets, tt.lock, nil, newTestLogger(&buf))

			_, err := job.Run(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !strings.Contains(buf.String(), `"level":"ERROR"`) {
				t.Errorf("expected error log, got %s", buf.String())
			}
		})
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionPurger{}
	job := New(sessions, nil, ratelimit.NewMemoryStore(time.Now), nil, newTestLogger(&buf))
	job.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sessions.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("initial sweep did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
