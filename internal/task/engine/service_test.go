package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barkd/internal/eventbus"
	logx "barkd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func noop(context.Context) error { return nil }

func TestSubmitRunsTask(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	done := make(chan struct{})
	err := s.Submit(context.Background(), Task{Name: "job:a", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	require.Eventually(t, func() bool { return s.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	st := s.Stats()
	assert.Equal(t, 2, st.Live)
	require.Len(t, st.Recent, 1)
	assert.Equal(t, "job:a", st.Recent[0].Name)
	assert.Empty(t, st.Recent[0].Error)
}

func TestGateSkipsWhileHeld(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	var g Gate
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	require.NoError(t, s.Submit(context.Background(), Task{Name: "job:a", Run: block, Gate: &g}))
	err := s.Submit(context.Background(), Task{Name: "job:a", Run: block, Gate: &g})
	assert.ErrorIs(t, err, ErrOverlapSkip)
	assert.Equal(t, uint64(1), s.Stats().Skipped)

	close(release)
	require.Eventually(t, func() bool { return s.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Submit(context.Background(), Task{Name: "job:a", Run: noop, Gate: &g}))
}

func TestGateReleasedWhenSubmitAbandoned(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) error {
		<-release
		return nil
	}
	require.NoError(t, s.Submit(context.Background(), Task{Name: "busy", Run: block}))
	require.Eventually(t, func() bool { return s.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Submit(context.Background(), Task{Name: "queued", Run: block}))

	var g Gate
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, Task{Name: "gated", Run: noop, Gate: &g})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, g.enter(), "gate must be free after an abandoned submit")
}

func TestDistinctTasksRunConcurrently(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := make(chan struct{})
	run := func(ctx context.Context) error {
		wg.Done()
		<-barrier
		return nil
	}
	require.NoError(t, s.Submit(context.Background(), Task{Name: "job:a", Run: run}))
	require.NoError(t, s.Submit(context.Background(), Task{Name: "job:b", Run: run}))

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("tasks did not run concurrently")
	}
	assert.Equal(t, 2, s.Stats().Busy)
	close(barrier)
}

func TestPanicIsRecorded(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "job:p", Run: func(ctx context.Context) error { panic("boom") }}))
	require.Eventually(t, func() bool {
		r := s.Stats().Recent
		return len(r) == 1 && r[0].Error == "panic: boom"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().Failed)

	ran := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "job:q", Run: func(ctx context.Context) error { close(ran); return nil }}))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestSubmitValidation(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Submit(context.Background(), Task{Name: "x", Run: noop})
	assert.ErrorIs(t, err, ErrStopped)

	err = s.Submit(context.Background(), Task{Name: " ", Run: noop})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrStopped))

	assert.Error(t, s.Submit(context.Background(), Task{Name: "x"}))
	assert.False(t, s.Stats().Running)
}

func TestTimeoutAppliesToRun(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.Eventually(t, func() bool {
		r := s.Stats().Recent
		return len(r) == 1 && r[0].Error == context.DeadlineExceeded.Error()
	}, time.Second, 5*time.Millisecond)
}

func TestHistoryKeepsNewest(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, HistorySize: 2})
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Submit(context.Background(), Task{Name: name, Run: noop}))
	}
	require.Eventually(t, func() bool { return s.Stats().Completed == 3 }, time.Second, 5*time.Millisecond)
	r := s.Stats().Recent
	require.Len(t, r, 2)
	assert.Equal(t, "b", r[0].Name)
	assert.Equal(t, "c", r[1].Name)
}

func TestTaskEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Submit(context.Background(), Task{Name: "ok", Run: noop}))
	require.NoError(t, s.Submit(context.Background(), Task{Name: "bad", Run: func(context.Context) error { return errors.New("nope") }}))

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", got)
		}
	}
	assert.ElementsMatch(t, []string{eventbus.TaskFinished, eventbus.TaskFailed}, got)
}
