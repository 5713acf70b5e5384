package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"barkd/internal/metrics"
	"barkd/internal/notifier"
	logx "barkd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTriggers struct{ removed atomic.Int32 }

func (f *fakeTriggers) Remove(id string) bool {
	f.removed.Add(1)
	return true
}

func setupJob(t *testing.T, kind Kind, max uint32, n Deliverer) (*Registry, *Coordinator, *fakeTriggers, FiringContext) {
	t.Helper()
	reg := NewRegistry()
	tr := &fakeTriggers{}
	c := NewCoordinator(reg, tr, logx.Nop(), nil, nil)

	sched := Schedule{Kind: kind, Cron: "* * * * * *"}
	if kind == KindOnce {
		sched = Schedule{Kind: kind, At: time.Now().Add(time.Hour)}
	}
	j := newJob("job-"+string(kind), sched, payload("p"), max, time.Now())
	reg.Insert(j)
	fc := FiringContext{JobID: j.ID, Kind: kind, MaxOccurrences: j.MaxOccurrences, Payload: j.Payload, Notifier: n, State: j.state}
	return reg, c, tr, fc
}

func TestFireCronUnboundedReschedules(t *testing.T) {
	n := &recordingNotifier{}
	reg, c, _, fc := setupJob(t, KindCron, 0, n)

	for i := 0; i < 5; i++ {
		assert.Equal(t, Rescheduled, c.Fire(context.Background(), fc))
	}
	assert.Equal(t, 5, n.count())
	v, ok := reg.Get(fc.JobID)
	require.True(t, ok)
	assert.Equal(t, uint32(5), v.Occurrences)
}

func TestFireCronRetiresAtMax(t *testing.T) {
	for _, k := range []uint32{1, 2, 3, 7} {
		n := &recordingNotifier{}
		reg, c, tr, fc := setupJob(t, KindCron, k, n)

		var outcomes []Outcome
		for i := uint32(0); i < k+3; i++ {
			outcomes = append(outcomes, c.Fire(context.Background(), fc))
		}
		assert.Equal(t, int(k), n.count(), "k=%d", k)
		assert.Equal(t, Retired, outcomes[k-1])
		for _, o := range outcomes[k:] {
			assert.Equal(t, Skipped, o)
		}
		_, ok := reg.Get(fc.JobID)
		assert.False(t, ok)
		assert.True(t, fc.State.Cancelled())
		assert.Equal(t, int32(1), tr.removed.Load())
	}
}

func TestFireCancelledCronIsSkipped(t *testing.T) {
	n := &recordingNotifier{}
	reg, c, _, fc := setupJob(t, KindCron, 0, n)
	fc.State.Cancel()

	assert.Equal(t, Skipped, c.Fire(context.Background(), fc))
	assert.Equal(t, 0, n.count())
	assert.Equal(t, uint32(0), fc.State.Occurrences())
	// Registry left as-is on the cron skip path.
	assert.Equal(t, 1, reg.Len())
}

func TestFireCancelledOnceIsRemoved(t *testing.T) {
	n := &recordingNotifier{}
	reg, c, _, fc := setupJob(t, KindOnce, 0, n)
	fc.State.Cancel()

	assert.Equal(t, Skipped, c.Fire(context.Background(), fc))
	assert.Equal(t, 0, n.count())
	assert.Equal(t, 0, reg.Len())

	// Already gone: skipping again is silent.
	assert.Equal(t, Skipped, c.Fire(context.Background(), fc))
}

func TestFireOnceRetiresRegardlessOfDelivery(t *testing.T) {
	for _, deliverErr := range []error{nil, errors.New("boom")} {
		n := &recordingNotifier{err: deliverErr}
		reg, c, _, fc := setupJob(t, KindOnce, 0, n)
		assert.Equal(t, uint32(1), fc.MaxOccurrences)

		assert.Equal(t, Retired, c.Fire(context.Background(), fc))
		assert.Equal(t, 1, n.count())
		assert.Equal(t, 0, reg.Len())
	}
}

func TestFailedDeliveryStillCounts(t *testing.T) {
	n := &recordingNotifier{err: errors.New("gateway down")}
	reg, c, _, fc := setupJob(t, KindCron, 2, n)

	assert.Equal(t, Rescheduled, c.Fire(context.Background(), fc))
	assert.Equal(t, Retired, c.Fire(context.Background(), fc))
	assert.Equal(t, 2, n.count())
	assert.Equal(t, 0, reg.Len())
}

func TestConcurrentFiringsDoNotLoseCounts(t *testing.T) {
	n := &recordingNotifier{}
	reg, c, _, fc := setupJob(t, KindCron, 0, n)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Fire(context.Background(), fc)
		}()
	}
	wg.Wait()
	v, ok := reg.Get(fc.JobID)
	require.True(t, ok)
	assert.Equal(t, uint32(100), v.Occurrences)
	assert.Equal(t, 100, n.count())
}

func TestConcurrentFiringsPastMaxRetire(t *testing.T) {
	n := &recordingNotifier{}
	reg, c, tr, fc := setupJob(t, KindCron, 10, n)

	var wg sync.WaitGroup
	var retired atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Fire(context.Background(), fc) == Retired {
				retired.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, retired.Load(), int32(1))
	assert.GreaterOrEqual(t, tr.removed.Load(), int32(1))
	assert.True(t, fc.State.Cancelled())
	assert.Equal(t, 0, reg.Len())
	// Counter is never incremented by skipped firings.
	assert.Equal(t, uint32(n.count()), fc.State.Occurrences())
}

func TestRemoveRacingFiringAllowsAtMostOneDelivery(t *testing.T) {
	for i := 0; i < 200; i++ {
		n := &recordingNotifier{}
		reg, c, _, fc := setupJob(t, KindCron, 0, n)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			c.Fire(context.Background(), fc)
		}()
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, reg.Remove(fc.JobID))
		}()
		close(start)
		wg.Wait()

		assert.LessOrEqual(t, n.count(), 1)
		assert.Equal(t, 0, reg.Len())
		// Any firing after removal is a no-op.
		assert.Equal(t, Skipped, c.Fire(context.Background(), fc))
		assert.LessOrEqual(t, n.count(), 1)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "j" + string(rune('a'+i))
			reg.Insert(newJob(id, Schedule{Kind: KindCron, Cron: "* * * * * *"}, payload("x"), 0, time.Now()))
			_ = reg.List()
			_, _ = reg.Get(id)
			if i%2 == 0 {
				assert.NoError(t, reg.Remove(id))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, reg.Len())
	assert.Len(t, reg.List(), 10)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "rescheduled", Rescheduled.String())
	assert.Equal(t, "retired", Retired.String())
}

// removingNotifier removes the job mid-delivery, as a concurrent DELETE would.
type removingNotifier struct {
	reg *Registry
	m   *metrics.Collector
}

func (r *removingNotifier) Deliver(ctx context.Context, p notifier.Payload) (notifier.Ack, error) {
	if r.reg.Remove(notifier.JobIDFrom(ctx)) == nil {
		r.m.Retired("removed")
	}
	return notifier.Ack{Code: 200}, nil
}

func TestRetiredCountedOnceWhenRemoveWinsRace(t *testing.T) {
	for _, tc := range []struct {
		kind   Kind
		max    uint32
		reason string
	}{
		{KindOnce, 1, "completed"},
		{KindCron, 1, "exhausted"},
	} {
		m := metrics.NewCollector()
		reg := NewRegistry()
		c := NewCoordinator(reg, &fakeTriggers{}, logx.Nop(), nil, m)
		j := newJob("race-"+string(tc.kind), Schedule{Kind: tc.kind, Cron: "* * * * * *", At: time.Now().Add(time.Hour)}, payload("p"), tc.max, time.Now())
		reg.Insert(j)
		fc := FiringContext{JobID: j.ID, Kind: tc.kind, MaxOccurrences: tc.max, Payload: j.Payload, Notifier: &removingNotifier{reg: reg, m: m}, State: j.state}

		assert.Equal(t, Retired, c.Fire(context.Background(), fc))
		text := gatherText(t, m)
		assert.Contains(t, text, `barkd_jobs_retired_total{reason="removed"} 1`)
		assert.NotContains(t, text, `reason="`+tc.reason+`"`)
	}
}
