package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediremind/localdb"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/clock"
)

func TestRunOnceUnknown(t *testing.T) {
	r := NewRunner(clock.RealClock{}, time.UTC)
	if err := r.RunOnce(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Got err %v, want ErrUnknownJob", err)
	}
}

func TestRunOncePropagatesError(t *testing.T) {
	errBoom := errors.New("boom")
	r := NewRunner(clock.RealClock{}, time.UTC)
	r.Register(Job{Name: "j", Period: time.Minute, Func: func(ctx context.Context) error { return errBoom }})

	if err := r.RunOnce(context.Background(), "j"); !errors.Is(err, errBoom) {
		t.Errorf("Got err %v, want errBoom", err)
	}
}

// blockingJob returns a job func that signals when it starts and then waits
// for release.
func blockingJob() (func(ctx context.Context) error, <-chan struct{}, chan<- struct{}) {
	started := make(chan struct{}, 16)
	release := make(chan struct{})
	return func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}, started, release
}

func TestOverlappingRunSkipped(t *testing.T) {
	ctx := context.Background()
	fn, started, release := blockingJob()

	r := NewRunner(clock.RealClock{}, time.UTC)
	r.Register(Job{Name: "j", Period: time.Minute, Func: fn})

	done := make(chan error)
	go func() { done <- r.RunOnce(ctx, "j") }()
	<-started

	if err := r.RunOnce(ctx, "j"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Overlapping run: got err %v, want ErrAlreadyRunning", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Unexpected error from first run: %v", err)
	}

	if err := r.RunOnce(ctx, "j"); err != nil {
		t.Errorf("Run after completion: unexpected error %v", err)
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisLease(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	a := NewRedisLease(rdb, "a")
	b := NewRedisLease(rdb, "b")

	ok, err := a.Acquire(ctx, "job", time.Minute)
	if err != nil || !ok {
		t.Fatalf("First acquire: ok=%v err=%v", ok, err)
	}
	ok, err = b.Acquire(ctx, "job", time.Minute)
	if err != nil || ok {
		t.Fatalf("Contended acquire: ok=%v err=%v, want ok=false", ok, err)
	}

	// Releasing a lease held by someone else is a no-op.
	if err := b.Release(ctx, "job"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got, err := mr.Get(redisLeaseKey("job")); err != nil || got != "a" {
		t.Errorf("Lease key = %q, %v; want held by a", got, err)
	}

	mr.FastForward(2 * time.Minute)
	ok, err = b.Acquire(ctx, "job", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire after expiry: ok=%v err=%v", ok, err)
	}

	if err := b.Release(ctx, "job"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if mr.Exists(redisLeaseKey("job")) {
		t.Errorf("Lease key still present after release by holder")
	}
}

func TestLeaseExcludesOtherReplica(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	fn, started, release := blockingJob()

	replicaA := NewRunner(clock.RealClock{}, time.UTC, WithLease(NewRedisLease(rdb, "a"), time.Minute))
	replicaA.Register(Job{Name: "j", Period: time.Minute, Func: fn})

	ran := 0
	replicaB := NewRunner(clock.RealClock{}, time.UTC, WithLease(NewRedisLease(rdb, "b"), time.Minute))
	replicaB.Register(Job{Name: "j", Period: time.Minute, Func: func(ctx context.Context) error {
		ran++
		return nil
	}})

	done := make(chan error)
	go func() { done <- replicaA.RunOnce(ctx, "j") }()
	<-started

	if err := replicaB.RunOnce(ctx, "j"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Run on second replica: got err %v, want ErrAlreadyRunning", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := replicaB.RunOnce(ctx, "j"); err != nil {
		t.Errorf("Run after release: unexpected error %v", err)
	}
	if ran != 1 {
		t.Errorf("Second replica ran %d times, want 1", ran)
	}
}

func TestStoreLease(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	defer db.Close()

	fc := clock.NewFakeClock(time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC))
	a := NewStoreLease(db, fc, "a")
	b := NewStoreLease(db, fc, "b")

	if ok, err := a.Acquire(ctx, "job", time.Minute); err != nil || !ok {
		t.Fatalf("First acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := b.Acquire(ctx, "job", time.Minute); err != nil || ok {
		t.Fatalf("Contended acquire: ok=%v err=%v", ok, err)
	}
	if err := a.Release(ctx, "job"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok, err := b.Acquire(ctx, "job", time.Minute); err != nil || !ok {
		t.Fatalf("Acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestBoundaries(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*60*60)
	cases := []struct {
		desc     string
		now      time.Time
		period   time.Duration
		offset   time.Duration
		loc      *time.Location
		wantPrev time.Time
		wantNext time.Time
	}{
		{
			desc:     "minute",
			now:      time.Date(2024, 3, 9, 8, 0, 30, 0, time.UTC),
			period:   time.Minute,
			loc:      time.UTC,
			wantPrev: time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 9, 8, 1, 0, 0, time.UTC),
		},
		{
			desc:     "minute on the boundary",
			now:      time.Date(2024, 3, 9, 8, 1, 0, 0, time.UTC),
			period:   time.Minute,
			loc:      time.UTC,
			wantPrev: time.Date(2024, 3, 9, 8, 1, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 9, 8, 2, 0, 0, time.UTC),
		},
		{
			desc:     "hour",
			now:      time.Date(2024, 3, 9, 8, 59, 59, 0, time.UTC),
			period:   time.Hour,
			loc:      time.UTC,
			wantPrev: time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 9, 9, 0, 0, 0, time.UTC),
		},
		{
			desc:     "hour with offset",
			now:      time.Date(2024, 3, 9, 8, 10, 0, 0, time.UTC),
			period:   time.Hour,
			offset:   15 * time.Minute,
			loc:      time.UTC,
			wantPrev: time.Date(2024, 3, 9, 7, 15, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 9, 8, 15, 0, 0, time.UTC),
		},
		{
			desc:     "local midnight",
			now:      time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC),
			period:   24 * time.Hour,
			loc:      tokyo,
			wantPrev: time.Date(2024, 3, 8, 15, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC),
		},
		{
			desc:     "evening, before it",
			now:      time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
			period:   24 * time.Hour,
			offset:   20 * time.Hour,
			loc:      time.UTC,
			wantPrev: time.Date(2024, 3, 8, 20, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC),
		},
		{
			desc:     "evening, after it",
			now:      time.Date(2024, 3, 9, 21, 0, 0, 0, time.UTC),
			period:   24 * time.Hour,
			offset:   20 * time.Hour,
			loc:      time.UTC,
			wantPrev: time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC),
		},
		{
			desc:     "evening in a shifted zone",
			now:      time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
			period:   24 * time.Hour,
			offset:   20 * time.Hour,
			loc:      tokyo,
			wantPrev: time.Date(2024, 3, 9, 11, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC),
		},
		{
			desc:     "sunday evening",
			now:      time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
			period:   7 * 24 * time.Hour,
			offset:   WeeklyOffset(time.Sunday, 20*time.Hour),
			loc:      time.UTC,
			wantPrev: time.Date(2024, 3, 3, 20, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC),
		},
		{
			desc:     "sunday evening, on it",
			now:      time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC),
			period:   7 * 24 * time.Hour,
			offset:   WeeklyOffset(time.Sunday, 20*time.Hour),
			loc:      time.UTC,
			wantPrev: time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 3, 17, 20, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			prev, next := Boundaries(tc.now, tc.period, tc.offset, tc.loc)
			if !prev.Equal(tc.wantPrev) || !next.Equal(tc.wantNext) {
				t.Errorf("Boundaries(%v, %v, %v) = (%v, %v), want (%v, %v)", tc.now, tc.period, tc.offset, prev, next, tc.wantPrev, tc.wantNext)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	r := NewRunner(clock.RealClock{}, time.UTC)
	r.Register(Job{Name: "report", Period: 24 * time.Hour, Offset: 20 * time.Hour, Func: func(ctx context.Context) error { return nil }})

	got, err := r.NextRun("report", time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if want := time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}

	if _, err := r.NextRun("nope", time.Now()); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Got err %v, want ErrUnknownJob", err)
	}
}

// Each replica's schedule fires for the same tick; only one may run it, even
// after the first has finished and released the in-flight lease.
func TestTickRunsOnceAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	defer db.Close()
	_, rdb := newRedis(t)

	fc := clock.NewFakeClock(time.Date(2024, 3, 9, 8, 0, 1, 0, time.UTC))
	tick := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)

	leases := []struct {
		desc string
		a, b Lease
	}{
		{"store", NewStoreLease(db, fc, "replica-a"), NewStoreLease(db, fc, "replica-b")},
		{"redis", NewRedisLease(rdb, "replica-a"), NewRedisLease(rdb, "replica-b")},
	}
	for _, l := range leases {
		t.Run(l.desc, func(t *testing.T) {
			ran := 0
			job := Job{Name: "reminders", Period: time.Minute, Func: func(ctx context.Context) error {
				ran++
				return nil
			}}

			replicaA := NewRunner(fc, time.UTC, WithLease(l.a, time.Minute))
			replicaA.Register(job)
			replicaB := NewRunner(fc, time.UTC, WithLease(l.b, time.Minute))
			replicaB.Register(job)

			if err := replicaA.RunTick(ctx, "reminders", tick); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if err := replicaB.RunTick(ctx, "reminders", tick); !errors.Is(err, ErrTickClaimed) {
				t.Errorf("Second replica: got err %v, want ErrTickClaimed", err)
			}
			if err := replicaA.RunTick(ctx, "reminders", tick); !errors.Is(err, ErrTickClaimed) {
				t.Errorf("Repeat on first replica: got err %v, want ErrTickClaimed", err)
			}
			if ran != 1 {
				t.Errorf("Tick ran %d times, want 1", ran)
			}

			// The next tick is free for whichever replica gets there first.
			if err := replicaB.RunTick(ctx, "reminders", tick.Add(time.Minute)); err != nil {
				t.Errorf("Next tick: unexpected error %v", err)
			}
			if ran != 2 {
				t.Errorf("Ran %d times after next tick, want 2", ran)
			}
		})
	}
}

func TestFailedTickCanBeRetried(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	tick := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	errBoom := errors.New("boom")
	a := NewRunner(clock.RealClock{}, time.UTC, WithLease(NewRedisLease(rdb, "a"), time.Minute))
	a.Register(Job{Name: "j", Period: 24 * time.Hour, Func: func(ctx context.Context) error { return errBoom }})

	ran := false
	b := NewRunner(clock.RealClock{}, time.UTC, WithLease(NewRedisLease(rdb, "b"), time.Minute))
	b.Register(Job{Name: "j", Period: 24 * time.Hour, Func: func(ctx context.Context) error {
		ran = true
		return nil
	}})

	if err := a.RunTick(ctx, "j", tick); !errors.Is(err, errBoom) {
		t.Fatalf("Got err %v, want errBoom", err)
	}
	if err := b.RunTick(ctx, "j", tick); err != nil {
		t.Fatalf("Retry on other replica: unexpected error %v", err)
	}
	if !ran {
		t.Errorf("Retry didn't run the job")
	}
}

func TestRunSchedulesOnBoundaries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.NewFakeClock(time.Date(2024, 3, 9, 8, 0, 30, 0, time.UTC))
	r := NewRunner(fc, time.UTC)

	runs := make(chan time.Time, 16)
	r.Register(Job{Name: "every-minute", Period: time.Minute, Func: func(ctx context.Context) error {
		runs <- fc.Now()
		return nil
	}})

	done := make(chan error)
	go func() { done <- r.Run(ctx) }()

	var got []time.Time
	got = append(got, <-runs)

	for i := 0; i < 2; i++ {
		waitForWaiters(t, fc)
		fc.Step(time.Minute)
		got = append(got, <-runs)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	want := []time.Time{
		time.Date(2024, 3, 9, 8, 0, 30, 0, time.UTC),
		time.Date(2024, 3, 9, 8, 1, 30, 0, time.UTC),
		time.Date(2024, 3, 9, 8, 2, 30, 0, time.UTC),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad run times; diff (-got +want)\n%s", diff)
	}
}

func TestRunSkipStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.NewFakeClock(time.Date(2024, 3, 9, 8, 0, 30, 0, time.UTC))
	r := NewRunner(fc, time.UTC)

	runs := make(chan time.Time, 16)
	r.Register(Job{Name: "quiet-start", Period: time.Minute, SkipStartup: true, Func: func(ctx context.Context) error {
		runs <- fc.Now()
		return nil
	}})

	done := make(chan error)
	go func() { done <- r.Run(ctx) }()

	waitForWaiters(t, fc)
	select {
	case at := <-runs:
		t.Fatalf("Job ran at startup (%v)", at)
	default:
	}

	fc.Step(time.Minute)
	if got, want := <-runs, time.Date(2024, 3, 9, 8, 1, 30, 0, time.UTC); !got.Equal(want) {
		t.Errorf("First run at %v, want %v", got, want)
	}

	cancel()
	<-done
}

// waitForWaiters blocks until every scheduled job is waiting on fc.
func waitForWaiters(t *testing.T, fc *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fc.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for the schedule to block on the clock")
		}
		time.Sleep(time.Millisecond)
	}
}
