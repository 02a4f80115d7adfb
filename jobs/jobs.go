// Package jobs runs named periodic jobs and guarantees that no two
// invocations of the same job overlap, in this process or, given a Lease,
// across replicas.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/apimachinery/pkg/util/clock"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
	ErrTickClaimed    = errors.New("tick already claimed")
)

// Names of the jobs wired up by the server and medtool.
const (
	DispatchReminders = "dispatch-reminders"
	DetectMissedDoses = "detect-missed-doses"
	DailyRollup       = "daily-rollup"
	DailyReport       = "daily-report"
	WeeklyReport      = "weekly-report"
	GC                = "gc"
)

type Job struct {
	Name   string
	Period time.Duration
	Func   func(ctx context.Context) error

	// Where in each period the job fires.  For whole-day periods this is the
	// local wall-clock time of day, counted from the first day of the period
	// (see WeeklyOffset).
	Offset time.Duration

	// Don't run when the schedule starts, only on period boundaries.
	SkipStartup bool
}

// Lease is a named, expiring lock shared between replicas.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

type entry struct {
	job     Job
	running sync.Mutex

	// Last tick this process claimed; guarded by running.
	lastTick time.Time
}

type Runner struct {
	clock clock.Clock
	loc   *time.Location

	lease    Lease
	leaseTTL time.Duration

	mu   sync.Mutex
	jobs map[string]*entry

	runCount       *stats.Int64Measure
	runCountView   *view.View
	runLatency     *stats.Float64Measure
	runLatencyView *view.View
}

type RunnerOpt func(*Runner)

// WithLease makes every run hold lease for the job's name, and every
// scheduled tick claim "<name>@<tick>" until a period after it.  ttl bounds
// how long a crashed holder blocks other replicas.
func WithLease(l Lease, ttl time.Duration) RunnerOpt {
	return func(r *Runner) {
		r.lease = l
		r.leaseTTL = ttl
	}
}

var (
	jobKey    = tag.MustNewKey("job")
	resultKey = tag.MustNewKey("result")
)

func NewRunner(c clock.Clock, loc *time.Location, opts ...RunnerOpt) *Runner {
	r := &Runner{
		clock:    c,
		loc:      loc,
		leaseTTL: 10 * time.Minute,
		jobs:     map[string]*entry{},
	}
	for _, o := range opts {
		o(r)
	}

	r.runCount = stats.Int64("jobs/runs", "", stats.UnitDimensionless)
	r.runCountView = &view.View{
		Name:        "jobs/runs",
		Description: "Counter of job invocations by result",

		TagKeys: []tag.Key{jobKey, resultKey},

		Measure:     r.runCount,
		Aggregation: view.Count(),
	}
	r.runLatency = stats.Float64("jobs/latency", "", stats.UnitMilliseconds)
	r.runLatencyView = &view.View{
		Name:        "jobs/latency",
		Description: "Job run latency",

		TagKeys: []tag.Key{jobKey},

		Measure:     r.runLatency,
		Aggregation: view.Distribution(10, 100, 1000, 10000, 60000, 600000),
	}

	return r
}

func (r *Runner) RegisterMetrics() error {
	return view.Register(r.runCountView, r.runLatencyView)
}

func (r *Runner) Register(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.Name] = &entry{job: j}
}

func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for n := range r.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) lookup(name string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownJob)
	}
	return e, nil
}

// RunOnce invokes the named job now, outside its schedule.  It returns
// ErrAlreadyRunning, without running anything, if an invocation is already in
// flight here or on another replica holding the lease.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	if !e.running.TryLock() {
		r.record(ctx, name, "skipped")
		return fmt.Errorf("%q in this process: %w", name, ErrAlreadyRunning)
	}
	defer e.running.Unlock()

	return r.run(ctx, e)
}

// RunTick invokes the named job for the schedule period starting at tick.
// Each tick runs at most once across all replicas sharing the lease: the
// claim on it is kept after a successful run, and only dropped if the run
// fails.  A tick that was already claimed returns ErrTickClaimed.
func (r *Runner) RunTick(ctx context.Context, name string, tick time.Time) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	if !e.running.TryLock() {
		r.record(ctx, name, "skipped")
		return fmt.Errorf("%q in this process: %w", name, ErrAlreadyRunning)
	}
	defer e.running.Unlock()

	if e.lastTick.Equal(tick) {
		r.record(ctx, name, "skipped")
		return fmt.Errorf("%q at %v in this process: %w", name, tick, ErrTickClaimed)
	}

	claim := tickLeaseName(name, tick)
	if r.lease != nil {
		// The claim must outlive every replica's view of the tick, so it
		// lasts a full period past the lease TTL.
		ok, err := r.lease.Acquire(ctx, claim, e.job.Period+r.leaseTTL)
		if err != nil {
			r.record(ctx, name, "error")
			return fmt.Errorf("while claiming tick %v of %q: %w", tick, name, err)
		}
		if !ok {
			r.record(ctx, name, "skipped")
			return fmt.Errorf("%q at %v on another replica: %w", name, tick, ErrTickClaimed)
		}
	}
	e.lastTick = tick

	if err := r.run(ctx, e); err != nil {
		e.lastTick = time.Time{}
		if r.lease != nil {
			r.release(claim)
		}
		return err
	}
	return nil
}

func tickLeaseName(name string, tick time.Time) string {
	return name + "@" + tick.UTC().Format(time.RFC3339)
}

func (r *Runner) release(name string) {
	// Use a fresh context so cancellation doesn't strand the lease until its
	// TTL.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.lease.Release(ctx, name); err != nil {
		glog.Errorf("Error releasing lease %q: %v", name, err)
	}
}

// run invokes e with the in-flight lease held.  The caller holds e.running.
func (r *Runner) run(ctx context.Context, e *entry) error {
	name := e.job.Name

	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx, name, r.leaseTTL)
		if err != nil {
			r.record(ctx, name, "error")
			return fmt.Errorf("while acquiring lease for %q: %w", name, err)
		}
		if !ok {
			r.record(ctx, name, "skipped")
			return fmt.Errorf("%q on another replica: %w", name, ErrAlreadyRunning)
		}
		defer r.release(name)
	}

	ctx, span := otel.Tracer("mediremind/jobs").Start(ctx, "Runner.run")
	defer span.End()
	span.SetAttributes(attribute.String("job", name))

	glog.Infof("Starting job %q", name)
	start := r.clock.Now()
	err := e.job.Func(ctx)
	elapsed := r.clock.Since(start)

	stats.RecordWithOptions(
		ctx,
		stats.WithTags(tag.Insert(jobKey, name)),
		stats.WithMeasurements(r.runLatency.M(float64(elapsed)/float64(time.Millisecond))))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.record(ctx, name, "error")
		glog.Errorf("Job %q failed after %v: %v", name, elapsed, err)
		return fmt.Errorf("while running job %q: %w", name, err)
	}

	r.record(ctx, name, "ok")
	glog.Infof("Finished job %q in %v", name, elapsed)
	return nil
}

func (r *Runner) record(ctx context.Context, name, result string) {
	stats.RecordWithOptions(
		ctx,
		stats.WithTags(
			tag.Insert(jobKey, name),
			tag.Insert(resultKey, result),
		),
		stats.WithMeasurements(r.runCount.M(1)))
}

// Boundaries returns the latest schedule boundary at or before now and the
// first one after it.
//
// Sub-day periods are aligned to the Unix epoch, then shifted by offset.
// Whole-day periods start at local midnight on days whose civil day number
// (days since 1970-01-01, a Thursday) is a multiple of the period, and fire
// offset into the period on the local wall clock.
func Boundaries(now time.Time, period, offset time.Duration, loc *time.Location) (prev, next time.Time) {
	offset %= period
	if offset < 0 {
		offset += period
	}

	const day = 24 * time.Hour
	if period < day || period%day != 0 {
		b := now.Truncate(period).Add(offset)
		if b.After(now) {
			return b.Add(-period), b
		}
		return b, b.Add(period)
	}

	days := int(period / day)
	local := now.In(loc)
	civil := int(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC).Unix() / int64(day/time.Second))
	first := local.Day() - mod(civil, days)
	at := func(k int) time.Time {
		return time.Date(local.Year(), local.Month(), first+k*days, 0, 0, int(offset/time.Second), 0, loc)
	}

	k := 0
	for !at(k).After(now) {
		k++
	}
	return at(k - 1), at(k)
}

// NextBoundary is the first schedule boundary after now.
func NextBoundary(now time.Time, period, offset time.Duration, loc *time.Location) time.Time {
	_, next := Boundaries(now, period, offset, loc)
	return next
}

// WeeklyOffset is the Offset of a 7-day job firing on weekday at timeOfDay.
func WeeklyOffset(weekday time.Weekday, timeOfDay time.Duration) time.Duration {
	return time.Duration(mod(int(weekday-time.Thursday), 7))*24*time.Hour + timeOfDay
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// NextRun is when the named job's schedule next fires after now.
func (r *Runner) NextRun(name string, now time.Time) (time.Time, error) {
	e, err := r.lookup(name)
	if err != nil {
		return time.Time{}, err
	}
	return NextBoundary(now, e.job.Period, e.job.Offset, r.loc), nil
}

// Run starts every registered job on its schedule and blocks until ctx is
// done.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	var entries []*entry
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.schedule(ctx, e.job)
		}()
	}
	wg.Wait()

	return ctx.Err()
}

func (r *Runner) schedule(ctx context.Context, j Job) {
	// Catch up on the current period right away, unless some replica
	// already ran it; the next boundary may be a day off.
	if !j.SkipStartup {
		prev, _ := Boundaries(r.clock.Now(), j.Period, j.Offset, r.loc)
		r.runLogged(ctx, j.Name, prev)
	}

	for {
		now := r.clock.Now()
		tick := NextBoundary(now, j.Period, j.Offset, r.loc)
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(tick.Sub(now)):
		}

		// A run still in flight at the next boundary makes that tick skip.
		go r.runLogged(ctx, j.Name, tick)
	}
}

func (r *Runner) runLogged(ctx context.Context, name string, tick time.Time) {
	err := r.RunTick(ctx, name, tick)
	if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrTickClaimed) {
		glog.Warningf("Skipping tick of job %q: %v", name, err)
		return
	}
	if err != nil {
		glog.Errorf("Error during job pass: %v", err)
	}
}
