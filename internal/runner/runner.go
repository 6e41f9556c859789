// Package runner is the poll-and-dispatch loop: on every tick it reads the
// due schedules, checks quota, hands allowed scans to a Scanner and reports
// completions back to the schedule registry and the quota service.
package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"scand/internal/eventbus"
	"scand/internal/quota"
	"scand/internal/schedule"
	logx "scand/pkg/logx"
)

var ErrRunning = errors.New("runner already running")

type Config struct {
	Tick        string        // see ParseTick
	Workers     int           // concurrent scans
	RatePerSec  float64       // scan starts per second; 0 = unlimited
	Burst       int           // limiter burst; default Workers
	ScanTimeout time.Duration // per attempt; 0 = none
	RetryMax    int           // extra scan attempts after the first
	Backoff     Backoff
	// StoreRetryMax bounds attempts when recording a completion hits an
	// unavailable store.
	StoreRetryMax int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Burst <= 0 {
		c.Burst = c.Workers
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.StoreRetryMax <= 0 {
		c.StoreRetryMax = 5
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// QuotaGate is the part of the quota service the runner needs.
type QuotaGate interface {
	Check(ctx context.Context, subscriberID string) (quota.State, quota.Decision, error)
	ApplyUsage(ctx context.Context, subscriberID string, delta int64) (quota.State, error)
}

// ScheduleSource is the part of the schedule registry the runner needs.
type ScheduleSource interface {
	Due(ctx context.Context, now time.Time) iter.Seq2[schedule.Definition, error]
	OnFired(ctx context.Context, documentID string, firedAt time.Time) (schedule.Definition, error)
	Skip(ctx context.Context, documentID string, at time.Time) (schedule.Definition, error)
}

type Deps struct {
	Scanner   Scanner
	Quota     QuotaGate
	Schedules ScheduleSource
	Publisher eventbus.Publisher
	Log       logx.Logger
	Now       func() time.Time
	Location  *time.Location // cron location for tick expressions
}

// Completed is the payload of scan_completed events.
type Completed struct {
	RunID        string        `json:"run_id"`
	DocumentID   string        `json:"document_id"`
	SubscriberID string        `json:"subscriber_id"`
	DocumentName string        `json:"document_name"`
	DueAt        time.Time     `json:"due_at"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	Attempts     int           `json:"attempts"`
	NextRun      time.Time     `json:"next_run"`
	Error        string        `json:"error,omitempty"`
}

// TickReport summarizes one pass over the due schedules.
type TickReport struct {
	Due          int
	Dispatched   int
	InFlight     int // already running from an earlier tick
	QuotaSkipped int // advanced without running
	Deferred     int // quota unknown; left due for the next tick
}

type Runner struct {
	scanner Scanner
	quota   QuotaGate
	sched   ScheduleSource
	pub     eventbus.Publisher
	log     logx.Logger
	now     func() time.Time
	loc     *time.Location
	warn    *logx.Throttle

	mu       sync.Mutex
	cfg      Config
	spec     TickSpec
	limiter  *rate.Limiter
	slots    chan struct{}
	inflight map[string]struct{}
	pending  map[string]int64 // dispatched, not yet charged, per subscriber
	c        *cron.Cron
	runCtx   context.Context
	cancel   context.CancelFunc

	// charge is held across Check+reserve and ApplyUsage+unreserve so a
	// tick never sees a scan both as stored usage and as pending.
	charge sync.Mutex

	ticking atomic.Bool
	jobs    sync.WaitGroup
	ticks   sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Scanner == nil || deps.Quota == nil || deps.Schedules == nil {
		return nil, errors.New("runner: scanner, quota and schedules are required")
	}
	cfg = cfg.withDefaults()
	spec, err := ParseTick(cfg.Tick)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		scanner:  deps.Scanner,
		quota:    deps.Quota,
		sched:    deps.Schedules,
		pub:      deps.Publisher,
		log:      deps.Log,
		now:      deps.Now,
		loc:      deps.Location,
		warn:     logx.NewThrottle(5 * time.Second),
		cfg:      cfg,
		spec:     spec,
		limiter:  rate.NewLimiter(limitOf(cfg.RatePerSec), cfg.Burst),
		slots:    make(chan struct{}, cfg.Workers),
		inflight: map[string]struct{}{},
		pending:  map[string]int64{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.loc == nil {
		r.loc = time.Local
	}
	return r, nil
}

func limitOf(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// Apply swaps tunables at runtime. Running scans keep the worker slot they
// acquired; a changed tick spec re-registers the cron trigger.
func (r *Runner) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	spec, err := ParseTick(cfg.Tick)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.cfg
	r.cfg = cfg
	r.limiter.SetLimit(limitOf(cfg.RatePerSec))
	r.limiter.SetBurst(cfg.Burst)
	if cfg.Workers != old.Workers {
		r.slots = make(chan struct{}, cfg.Workers)
	}
	if spec.Cron != r.spec.Cron {
		r.spec = spec
		if r.c != nil {
			if err := r.restartCronLocked(); err != nil {
				return err
			}
		}
	}
	r.log.Info("runner config applied",
		logx.String("tick", spec.Cron),
		logx.Int("workers", cfg.Workers),
		logx.Any("rate", cfg.RatePerSec),
	)
	return nil
}

// Start registers the tick trigger and runs one tick immediately, so
// schedules that became due while the process was down fire right away.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return ErrRunning
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	if err := r.restartCronLocked(); err != nil {
		r.cancel()
		return err
	}
	runCtx := r.runCtx
	r.ticks.Add(1)
	go func() {
		defer r.ticks.Done()
		r.tick(runCtx)
	}()
	r.log.Info("runner started", logx.String("tick", r.spec.Cron), logx.String("tz", r.loc.String()))
	return nil
}

func (r *Runner) restartCronLocked() error {
	if r.c != nil {
		r.c.Stop()
	}
	cl := cronLogger{log: r.log}
	c := cron.New(
		cron.WithParser(tickParser),
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	runCtx := r.runCtx
	if _, err := c.AddFunc(r.spec.Cron, func() {
		r.ticks.Add(1)
		defer r.ticks.Done()
		r.tick(runCtx)
	}); err != nil {
		return fmt.Errorf("runner: register tick %q: %w", r.spec.Cron, err)
	}
	c.Start()
	r.c = c
	return nil
}

// Stop stops ticking and waits for running scans. When ctx ends first the
// scans are cancelled; their schedules stay due for the next start.
func (r *Runner) Stop(ctx context.Context) {
	start := time.Now()
	r.mu.Lock()
	c, cancel := r.c, r.cancel
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		r.ticks.Wait()
		r.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("runner stop timed out, cancelling scans")
		cancel()
		<-done
	}
	cancel()
	r.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
}

// Wait blocks until every dispatched scan has finished.
func (r *Runner) Wait() { r.jobs.Wait() }

func (r *Runner) tick(ctx context.Context) {
	if !r.ticking.CompareAndSwap(false, true) {
		r.log.Debug("tick skipped, previous tick still dispatching")
		return
	}
	defer r.ticking.Store(false)

	rep, err := r.Tick(ctx, r.now())
	if err != nil && ctx.Err() == nil {
		if r.warn.Allow("tick", time.Now()) {
			r.log.Warn("tick incomplete", logx.Err(err))
		}
	}
	if rep.Due > 0 {
		r.log.Debug("tick",
			logx.Int("due", rep.Due),
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("in_flight", rep.InFlight),
			logx.Int("quota_skipped", rep.QuotaSkipped),
			logx.Int("deferred", rep.Deferred),
		)
	}
}

// Tick runs one pass over the schedules due at now. It returns once every
// allowed scan has been dispatched; scans finish in the background.
func (r *Runner) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	var rep TickReport
	for def, err := range r.sched.Due(ctx, now) {
		if err != nil {
			return rep, err
		}
		rep.Due++
		if !r.claim(def.DocumentID) {
			rep.InFlight++
			continue
		}

		r.charge.Lock()
		st, dec, err := r.quota.Check(ctx, def.SubscriberID)
		if err == nil && !dec.NeedsUpgrade && !r.reserve(def.SubscriberID, st) {
			dec.NeedsUpgrade = true
		}
		r.charge.Unlock()
		if err != nil {
			r.release(def.DocumentID)
			rep.Deferred++
			if r.warn.Allow("quota:"+def.SubscriberID, time.Now()) {
				r.log.Warn("quota check failed, retrying next tick",
					logx.String("document", def.DocumentID),
					logx.String("subscriber", def.SubscriberID),
					logx.Err(err),
				)
			}
			continue
		}
		if dec.NeedsUpgrade {
			r.skip(ctx, def, now)
			r.release(def.DocumentID)
			rep.QuotaSkipped++
			continue
		}

		if err := r.dispatch(ctx, def, now); err != nil {
			r.unreserve(def.SubscriberID)
			r.release(def.DocumentID)
			return rep, err
		}
		rep.Dispatched++
	}
	return rep, nil
}

func (r *Runner) skip(ctx context.Context, def schedule.Definition, now time.Time) {
	next, err := r.sched.Skip(ctx, def.DocumentID, now)
	if err != nil && !errors.Is(err, schedule.ErrNotFound) {
		r.log.Warn("skip failed", logx.String("document", def.DocumentID), logx.Err(err))
		return
	}
	if r.warn.Allow("upgrade:"+def.SubscriberID, time.Now()) {
		r.log.Info("scan skipped, upgrade required",
			logx.String("document", def.DocumentID),
			logx.String("subscriber", def.SubscriberID),
			logx.Time("next_run", next.NextRun),
		)
	}
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

// reserve counts one more scan against the subscriber unless stored usage
// plus scans already dispatched would reach the limit.
func (r *Runner) reserve(subscriberID string, st quota.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.pending[subscriberID]
	st.ScansUsed += pending
	if quota.Evaluate(st).NeedsUpgrade {
		return false
	}
	r.pending[subscriberID] = pending + 1
	return true
}

func (r *Runner) unreserve(subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.pending[subscriberID] - 1; n > 0 {
		r.pending[subscriberID] = n
	} else {
		delete(r.pending, subscriberID)
	}
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

func (r *Runner) dispatch(ctx context.Context, def schedule.Definition, dueAt time.Time) error {
	r.mu.Lock()
	lim, slots := r.limiter, r.slots
	r.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() { <-slots }()
		defer r.release(def.DocumentID)
		r.execute(ctx, def, dueAt)
	}()
	return nil
}

func (r *Runner) execute(ctx context.Context, def schedule.Definition, dueAt time.Time) {
	runID := uuid.NewString()
	log := r.log.With(logx.String("run", runID), logx.String("document", def.DocumentID))
	start := r.now()
	charged := false
	defer func() {
		if !charged {
			r.unreserve(def.SubscriberID)
		}
	}()

	attempts, err := r.scan(ctx, log, Job{RunID: runID, Definition: def, DueAt: dueAt})
	finished := r.now()
	done := Completed{
		RunID:        runID,
		DocumentID:   def.DocumentID,
		SubscriberID: def.SubscriberID,
		DocumentName: def.DocumentName,
		DueAt:        dueAt,
		Started:      start,
		Duration:     finished.Sub(start),
		Attempts:     attempts,
	}

	if err != nil {
		done.Error = err.Error()
		log.Error("scan failed", logx.Int("attempts", attempts), logx.Err(err))
		if ctx.Err() != nil {
			// shutting down: leave the schedule due
			r.publish(done)
			return
		}
		next, serr := retryStore(ctx, r, func() (schedule.Definition, error) {
			return r.sched.Skip(ctx, def.DocumentID, finished)
		})
		if serr != nil && !errors.Is(serr, schedule.ErrNotFound) {
			log.Error("schedule not advanced after failure", logx.Err(serr))
		}
		done.NextRun = next.NextRun
		r.publish(done)
		return
	}

	next, err := retryStore(ctx, r, func() (schedule.Definition, error) {
		return r.sched.OnFired(ctx, def.DocumentID, finished)
	})
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		log.Info("schedule cancelled while scanning")
	case err != nil:
		log.Error("schedule not advanced", logx.Err(err))
	}
	done.NextRun = next.NextRun

	r.charge.Lock()
	_, err = retryStore(ctx, r, func() (quota.State, error) {
		return r.quota.ApplyUsage(ctx, def.SubscriberID, 1)
	})
	r.unreserve(def.SubscriberID)
	charged = true
	r.charge.Unlock()
	if err != nil {
		log.Error("usage not recorded", logx.String("subscriber", def.SubscriberID), logx.Err(err))
	}

	log.Info("scan completed", logx.Int("attempts", attempts), logx.Duration("took", done.Duration), logx.Time("next_run", done.NextRun))
	r.publish(done)
}

func (r *Runner) scan(ctx context.Context, log logx.Logger, job Job) (int, error) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		job.Attempt = attempt
		err = r.scanOnce(ctx, log, job, cfg.ScanTimeout)
		if err == nil {
			return attempt, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			return attempt, err
		}
		delay := cfg.Backoff.Delay(attempt, err, r.rand())
		log.Debug("scan retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if sleep(ctx, delay) != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}

func (r *Runner) scanOnce(ctx context.Context, log logx.Logger, job Job, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			log.Error("scanner panic", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	return r.scanner.Scan(ctx, job)
}

// retryStore retries fn while the store reports a transient failure.
func retryStore[T any](ctx context.Context, r *Runner, fn func() (T, error)) (T, error) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || !transient(err) || attempt >= cfg.StoreRetryMax {
			return v, err
		}
		if sleep(ctx, cfg.Backoff.Delay(attempt, err, r.rand())) != nil {
			return v, err
		}
	}
}

func transient(err error) bool {
	return errors.Is(err, quota.ErrStoreUnavailable) ||
		errors.Is(err, quota.ErrConcurrentModification) ||
		errors.Is(err, schedule.ErrStoreUnavailable) ||
		errors.Is(err, schedule.ErrConcurrentModification)
}

func (r *Runner) rand() *rand.Rand {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return rand.New(rand.NewSource(r.rng.Int63()))
}

func (r *Runner) publish(c Completed) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(eventbus.Event{Kind: eventbus.ScanCompleted, Payload: c})
}

type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
