// Package broadcast runs at most one send loop per owner across the owner's
// linked accounts.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"adcaster/internal/clock"
	"adcaster/internal/credential"
	"adcaster/internal/eventbus"
	"adcaster/internal/notifier"
	"adcaster/internal/owner"
	"adcaster/internal/protocol"
	"adcaster/internal/retry"
	rtsup "adcaster/internal/runtime/supervisor"
	"adcaster/internal/stats"
	"adcaster/internal/storage"
	"adcaster/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("broadcast: already running")
	ErrNoMessage      = errors.New("broadcast: no message configured")
	ErrNoAccounts     = errors.New("broadcast: no linked accounts")
)

type Config struct {
	JitterMin     time.Duration
	JitterMax     time.Duration
	RateLimitCap  time.Duration
	SendTimeout   time.Duration
	ResumeOnStart bool
	// Retry covers connect, validate and enumerate. Sends are never retried.
	Retry retry.Policy
}

type Deps struct {
	Store       storage.Store
	Credentials *credential.Store
	Settings    *owner.Repo
	Dialer      protocol.Dialer
	Stats       *stats.Recorder
	Notifier    notifier.Notifier
	Bus         eventbus.Publisher
	Clock       clock.Clock
	Supervisor  *rtsup.Supervisor
	Log         logx.Logger
}

type Orchestrator struct {
	cfg      atomic.Pointer[Config]
	db       storage.Store
	creds    *credential.Store
	settings *owner.Repo
	dial     protocol.Dialer
	stats    *stats.Recorder
	notify   notifier.Notifier
	bus      eventbus.Publisher
	clock    clock.Clock
	sup      *rtsup.Supervisor
	log      logx.Logger

	// owner id -> *job; LoadOrStore is the single-job gate
	jobs sync.Map
}

type job struct {
	cfg       Config
	owner     int64
	runID     string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	cycles atomic.Int64
	sent   atomic.Int64
	failed atomic.Int64
}

func (j *job) state(running bool) JobState {
	return JobState{
		RunID:     j.runID,
		Running:   running,
		StartedAt: j.startedAt,
		Cycles:    j.cycles.Load(),
		Sent:      j.sent.Load(),
		Failed:    j.failed.Load(),
	}
}

func New(cfg Config, d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Notifier == nil {
		d.Notifier = notifier.Nop{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Stats == nil {
		d.Stats = stats.NewRecorder(d.Store, d.Log)
	}
	if d.Supervisor == nil {
		d.Supervisor = rtsup.New(context.Background(), rtsup.WithLogger(d.Log))
	}
	o := &Orchestrator{
		db:       d.Store,
		creds:    d.Credentials,
		settings: d.Settings,
		dial:     d.Dialer,
		stats:    d.Stats,
		notify:   d.Notifier,
		bus:      d.Bus,
		clock:    d.Clock,
		sup:      d.Supervisor,
		log:      d.Log.With(logx.String("comp", "broadcast")),
	}
	o.Apply(cfg)
	return o
}

// Apply swaps the pacing used by jobs started after the call.
func (o *Orchestrator) Apply(cfg Config) {
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if cfg.RateLimitCap <= 0 {
		cfg.RateLimitCap = 5 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = o.clock
	}
	o.cfg.Store(&cfg)
}

func (o *Orchestrator) publish(owner int64, topic string, data any) {
	o.bus.Publish(eventbus.Event{Topic: topic, Owner: owner, Time: o.clock.Now(), Data: data})
}

// Start launches the owner's loop and returns without waiting for it.
func (o *Orchestrator) Start(ctx context.Context, owner int64) error {
	if o.Running(owner) {
		return ErrAlreadyRunning
	}
	st, err := o.settings.Get(ctx, owner)
	if err != nil {
		return err
	}
	if st.Message == "" {
		return ErrNoMessage
	}
	n, err := o.creds.CountActive(ctx, owner)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoAccounts
	}

	jobCtx, cancel := context.WithCancel(o.sup.Context())
	j := &job{
		cfg:       *o.cfg.Load(),
		owner:     owner,
		runID:     uuid.NewString(),
		startedAt: o.clock.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if _, loaded := o.jobs.LoadOrStore(owner, j); loaded {
		cancel()
		return ErrAlreadyRunning
	}
	if err := o.saveState(ctx, owner, jobKey, j.state(true)); err != nil {
		o.jobs.CompareAndDelete(owner, j)
		cancel()
		return err
	}
	o.stats.Add(ctx, owner, stats.Broadcasts, 1)

	o.sup.Go("broadcast."+strconv.FormatInt(owner, 10), func(context.Context) error {
		o.run(jobCtx, j)
		return nil
	})
	o.notify.Notify(owner, notifier.Event{Kind: notifier.KindStarted})
	o.publish(owner, "broadcast.started", j.runID)
	o.log.Info("broadcast started", logx.Owner(owner), logx.String("run", j.runID), logx.Int("accounts", n))
	return nil
}

// Stop cancels the owner's job and waits until its loop has exited. It
// reports false when nothing was running.
func (o *Orchestrator) Stop(ctx context.Context, owner int64) (bool, error) {
	v, ok := o.jobs.Load(owner)
	if !ok {
		return false, nil
	}
	j := v.(*job)
	j.cancel()
	select {
	case <-j.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (o *Orchestrator) Running(owner int64) bool {
	_, ok := o.jobs.Load(owner)
	return ok
}

func (o *Orchestrator) ActiveCount() int {
	n := 0
	o.jobs.Range(func(_, _ any) bool { n++; return true })
	return n
}

var closedCh = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

// Done is closed when the owner's current job exits.
func (o *Orchestrator) Done(owner int64) <-chan struct{} {
	if v, ok := o.jobs.Load(owner); ok {
		return v.(*job).done
	}
	return closedCh
}

// Status returns the live descriptor of a running job, or the persisted one.
func (o *Orchestrator) Status(ctx context.Context, owner int64) (JobState, error) {
	if v, ok := o.jobs.Load(owner); ok {
		return v.(*job).state(true), nil
	}
	st, _, err := o.loadState(ctx, owner, jobKey)
	st.Running = false
	return st, err
}

// LastRun returns the summary written when the previous job exited.
func (o *Orchestrator) LastRun(ctx context.Context, owner int64) (JobState, bool, error) {
	return o.loadState(ctx, owner, lastRunKey)
}

// Recover clears running flags left behind by a crash and, when configured,
// restarts those jobs. It returns the owners it found.
func (o *Orchestrator) Recover(ctx context.Context) ([]int64, error) {
	recs, err := o.db.FindMany(ctx, storage.Filter{AllOwners: true, Prefix: jobKey})
	if err != nil {
		return nil, err
	}
	var owners []int64
	for _, r := range recs {
		if r.Name != jobKey || o.Running(r.Owner) {
			continue
		}
		st, err := decodeState(r.Value)
		if err != nil || !st.Running {
			continue
		}
		st.Running = false
		st.StoppedAt = o.clock.Now().UTC()
		st.LastError = "interrupted"
		if err := o.saveState(ctx, r.Owner, jobKey, st); err != nil {
			return owners, err
		}
		owners = append(owners, r.Owner)
		if !o.cfg.Load().ResumeOnStart {
			continue
		}
		if err := o.Start(ctx, r.Owner); err != nil {
			o.log.Warn("resume failed", logx.Owner(r.Owner), logx.Err(err))
		}
	}
	return owners, nil
}

// Shutdown stops every job and waits for all of them or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var jobs []*job
	o.jobs.Range(func(_, v any) bool {
		j := v.(*job)
		j.cancel()
		jobs = append(jobs, j)
		return true
	})
	for _, j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (j *job) jitter() time.Duration {
	lo, hi := j.cfg.JitterMin, j.cfg.JitterMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

func describe(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
