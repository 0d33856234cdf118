// Package digest sends a scheduled summary of delivery totals to the admins.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"adcaster/internal/notifier"
	"adcaster/internal/stats"
	"adcaster/pkg/logx"
)

// 5-field and 6-field (with seconds) specs plus descriptors like @daily.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether spec parses.
func Validate(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
	Admins   []int64
	Timeout  time.Duration
}

// JobCounter reports how many broadcast jobs are running.
type JobCounter interface {
	ActiveCount() int
}

type Deps struct {
	Stats    *stats.Recorder
	Jobs     JobCounter
	Notifier notifier.Notifier
	Log      logx.Logger
}

type Service struct {
	d   Deps
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = notifier.Nop{}
	}
	return &Service{d: d, cfg: cfg, log: d.Log.With(logx.String("comp", "digest"))}
}

func location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Start arms the schedule. A disabled digest is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	if len(s.cfg.Admins) == 0 {
		s.log.Warn("digest enabled without admins; not scheduling")
		return nil
	}
	loc, err := location(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("digest: timezone: %w", err)
	}
	sched, err := parser.Parse(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("digest: schedule %q: %w", s.cfg.Schedule, err)
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	c.Schedule(sched, cron.FuncJob(s.fire))
	c.Start()
	s.c = c
	s.log.Info("digest scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx, timeout := s.ctx, s.cfg.Timeout
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.RunOnce(rctx); err != nil {
		s.log.Warn("digest failed", logx.Err(err))
	}
}

// Stop halts the schedule and waits for a running digest.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config and re-arms the schedule if it was running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	old := s.c
	s.c = nil
	s.cfg = cfg
	var err error
	if s.ctx != nil {
		err = s.startLocked()
	}
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	return err
}

// Next returns the next scheduled run, zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	if es := s.c.Entries(); len(es) > 0 {
		return es[0].Next
	}
	return time.Time{}
}

// Render builds the digest text.
func Render(t stats.Snapshot, running int) string {
	return fmt.Sprintf("📊 Digest\nsent %d, failed %d\ncycles %d, broadcasts %d\nrunning jobs %d",
		t.Sent, t.Failed, t.Cycles, t.Broadcasts, running)
}

// RunOnce sends the digest to every admin now.
func (s *Service) RunOnce(ctx context.Context) error {
	if s.d.Stats == nil {
		return errors.New("digest: no stats recorder")
	}
	t, err := s.d.Stats.Totals(ctx)
	if err != nil {
		return err
	}
	running := 0
	if s.d.Jobs != nil {
		running = s.d.Jobs.ActiveCount()
	}
	text := Render(t, running)
	s.mu.Lock()
	admins := append([]int64(nil), s.cfg.Admins...)
	s.mu.Unlock()
	for _, id := range admins {
		s.d.Notifier.Notify(id, notifier.Event{Kind: notifier.KindText, Text: text, At: time.Now()})
	}
	s.log.Debug("digest sent", logx.Int("admins", len(admins)))
	return nil
}
