package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"adcaster/internal/eventbus"
	"adcaster/internal/retry"
	rtsup "adcaster/internal/runtime/supervisor"
	"adcaster/internal/transport"
	"adcaster/pkg/logx"
)

var errStopping = errors.New("notifier stopping")

type job struct {
	owner int64
	e     Event
}

// Service implements Notifier over a transport.Sender. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Publisher

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Publisher) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{sender: sender, log: log.With(logx.String("comp", "notifier")), bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
}

// Stop closes intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqueueWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Stop(context.Background())
	}
}

// Notify enqueues e for owner. It never blocks.
func (s *Service) Notify(owner int64, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	select {
	case q <- job{owner: owner, e: e}:
	default:
		s.dropped.Add(1)
		s.bus.Publish(eventbus.Event{Topic: "notifier.dropped", Owner: owner, Data: e.Kind})
	}
}

func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) Failed() uint64 { return s.failed.Load() }

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(owner int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Owner: owner, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	text := Render(j.e)
	if text == "" || s.sender == nil {
		return
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	policy := retry.Policy{
		MaxAttempts: 1 + cfg.RetryMax,
		BaseDelay:   cfg.RetryBase,
		Multiplier:  2,
		MaxDelay:    cfg.RetryMaxDelay,
		Jitter:      0.3,
	}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := lim.Wait(ctx); err != nil {
			return retry.NoRetry(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err := s.sender.SendText(callCtx, transport.ChatTarget{ChatID: j.owner}, text, &transport.SendOptions{DisablePreview: true})
		if err != nil {
			s.log.Debug("notify send failed", logx.Owner(j.owner), logx.Int("attempt", attempt), logx.Err(err))
		}
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.failed.Add(1)
			s.bus.Publish(eventbus.Event{Topic: "notifier.failed", Owner: j.owner, Data: err.Error()})
		}
		return
	}
	s.appendHistory(j.owner, text)
}
