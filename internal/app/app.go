// Package app wires the stores, the core machines and the chat surface, and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"adcaster/internal/bot"
	"adcaster/internal/broadcast"
	"adcaster/internal/clock"
	"adcaster/internal/config"
	"adcaster/internal/credential"
	"adcaster/internal/digest"
	"adcaster/internal/eventbus"
	"adcaster/internal/linking"
	"adcaster/internal/notifier"
	"adcaster/internal/observability/debug"
	"adcaster/internal/owner"
	"adcaster/internal/protocol"
	rtsup "adcaster/internal/runtime/supervisor"
	"adcaster/internal/stats"
	"adcaster/internal/storage"
	"adcaster/internal/transport"
	"adcaster/internal/transport/telegram/adapter"
	"adcaster/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)

// Option overrides a collaborator that New would otherwise build from config.
type Option func(*options)

type options struct {
	chat     transport.Adapter
	notifyTo transport.Sender
	dialer   protocol.Dialer
	clock    clock.Clock
}

// WithChat replaces the Telegram adapter, and the logger bot unless WithNotifySender is given too.
func WithChat(a transport.Adapter) Option { return func(o *options) { o.chat = a } }

func WithNotifySender(s transport.Sender) Option { return func(o *options) { o.notifyTo = s } }

func WithDialer(d protocol.Dialer) Option { return func(o *options) { o.dialer = d } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

type App struct {
	cfgm *config.Manager
	rt   config.Runtime
	log  logx.Logger
	logs *logx.Service

	bus      *eventbus.Bus
	store    storage.Store
	chat     transport.Adapter
	creds    *credential.Store
	settings *owner.Repo
	stats    *stats.Recorder
	notif    *notifier.Service
	link     *linking.Machine
	jobs     *broadcast.Orchestrator
	router   *bot.Router
	digest   *digest.Service
	debug    *debug.Server

	updates chan transport.Update

	sup      *rtsup.Supervisor
	jobSup   *rtsup.Supervisor
	stopOnce sync.Once
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if err := debug.Check(debugConfig(cfg)); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	chat := o.chat
	if chat == nil {
		ad, err := adapter.New(adapter.Config{Token: cfg.Telegram.Token, PollTimeout: rt.PollTimeout}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		chat = ad
	}

	logs, log := logx.New(logConfig(cfg), chat)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(ctx, storageConfig(cfg, rt), log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	vault, err := credential.LoadVault(cfg.Vault.KeyFile, cfg.Vault.Key)
	if err != nil {
		return fail(fmt.Errorf("vault: %w", err))
	}

	dialer := o.dialer
	if dialer == nil {
		if dialer, err = newDialer(cfg, rt, log); err != nil {
			return fail(err)
		}
	}

	notifyTo := o.notifyTo
	switch {
	case notifyTo != nil:
	case o.chat == nil && strings.TrimSpace(cfg.Telegram.LoggerToken) != "":
		s, err := adapter.NewSender(cfg.Telegram.LoggerToken, bootLog)
		if err != nil {
			return fail(fmt.Errorf("logger bot: %w", err))
		}
		notifyTo = s
	default:
		notifyTo = chat
	}

	bus := eventbus.New()
	creds := credential.NewStore(store, vault, credential.Options{MaxAccounts: rt.Linking.MaxAccounts, Clock: o.clock, Log: log})
	settings := owner.NewRepo(store, ownerLimits(rt), o.clock)
	rec := stats.NewRecorder(store, log)
	notif := notifier.New(notifierConfig(rt), notifyTo, log, bus)

	link := linking.New(linkingConfig(rt), linking.Deps{
		Store:       store,
		Credentials: creds,
		Dialer:      dialer,
		Clock:       o.clock,
		Bus:         bus,
		Log:         log,
	})

	a := &App{
		cfgm:     cfgm,
		rt:       rt,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		chat:     chat,
		creds:    creds,
		settings: settings,
		stats:    rec,
		notif:    notif,
		link:     link,
		updates:  make(chan transport.Update, 256),
	}
	// jobs are drained by Stop after the bot is gone, not by run cancellation
	a.jobSup = rtsup.New(context.Background(), rtsup.WithLogger(log))
	a.jobs = broadcast.New(broadcastConfig(rt), broadcast.Deps{
		Store:       store,
		Credentials: creds,
		Settings:    settings,
		Dialer:      dialer,
		Stats:       rec,
		Notifier:    notif,
		Bus:         bus,
		Clock:       o.clock,
		Supervisor:  a.jobSup,
		Log:         log,
	})
	a.router = bot.New(bot.Config{Admins: cfg.Telegram.AdminUserIDs}, bot.Deps{
		Chat:        chat,
		Linking:     link,
		Broadcast:   a.jobs,
		Settings:    settings,
		Credentials: creds,
		Stats:       rec,
		Log:         log,
	})
	a.digest = digest.New(digestConfig(cfg, rt), digest.Deps{
		Stats:    rec,
		Jobs:     a.jobs,
		Notifier: notif,
		Log:      log,
	})
	a.debug = debug.New(debugConfig(cfg), a.health, log)
	return a, nil
}

// Done is closed when the run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the run supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Broadcast exposes the orchestrator to operational callers.
func (a *App) Broadcast() *broadcast.Orchestrator { return a.jobs }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := debug.Check(debugConfig(cfg)); err != nil {
			return err
		}
		if cfg.Digest.Enabled {
			if err := digest.Validate(cfg.Digest.DigestSchedule()); err != nil {
				return fmt.Errorf("digest.schedule: %w", err)
			}
		}
		if tz := strings.TrimSpace(cfg.Digest.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("digest.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	if err := a.chat.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())

	resumed, err := a.jobs.Recover(a.sup.Context())
	if err != nil {
		a.log.Warn("recover broadcast jobs", logx.Err(err))
	} else if len(resumed) > 0 {
		a.log.Info("stale broadcast jobs reset", logx.Int("owners", len(resumed)), logx.Bool("resume", a.rt.Broadcast.ResumeOnStart))
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if err := a.digest.Start(a.sup.Context()); err != nil {
		a.log.Warn("digest not scheduled", logx.Err(err))
	}
	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug listener not started", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("topic", e.Topic), logx.Owner(e.Owner), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// keep only the newest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, last, cfg)
				last = cfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.log.Info("started",
		logx.String("storage", a.rt.StorageDriver),
		logx.Int("max_accounts", a.rt.Linking.MaxAccounts),
		logx.Duration("default_delay", a.rt.Broadcast.DefaultDelay),
	)
	return nil
}

// apply fans a committed reload out to the components that support it.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	rt, err := config.Resolve(cfg)
	if err != nil {
		a.log.Warn("reload resolve failed; keeping previous", logx.Err(err))
		return
	}
	changed := changedSections(prev, cfg)
	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
	for _, s := range changed {
		switch s {
		case "storage", "vault", "protocol", "linking", "telegram":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(logConfig(cfg))
	a.notif.Apply(notifierConfig(rt))
	a.jobs.Apply(broadcastConfig(rt))
	if err := a.digest.Apply(digestConfig(cfg, rt)); err != nil {
		a.log.Warn("digest reschedule failed", logx.Err(err))
	}
	if err := a.debug.Apply(ctx, debugConfig(cfg)); err != nil {
		a.log.Warn("debug listener reconfigure failed", logx.Err(err))
	}
	a.rt = rt
}

func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	pv, nv := reflect.ValueOf(*prev), reflect.ValueOf(*next)
	for i := 0; i < pv.NumField(); i++ {
		if reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name := pv.Type().Field(i).Tag.Get("json")
		name, _, _ = strings.Cut(name, ",")
		out = append(out, name)
	}
	return out
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest. Stop is safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var errs []error
	a.stopOnce.Do(func() {
		errs = a.stop(ctx, reason)
	})
	return errors.Join(errs...)
}

func (a *App) stop(ctx context.Context, reason StopReason) []error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs []error

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// bot first so no new commands start jobs while they are being stopped
	if a.sup != nil {
		step("run", 3*time.Second, a.sup.Stop)
	}
	step("digest", time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	step("debug", 2*time.Second, a.debug.Stop)
	step("broadcast", 10*time.Second, func(c context.Context) error {
		if err := a.jobs.Shutdown(c); err != nil {
			return err
		}
		return a.jobSup.Stop(c)
	})
	step("linking", time.Second, func(context.Context) error { a.link.Close(); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("telegram", 3*time.Second, a.chat.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

type health struct {
	Status      string        `json:"status"`
	Jobs        int           `json:"jobs"`
	NotifyDrops uint64        `json:"notify_dropped"`
	NotifyFails uint64        `json:"notify_failed"`
	EventDrops  uint64        `json:"events_dropped"`
	LogDrops    uint64        `json:"log_dropped"`
	Goroutines  []rtsup.Stats `json:"goroutines,omitempty"`
}

func (a *App) health(context.Context) any {
	h := health{
		Status:      "ok",
		Jobs:        a.jobs.ActiveCount(),
		NotifyDrops: a.notif.Dropped(),
		NotifyFails: a.notif.Failed(),
		EventDrops:  a.bus.Dropped(),
		LogDrops:    a.logs.Dropped(),
	}
	if a.sup != nil {
		h.Goroutines = a.sup.Snapshot()
		if a.sup.Err() != nil {
			h.Status = "degraded"
		}
	}
	return h
}
