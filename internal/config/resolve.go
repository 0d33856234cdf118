package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Runtime is the parsed, defaulted view of Config that components consume.
type Runtime struct {
	PollTimeout time.Duration

	StorageDriver      string
	StorageBusyTimeout time.Duration

	ProtocolDriver  string
	ProtocolTimeout time.Duration

	Linking   LinkingLimits
	Broadcast BroadcastLimits
	Retry     RetryLimits
	Notifier  NotifierLimits
}

type LinkingLimits struct {
	CodeLength   int
	PendingTTL   time.Duration
	MaxAccounts  int
	RateLimitCap time.Duration
}

type BroadcastLimits struct {
	DefaultDelay  time.Duration
	MinDelay      time.Duration
	MaxDelay      time.Duration
	JitterMin     time.Duration
	JitterMax     time.Duration
	RateLimitCap  time.Duration
	SendTimeout   time.Duration
	ResumeOnStart bool
}

type RetryLimits struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
}

type NotifierLimits struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

const defaultDigestSchedule = "0 9 * * *"

// DigestSchedule returns the configured cron spec or the daily default.
func (c DigestConfig) DigestSchedule() string {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return s
	}
	return defaultDigestSchedule
}

// Resolve applies defaults and parses durations. It does not validate cross-field
// constraints; see Validate.
func Resolve(cfg *Config) (Runtime, error) {
	if cfg == nil {
		return Runtime{}, errors.New("config is nil")
	}
	var p durations
	rt := Runtime{
		PollTimeout:        p.get("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second),
		StorageDriver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		StorageBusyTimeout: p.get("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second),
		ProtocolDriver:     strings.ToLower(strings.TrimSpace(cfg.Protocol.Driver)),
		ProtocolTimeout:    p.get("protocol.timeout", cfg.Protocol.Timeout, 30*time.Second),
	}
	if rt.StorageDriver == "" {
		rt.StorageDriver = "sqlite"
	}
	if rt.ProtocolDriver == "" {
		rt.ProtocolDriver = "mtproto"
	}

	rt.Linking = LinkingLimits{
		CodeLength:   intOr(cfg.Linking.CodeLength, 5),
		PendingTTL:   p.get("linking.pending_ttl", cfg.Linking.PendingTTL, 5*time.Minute),
		MaxAccounts:  intOr(cfg.Linking.MaxAccounts, 5),
		RateLimitCap: p.get("linking.rate_limit_cap", cfg.Linking.RateLimitCap, 5*time.Minute),
	}

	b := cfg.Broadcast
	rt.Broadcast = BroadcastLimits{
		DefaultDelay:  p.get("broadcast.default_delay", b.DefaultDelay, 30*time.Second),
		MinDelay:      p.get("broadcast.min_delay", b.MinDelay, 10*time.Second),
		MaxDelay:      p.get("broadcast.max_delay", b.MaxDelay, time.Hour),
		JitterMin:     p.get("broadcast.jitter_min", b.JitterMin, 3*time.Second),
		JitterMax:     p.get("broadcast.jitter_max", b.JitterMax, 4*time.Second),
		RateLimitCap:  p.get("broadcast.rate_limit_cap", b.RateLimitCap, 5*time.Minute),
		SendTimeout:   p.get("broadcast.send_timeout", b.SendTimeout, 30*time.Second),
		ResumeOnStart: b.ResumeOnStart,
	}

	r := cfg.Retry
	rt.Retry = RetryLimits{
		MaxAttempts: intOr(r.MaxAttempts, 3),
		BaseDelay:   p.get("retry.base_delay", r.BaseDelay, 2*time.Second),
		Multiplier:  r.Multiplier,
		MaxDelay:    p.get("retry.max_delay", r.MaxDelay, 30*time.Second),
		Jitter:      r.Jitter,
	}
	if rt.Retry.Multiplier <= 0 {
		rt.Retry.Multiplier = 2
	}
	if rt.Retry.Jitter <= 0 {
		rt.Retry.Jitter = 0.2
	}

	// Omitted section means enabled with defaults.
	n := NotifierConfig{Enabled: true}
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	rt.Notifier = NotifierLimits{
		Enabled:       n.Enabled,
		Workers:       intOr(n.Workers, 2),
		QueueSize:     intOr(n.QueueSize, 512),
		RatePerSec:    intOr(n.RatePerSec, 20),
		RetryMax:      intOr(n.RetryMax, 3),
		RetryBase:     p.get("notifier.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: p.get("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second),
	}

	if p.err != nil {
		return Runtime{}, p.err
	}
	return rt, nil
}

// Validate resolves cfg and rejects inconsistent settings.
func Validate(cfg *Config) error {
	rt, err := Resolve(cfg)
	if err != nil {
		return err
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	switch rt.StorageDriver {
	case "memory", "sqlite":
	case "redis":
		if strings.TrimSpace(cfg.Storage.URL) == "" {
			errs = append(errs, errors.New("storage.url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	switch rt.ProtocolDriver {
	case "mtproto", "gateway":
	default:
		errs = append(errs, fmt.Errorf("protocol.driver: unknown driver %q", cfg.Protocol.Driver))
	}
	if strings.TrimSpace(cfg.Vault.KeyFile) == "" && strings.TrimSpace(cfg.Vault.Key) == "" {
		errs = append(errs, errors.New("vault: key_file or key is required"))
	}
	if rt.Linking.CodeLength < 1 {
		errs = append(errs, errors.New("linking.code_length must be >= 1"))
	}
	if rt.Linking.MaxAccounts < 1 {
		errs = append(errs, errors.New("linking.max_accounts must be >= 1"))
	}
	bl := rt.Broadcast
	if bl.MinDelay > bl.MaxDelay {
		errs = append(errs, fmt.Errorf("broadcast: min_delay %s exceeds max_delay %s", bl.MinDelay, bl.MaxDelay))
	}
	if bl.DefaultDelay < bl.MinDelay || bl.DefaultDelay > bl.MaxDelay {
		errs = append(errs, fmt.Errorf("broadcast.default_delay %s outside [%s, %s]", bl.DefaultDelay, bl.MinDelay, bl.MaxDelay))
	}
	if bl.JitterMin > bl.JitterMax {
		errs = append(errs, fmt.Errorf("broadcast: jitter_min %s exceeds jitter_max %s", bl.JitterMin, bl.JitterMax))
	}
	if rt.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if rt.Retry.Jitter >= 1 {
		errs = append(errs, errors.New("retry.jitter must be < 1"))
	}
	return errors.Join(errs...)
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
