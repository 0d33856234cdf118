package app

import (
	"fmt"
	"time"

	"adcaster/internal/broadcast"
	"adcaster/internal/config"
	"adcaster/internal/digest"
	"adcaster/internal/linking"
	"adcaster/internal/notifier"
	"adcaster/internal/observability/debug"
	"adcaster/internal/owner"
	"adcaster/internal/protocol"
	"adcaster/internal/protocol/gateway"
	"adcaster/internal/protocol/mtproto"
	"adcaster/internal/retry"
	"adcaster/internal/storage"
	"adcaster/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config, rt config.Runtime) storage.Config {
	return storage.Config{
		Driver:      rt.StorageDriver,
		Path:        cfg.Storage.Path,
		URL:         cfg.Storage.URL,
		BusyTimeout: rt.StorageBusyTimeout,
		KeyPrefix:   cfg.Storage.KeyPrefix,
	}
}

// retryPolicy builds the shared policy. Provider waits above hintCap are
// not slept through.
func retryPolicy(rt config.Runtime, hintCap time.Duration) retry.Policy {
	return retry.Policy{
		MaxAttempts: rt.Retry.MaxAttempts,
		BaseDelay:   rt.Retry.BaseDelay,
		Multiplier:  rt.Retry.Multiplier,
		MaxDelay:    rt.Retry.MaxDelay,
		Jitter:      rt.Retry.Jitter,
		MaxHint:     hintCap,
	}
}

func linkingConfig(rt config.Runtime) linking.Config {
	return linking.Config{
		CodeLength: rt.Linking.CodeLength,
		PendingTTL: rt.Linking.PendingTTL,
		Retry:      retryPolicy(rt, rt.Linking.RateLimitCap),
	}
}

func broadcastConfig(rt config.Runtime) broadcast.Config {
	b := rt.Broadcast
	return broadcast.Config{
		JitterMin:     b.JitterMin,
		JitterMax:     b.JitterMax,
		RateLimitCap:  b.RateLimitCap,
		SendTimeout:   b.SendTimeout,
		ResumeOnStart: b.ResumeOnStart,
		Retry:         retryPolicy(rt, b.RateLimitCap),
	}
}

func ownerLimits(rt config.Runtime) owner.Limits {
	return owner.Limits{
		DefaultDelay: rt.Broadcast.DefaultDelay,
		MinDelay:     rt.Broadcast.MinDelay,
		MaxDelay:     rt.Broadcast.MaxDelay,
	}
}

func notifierConfig(rt config.Runtime) notifier.Config {
	n := rt.Notifier
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     n.RetryBase,
		RetryMaxDelay: n.RetryMaxDelay,
	}
}

func digestConfig(cfg *config.Config, rt config.Runtime) digest.Config {
	return digest.Config{
		Enabled:  cfg.Digest.Enabled,
		Schedule: cfg.Digest.DigestSchedule(),
		Timezone: cfg.Digest.Timezone,
		Admins:   cfg.Telegram.AdminUserIDs,
		Timeout:  rt.Broadcast.SendTimeout,
	}
}

func debugConfig(cfg *config.Config) debug.Config {
	return debug.Config{Enabled: cfg.Debug.Enabled, Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}
}

func newDialer(cfg *config.Config, rt config.Runtime, log logx.Logger) (protocol.Dialer, error) {
	switch rt.ProtocolDriver {
	case "mtproto":
		return mtproto.New(mtproto.Config{
			AppID:          cfg.Protocol.AppID,
			AppHash:        cfg.Protocol.AppHash,
			ConnectTimeout: rt.ProtocolTimeout,
		}, log)
	case "gateway":
		return gateway.New(gateway.Config{
			BaseURL: cfg.Protocol.BaseURL,
			APIKey:  cfg.Protocol.APIKey,
			Timeout: rt.ProtocolTimeout,
		}, log)
	}
	return nil, fmt.Errorf("protocol: unknown driver %q", rt.ProtocolDriver)
}
