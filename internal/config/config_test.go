package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  admin_user_ids: [42]
storage:
  driver: sqlite
  path: ./data.db
vault:
  key_file: ./vault.key
broadcast:
  default_delay: 60s
  jitter_min: 1s
  jitter_max: 2s
`

func TestDecodeYAMLAndResolveDefaults(t *testing.T) {
	cfg, err := Decode("cfg.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.AdminUserIDs) != 1 {
		t.Fatalf("unexpected telegram section: %+v", cfg.Telegram)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rt.Linking.CodeLength != 5 || rt.Linking.MaxAccounts != 5 {
		t.Fatalf("linking defaults: %+v", rt.Linking)
	}
	if rt.Linking.PendingTTL != 5*time.Minute {
		t.Fatalf("pending ttl: %s", rt.Linking.PendingTTL)
	}
	if rt.Broadcast.DefaultDelay != time.Minute || rt.Broadcast.JitterMax != 2*time.Second {
		t.Fatalf("broadcast: %+v", rt.Broadcast)
	}
	if rt.Broadcast.RateLimitCap != 5*time.Minute {
		t.Fatalf("rate limit cap: %s", rt.Broadcast.RateLimitCap)
	}
	if rt.Retry.MaxAttempts != 3 || rt.Retry.BaseDelay != 2*time.Second || rt.Retry.Multiplier != 2 {
		t.Fatalf("retry: %+v", rt.Retry)
	}
	if !rt.Notifier.Enabled {
		t.Fatalf("omitted notifier section should default to enabled")
	}
	if rt.ProtocolDriver != "mtproto" {
		t.Fatalf("protocol driver default: %q", rt.ProtocolDriver)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("cfg.json", []byte(`{"telegram":{"token":"x"},"bogus":1}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
	_, err = Decode("cfg.json", []byte(`{} {}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Storage:  StorageConfig{Driver: "postgres"},
		Protocol: ProtocolConfig{Driver: "tdlib"},
		Broadcast: BroadcastConfig{
			MinDelay:  "2m",
			MaxDelay:  "1m",
			JitterMin: "5s",
			JitterMax: "1s",
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"telegram.token", "storage.driver", "protocol.driver", "vault", "min_delay", "jitter_min"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestResolveBadDuration(t *testing.T) {
	_, err := Resolve(&Config{Linking: LinkingConfig{PendingTTL: "soon"}})
	if err == nil || !strings.Contains(err.Error(), "linking.pending_ttl") {
		t.Fatalf("expected path in error, got %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{Token: "file"}}
	env := map[string]string{
		EnvBotToken:   "env-token",
		EnvVaultKey:   "AGE-SECRET-KEY-1XYZ",
		EnvStorageURL: "redis://localhost:6379/2",
		EnvAppID:      "12345",
		EnvAppHash:    "0123abcd",
	}
	ApplyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Telegram.Token != "env-token" || cfg.Vault.Key != "AGE-SECRET-KEY-1XYZ" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage.URL != "redis://localhost:6379/2" {
		t.Fatalf("storage url: %q", cfg.Storage.URL)
	}
	if cfg.Protocol.AppID != 12345 || cfg.Protocol.AppHash != "0123abcd" {
		t.Fatalf("app credentials: %+v", cfg.Protocol)
	}
	if cfg.Telegram.LoggerToken != "" {
		t.Fatalf("unset env must not clobber")
	}
}

func TestLoadDotEnvMissingFileIsNotAnError(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing .env: %v", err)
	}
}

func TestWatchPublishesChangedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adcaster.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.getenv = func(string) string { return "" }
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	updated := strings.Replace(sampleYAML, "60s", "90s", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Broadcast.DefaultDelay != "90s" {
				t.Fatalf("unexpected published config: %+v", cfg.Broadcast)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// rewrite until the watcher is up and sees it
			_ = os.WriteFile(path, []byte(updated), 0o600)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}
