package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. Secrets usually live here.
const (
	EnvBotToken    = "ADCASTER_BOT_TOKEN"
	EnvLoggerToken = "ADCASTER_LOGGER_TOKEN"
	EnvVaultKey    = "ADCASTER_VAULT_KEY"
	EnvStorageURL  = "ADCASTER_STORAGE_URL"
	EnvGatewayKey  = "ADCASTER_GATEWAY_KEY"
	EnvAppID       = "ADCASTER_APP_ID"
	EnvAppHash     = "ADCASTER_APP_HASH"
	EnvDebugToken  = "ADCASTER_DEBUG_TOKEN"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overlays environment values onto cfg. getenv defaults to os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, EnvBotToken)
	set(&cfg.Telegram.LoggerToken, EnvLoggerToken)
	set(&cfg.Vault.Key, EnvVaultKey)
	set(&cfg.Storage.URL, EnvStorageURL)
	set(&cfg.Protocol.APIKey, EnvGatewayKey)
	set(&cfg.Protocol.AppHash, EnvAppHash)
	if v, err := strconv.Atoi(strings.TrimSpace(getenv(EnvAppID))); err == nil && v > 0 {
		cfg.Protocol.AppID = v
	}
	set(&cfg.Debug.Token, EnvDebugToken)
}
