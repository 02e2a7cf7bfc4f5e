// Package config loads secapi.Config from a YAML file and SECAPI_
// environment variables.
//
// Keys follow the mapstructure tags of secapi.Config. Nested keys map to
// environment variables by replacing dots with underscores, so
// rate_limit.read_limit is read from SECAPI_RATE_LIMIT_READ_LIMIT.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SECAPI"

// Keys without defaults. They are bound to the environment only, so an
// absent cache or proxy section leaves the pointer nil.
//
//nolint:gochecknoglobals // read-only lookup tables
var optionalKeys = []string{
	"client_secret",
	"private_key",
	"vanity_domain",
	"token_url",
	"base_url",
	"sandbox_url",
	"sandbox_token",
	"user_agent",
	"cache.type",
	"cache.memory.max_size",
	"cache.memory.cleanup_interval",
	"cache.nats.url",
	"cache.nats.bucket",
	"cache.nats.ttl",
	"cache.nats.replicas",
	"cache.options.ttl",
	"cache.options.max_size",
	"cache.options.enable_etags",
	"proxy.host",
	"proxy.port",
	"proxy.username",
	"proxy.password",
}

// secretKeys are masked by Redacted.
//
//nolint:gochecknoglobals // read-only lookup tables
var secretKeys = map[string]bool{
	"client_secret":  true,
	"private_key":    true,
	"sandbox_token":  true,
	"proxy.password": true,
}

// NewViper returns a viper instance carrying the documented defaults and
// bound to the SECAPI_ environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, key := range optionalKeys {
		_ = v.BindEnv(key)
	}

	return v
}

func setDefaults(v *viper.Viper) {
	defaults := secapi.DefaultConfig()

	v.SetDefault("client_id", "")
	v.SetDefault("cloud", defaults.Cloud)
	v.SetDefault("audience", defaults.Audience)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("http_timeout", defaults.HTTPTimeout)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("retry_wait_min", defaults.RetryWaitMin)
	v.SetDefault("retry_wait_max", defaults.RetryWaitMax)
	v.SetDefault("max_retry_wait", defaults.MaxRetryWait)
	v.SetDefault("rate_limit.read_limit", defaults.RateLimit.ReadLimit)
	v.SetDefault("rate_limit.read_period", defaults.RateLimit.ReadPeriod)
	v.SetDefault("rate_limit.write_limit", defaults.RateLimit.WriteLimit)
	v.SetDefault("rate_limit.write_period", defaults.RateLimit.WritePeriod)
	v.SetDefault("requests_per_second", 0.0)
	v.SetDefault("disable_field_casing", false)
	v.SetDefault("debug", false)
}

// Load reads path (optional) and the environment, then validates the result.
func Load(path string) (*secapi.Config, error) {
	v := NewViper()

	if path != "" {
		_, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", constants.ErrNoConfigFile, path)
		}

		v.SetConfigFile(path)

		err = v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Decode maps the settings of v onto a secapi.Config without validating it.
// Durations accept Go syntax ("90s", "2m").
func Decode(v *viper.Viper) (*secapi.Config, error) {
	cfg := secapi.DefaultConfig()

	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, &secapi.ConfigurationError{Reason: fmt.Sprintf("decoding configuration: %v", err)}
	}

	if cfg.Cache != nil && cfg.Cache.Type == secapi.CacheTypeMemory && cfg.Cache.Memory == nil {
		cfg.Cache.Memory = secapi.DefaultCacheConfig().Memory
	}

	return cfg, nil
}

// Redacted returns the effective settings with secrets masked.
func Redacted(v *viper.Viper) map[string]interface{} {
	settings := v.AllSettings()
	redact(settings, "")

	return settings
}

func redact(settings map[string]interface{}, prefix string) {
	for key, value := range settings {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			redact(nested, path)

			continue
		}

		if secretKeys[path] && value != "" && value != nil {
			settings[key] = constants.MaskedSecret
		}
	}
}
