// Package config loads changewatch settings. Values are layered: built-in
// defaults, then a TOML or YAML file, then environment, then flags.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"changewatch/internal/config/keys"
	"changewatch/internal/logging"
)

//go:embed defaults.toml
var defaultsPayload []byte

const (
	EnvConfig   = "CHANGEWATCH_CONFIG"
	EnvLogLevel = "CHANGEWATCH_LOG_LEVEL"
	EnvListen   = "CHANGEWATCH_LISTEN"
)

const (
	KeyRoots        = "watch.roots"
	KeyWaitInterval = "watch.wait-interval"
	KeyStages       = "pipeline.stages"
	KeyExclude      = "pipeline.exclude"
	KeyRestore      = "pipeline.restore"
	KeyDebounce     = "pipeline.debounce"
	KeyFormat       = "output.format"
	KeyListen       = "server.listen"
	KeyLogLevel     = "log.level"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Roots        []string
	Exclude      []string
	Stages       []string
	Restore      []string
	Debounce     time.Duration
	WaitInterval time.Duration
	Format       string
	Listen       string
	LogLevel     string
}

// Load reads path when it is set; a missing file is an error. getenv may be
// nil. Override keys use the dotted names above.
func Load(path string, getenv func(string) string, overrides map[string]any) (Config, error) {
	defaultsStore, err := keys.DecodeTOML(defaultsPayload)
	if err != nil {
		return Config{}, fmt.Errorf("decode defaults: %w", err)
	}
	values := defaultsStore.Flat()

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		store, err := keys.Decode(filepath.Ext(path), payload)
		if err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
		for key, value := range store.Flat() {
			values[key] = value
		}
	}

	if getenv != nil {
		if level := strings.TrimSpace(getenv(EnvLogLevel)); level != "" {
			values[KeyLogLevel] = level
		}
		if listen := strings.TrimSpace(getenv(EnvListen)); listen != "" {
			values[KeyListen] = listen
		}
	}

	for key, value := range overrides {
		normalized := keys.NormalizeKey(key)
		if normalized == "" {
			continue
		}
		values[normalized] = value
	}

	cfg := Config{
		Roots:    stringsSetting(values, KeyRoots),
		Exclude:  stringsSetting(values, KeyExclude),
		Stages:   stringsSetting(values, KeyStages),
		Restore:  stringsSetting(values, KeyRestore),
		Format:   strings.ToLower(stringSetting(values, KeyFormat, FormatJSON)),
		Listen:   stringSetting(values, KeyListen, ""),
		LogLevel: strings.ToLower(stringSetting(values, KeyLogLevel, string(logging.LevelInfo))),
	}
	if cfg.Debounce, err = durationSetting(values, KeyDebounce); err != nil {
		return Config{}, err
	}
	if cfg.WaitInterval, err = durationSetting(values, KeyWaitInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be checked while decoding. known lists
// the accepted stage names.
func (c Config) Validate(known []string) error {
	var problems []string
	switch c.Format {
	case FormatJSON, FormatText:
	default:
		problems = append(problems, fmt.Sprintf("format %q must be %s or %s", c.Format, FormatJSON, FormatText))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		problems = append(problems, fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	if c.Debounce < 0 {
		problems = append(problems, "debounce must not be negative")
	}
	if c.WaitInterval < 0 {
		problems = append(problems, "wait interval must not be negative")
	}
	seen := make(map[string]bool, len(c.Stages))
	for _, stage := range c.Stages {
		name := strings.ToLower(stage)
		if !slices.Contains(known, name) {
			problems = append(problems, fmt.Sprintf("unknown stage %q", stage))
		}
		if seen[name] {
			problems = append(problems, fmt.Sprintf("stage %q listed twice", stage))
		}
		seen[name] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func stringSetting(values map[string]any, key, fallback string) string {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if parsed, ok := value.(string); ok {
		return strings.TrimSpace(parsed)
	}
	return fallback
}

func stringsSetting(values map[string]any, key string) []string {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return nil
	}
	parsed, _ := keys.AsStrings(value)
	return parsed
}

// durationSetting accepts a Go duration string or a number of milliseconds.
func durationSetting(values map[string]any, key string) (time.Duration, error) {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return 0, nil
	}
	switch typed := value.(type) {
	case time.Duration:
		return typed, nil
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(typed))
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		return parsed, nil
	}
	if ms, ok := keys.AsInt64(value); ok {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("%w: %s: unsupported value %v", ErrInvalidConfig, key, value)
}
