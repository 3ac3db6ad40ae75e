package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/execution"
	"gatekeeper/internal/risk"
	"gatekeeper/pkg/exchanges/common"
)

// Settings is the YAML settings file. Fields left out of the file keep their defaults.
type Settings struct {
	Risk      risk.SettingsBook      `yaml:"risk"`
	Breaker   breaker.Limits         `yaml:"breaker"`
	Execution execution.Config       `yaml:"execution"`
	RateLimit common.RateLimitConfig `yaml:"rate_limit"`
	Retry     common.RetryConfig     `yaml:"retry"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Risk:      risk.NewSettingsBook(risk.DefaultSettings()),
		Breaker:   breaker.DefaultLimits(),
		Execution: execution.DefaultConfig(),
		RateLimit: common.DefaultRateLimitConfig(),
		Retry:     common.DefaultRetryConfig(),
	}
}

// Validate rejects out-of-range values; nothing is clamped.
func (s Settings) Validate() error {
	checks := []struct {
		section string
		err     error
	}{
		{"risk", s.Risk.Validate()},
		{"breaker", s.Breaker.Validate()},
		{"execution", s.Execution.Validate()},
		{"rate_limit", s.RateLimit.Validate()},
		{"retry", s.Retry.Validate()},
	}
	for _, c := range checks {
		if c.err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, c.section, c.err)
		}
	}
	return nil
}

// LoadSettings reads and validates a settings file. Unknown keys are errors.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes YAML over the defaults and validates the result.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("%w: parse settings: %v", ErrInvalidConfiguration, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// WriteDefaultSettings writes the defaults to path. An existing file is kept
// unless overwrite is set.
func WriteDefaultSettings(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("settings file %s already exists", path)
		}
	}
	data, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}
