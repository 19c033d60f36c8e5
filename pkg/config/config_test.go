package config

import (
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestPresetsValid(t *testing.T) {
	for name, cfg := range map[string]*Config{
		"high-security":  NewHighSecurityConfig(),
		"high-usability": NewHighUsabilityConfig(),
	} {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err != nil {
				t.Errorf("preset should validate: %v", err)
			}
		})
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.ReviewProvider = "skynet" }},
		{"descending thresholds", func(c *Config) { c.Thresholds = TierThresholds{Medium: 10, High: 5, Critical: 20} }},
		{"zero medium threshold", func(c *Config) { c.Thresholds.Medium = 0 }},
		{"sensitivity too high", func(c *Config) { c.PersonaSensitivity = 1.5 }},
		{"autoban threshold zero", func(c *Config) { c.AutoBanAfter = 0 }},
		{"zero review timeout", func(c *Config) { c.ReviewTimeout = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("BULWARK_TEST_STR", "hello")
	t.Setenv("BULWARK_TEST_BOOL", "true")
	t.Setenv("BULWARK_TEST_INT", "42")
	t.Setenv("BULWARK_TEST_FLOAT", "1.5")
	t.Setenv("BULWARK_TEST_DUR", "90s")

	if got := GetEnv("BULWARK_TEST_STR", "x"); got != "hello" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("BULWARK_TEST_MISSING", "x"); got != "x" {
		t.Errorf("GetEnv default = %q", got)
	}
	if !GetEnvBool("BULWARK_TEST_BOOL", false) {
		t.Error("GetEnvBool should be true")
	}
	if got := GetEnvInt("BULWARK_TEST_INT", 0); got != 42 {
		t.Errorf("GetEnvInt = %d", got)
	}
	if got := GetEnvFloat("BULWARK_TEST_FLOAT", 0); got != 1.5 {
		t.Errorf("GetEnvFloat = %g", got)
	}
	if got := GetEnvDuration("BULWARK_TEST_DUR", 0); got != 90*time.Second {
		t.Errorf("GetEnvDuration = %v", got)
	}
	// Malformed values fall back to the default.
	t.Setenv("BULWARK_TEST_INT", "not-a-number")
	if got := GetEnvInt("BULWARK_TEST_INT", 7); got != 7 {
		t.Errorf("GetEnvInt fallback = %d", got)
	}
}
