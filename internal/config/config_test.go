package config

import (
	"testing"
	"time"
)

func TestWithDefaultsFillsEmptyFields(t *testing.T) {
	cfg := withDefaults(&Config{})
	if cfg.APIBaseURL == "" {
		t.Error("expected default API base URL")
	}
	if cfg.FeedURL == "" {
		t.Error("expected default feed URL")
	}
	if cfg.DefaultMode != "code" {
		t.Errorf("default mode = %q, want code", cfg.DefaultMode)
	}
	if cfg.CachePath == "" {
		t.Error("expected default cache path")
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", cfg.HTTPTimeout)
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := withDefaults(&Config{
		APIBaseURL:  "http://localhost:9090",
		DefaultMode: "plan",
		HTTPTimeout: 5 * time.Second,
	})
	if cfg.APIBaseURL != "http://localhost:9090" {
		t.Errorf("unexpected base URL %q", cfg.APIBaseURL)
	}
	if cfg.DefaultMode != "plan" {
		t.Errorf("unexpected mode %q", cfg.DefaultMode)
	}
	if cfg.HTTPTimeout != 5*time.Second {
		t.Errorf("unexpected timeout %v", cfg.HTTPTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := withDefaults(&Config{})
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing token")
	}
	cfg.Token = "tok-1"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
