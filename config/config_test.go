package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.GroupMaxAge != 24*time.Hour {
		t.Errorf("group max age = %v, want 24h", cfg.GroupMaxAge)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("sweep interval = %v, want 1h", cfg.SweepInterval)
	}
	if cfg.SpotifyAPIURL == "" || cfg.SpotifyAccountsURL == "" {
		t.Error("spotify URLs should have defaults")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("GROUP_MAX_AGE", "1h")

	cfg := Load()

	if cfg.Port != "9999" {
		t.Errorf("port = %q, want 9999", cfg.Port)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.RedisDB != 3 {
		t.Errorf("redis db = %d, want 3", cfg.RedisDB)
	}
	if cfg.GroupMaxAge != time.Hour {
		t.Errorf("group max age = %v, want 1h", cfg.GroupMaxAge)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "not-a-duration")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	if cfg.PollInterval != 5*time.Second {
		t.Errorf("malformed duration not ignored: %v", cfg.PollInterval)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("malformed int not ignored: %d", cfg.RedisDB)
	}
}
