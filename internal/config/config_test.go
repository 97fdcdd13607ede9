package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("QUOTA_DAILY_PER_SUBJECT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialBackoff != 4*time.Second || cfg.Retry.MaxBackoff != 10*time.Second {
		t.Errorf("unexpected backoff %v..%v", cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("expected 1h cache ttl, got %v", cfg.Cache.TTL)
	}
	if cfg.Worker.Queue != "generation" {
		t.Errorf("expected generation queue, got %q", cfg.Worker.Queue)
	}
	if cfg.Generation.Model != "gpt-4o-mini" {
		t.Errorf("unexpected model %q", cfg.Generation.Model)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUOTA_DAILY_PER_SUBJECT", "7")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("WORKER_CONCURRENCY", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Quota.DailyPerSubject != 7 {
		t.Errorf("expected quota 7, got %d", cfg.Quota.DailyPerSubject)
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("expected 90s, got %v", cfg.Cache.TTL)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Errorf("expected concurrency 3, got %d", cfg.Worker.Concurrency)
	}
}

func TestReadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_SECRET", "")
	t.Setenv("TEST_SECRET_FILE", path)

	readSecret("TEST_SECRET")

	if got := os.Getenv("TEST_SECRET"); got != "s3cret" {
		t.Errorf("expected trimmed secret, got %q", got)
	}
}

func TestReadSecret_DirectValueWins(t *testing.T) {
	t.Setenv("TEST_SECRET", "direct")
	t.Setenv("TEST_SECRET_FILE", "/does/not/exist")

	readSecret("TEST_SECRET")

	if got := os.Getenv("TEST_SECRET"); got != "direct" {
		t.Errorf("expected direct value, got %q", got)
	}
}
