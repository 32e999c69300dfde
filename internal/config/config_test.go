package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultMatchesResilienceContract(t *testing.T) {
	c := Default()
	if c.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseBackoff != time.Second || c.Retry.MaxBackoff != 8*time.Second {
		t.Errorf("unexpected backoff %s..%s", c.Retry.BaseBackoff, c.Retry.MaxBackoff)
	}
	if c.Breaker.FailureThreshold != 5 || c.Breaker.Cooldown != time.Minute {
		t.Errorf("unexpected breaker %d/%s", c.Breaker.FailureThreshold, c.Breaker.Cooldown)
	}
	if c.Gate.MinPrerequisiteMastery != 0.3 {
		t.Errorf("expected prerequisite threshold 0.3, got %f", c.Gate.MinPrerequisiteMastery)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	c := Default()
	c.Store.Backend = "cassandra"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestValidateRejectsUnboundedWorker(t *testing.T) {
	c := Default()
	c.Events.ContentConcurrency = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero content concurrency")
	}
	c = Default()
	c.Pipeline.AuditTimeout = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero audit timeout")
	}
}

func TestValidateRedisNeedsAddr(t *testing.T) {
	c := Default()
	c.Store.Backend = "redis"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for redis without address")
	}
	c.Store.RedisAddr = "localhost:6379"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateReserveBelowDeadline(t *testing.T) {
	c := Default()
	c.Pipeline.SafePolicyReserve = c.Pipeline.DefaultDeadline
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when reserve consumes the whole deadline")
	}
}

func TestEnvTransform(t *testing.T) {
	cases := map[string]string{
		"RECO_PIPELINE_DEFAULT_DEADLINE": "pipeline.default_deadline",
		"RECO_ENDPOINTS_POLICY_ADDRESS":  "endpoints.policy.address",
		"RECO_BREAKER_COOLDOWN":          "breaker.cooldown",
		"RECO_STORE_REDIS_ADDR":          "store.redis_addr",
		"RECO_CONCEPTS":                  "concepts",
		"RECO_EVENTS_CONTENT_QUEUE":      "events.content_queue",
		"RECO_UNKNOWN_THING":             "",
		"RECO_ENDPOINTS_BROKEN":          "",
	}
	for in, want := range cases {
		if got := envTransform(in); got != want {
			t.Errorf("envTransform(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recommender.yaml")
	yaml := `
concepts: 8
endpoints:
  policy:
    address: "policy:50051"
    timeout: 750ms
store:
  backend: sqlite
  path: /tmp/reco.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RECO_PIPELINE_DEFAULT_DEADLINE", "900ms")
	t.Setenv("RECO_BREAKER_FAILURE_THRESHOLD", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Concepts != 8 {
		t.Errorf("expected 8 concepts, got %d", cfg.Concepts)
	}
	if cfg.Endpoints.Policy.Address != "policy:50051" {
		t.Errorf("unexpected policy address %q", cfg.Endpoints.Policy.Address)
	}
	if cfg.Endpoints.Policy.Timeout != 750*time.Millisecond {
		t.Errorf("unexpected policy timeout %s", cfg.Endpoints.Policy.Timeout)
	}
	if cfg.Pipeline.DefaultDeadline != 900*time.Millisecond {
		t.Errorf("env override not applied: %s", cfg.Pipeline.DefaultDeadline)
	}
	if cfg.Breaker.FailureThreshold != 7 {
		t.Errorf("env override not applied: %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.Store.Backend)
	}
	// Untouched defaults survive the merge.
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default attempts, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs", "recommender.example.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if c.Concepts != 8 || c.Store.Backend != "sqlite" {
		t.Errorf("unexpected example config: concepts=%d backend=%s", c.Concepts, c.Store.Backend)
	}
	if c.Pipeline.SafePolicyReserve != 100*time.Millisecond || c.Endpoints.Policy.Timeout != 250*time.Millisecond {
		t.Errorf("durations not parsed: reserve=%s policy=%s", c.Pipeline.SafePolicyReserve, c.Endpoints.Policy.Timeout)
	}
	if c.Server.RateLimit != 600 {
		t.Errorf("expected rate limit 600, got %d", c.Server.RateLimit)
	}
}
