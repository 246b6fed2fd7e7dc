package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Runtime.FanOut != 4 || cfg.Runtime.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg.Runtime)
	}
	if cfg.StepTimeout() != 30*time.Second {
		t.Fatalf("unexpected step timeout %v", cfg.StepTimeout())
	}
	if cfg.RetryBase() != 200*time.Millisecond {
		t.Fatalf("unexpected retry base %v", cfg.RetryBase())
	}
}

func TestFromYAMLRejectsBadRuntime(t *testing.T) {
	cases := []string{
		"runtime:\n  fan_out: 0\n  step_timeout_seconds: 30\n  max_attempts: 3\nplaybooks:\n  enabled: [event]\n",
		"runtime:\n  fan_out: 4\n  step_timeout_seconds: 30\n  max_attempts: 0\nplaybooks:\n  enabled: [event]\n",
		"runtime:\n  fan_out: 4\n  step_timeout_seconds: 30\n  max_attempts: 3\nplaybooks:\n  enabled: []\n",
		"runtime:\n  fan_out: 4\n  step_timeout_seconds: 30\n  max_attempts: 3\nbilling:\n  costs:\n    checkout: -1\nplaybooks:\n  enabled: [event]\n",
	}
	for i, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.FanOut != Default().Runtime.FanOut {
		t.Fatalf("expected defaults when no file present")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	raw := "runtime:\n  fan_out: 2\n  step_timeout_seconds: 5\n  max_attempts: 1\nplaybooks:\n  enabled: [event]\n"
	if err := os.WriteFile(filepath.Join(dir, "showrunner.yml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.FanOut != 2 || cfg.Runtime.MaxAttempts != 1 {
		t.Fatalf("unexpected config %+v", cfg.Runtime)
	}
}
