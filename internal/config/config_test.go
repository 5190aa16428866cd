package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/park285/quiz-buzzer/internal/protocol"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BUZZER_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MaxAttempts != 5 || cfg.Queue.Tick != 2*time.Second {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Session.StaleAfter != 15*time.Second || cfg.Session.HeartbeatInterval != 4*time.Second {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Clash.Enabled || cfg.Clash.Window != 500*time.Millisecond {
		t.Fatalf("unexpected clash defaults: %+v", cfg.Clash)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buzzer.yaml")
	body := []byte("relay_url: ws://file/ws\nclash:\n  enabled: true\n  window: 250ms\nqueue:\n  max_attempts: 3\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BUZZER_CONFIG", path)
	t.Setenv("RELAY_URL", "ws://env/ws")
	t.Setenv("RESPONSE_WINDOW", "0")
	t.Setenv("DIRECT_ADVERTISE", "ws://a:1/direct, ws://b:2/direct ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "ws://env/ws" {
		t.Fatalf("env must override file, got %q", cfg.RelayURL)
	}
	if !cfg.Clash.Enabled || cfg.Clash.Window != 250*time.Millisecond {
		t.Fatalf("file clash not applied: %+v", cfg.Clash)
	}
	if cfg.Queue.MaxAttempts != 3 || cfg.Queue.BaseDelay != time.Second {
		t.Fatalf("file queue merge wrong: %+v", cfg.Queue)
	}
	if cfg.Timers.ResponseWindow != 0 {
		t.Fatalf("RESPONSE_WINDOW=0 should disable the window, got %v", cfg.Timers.ResponseWindow)
	}
	if len(cfg.DirectAdvertise) != 2 || cfg.DirectAdvertise[1] != "ws://b:2/direct" {
		t.Fatalf("DirectAdvertise = %v", cfg.DirectAdvertise)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("BUZZER_CONFIG", "")
	t.Setenv("QUEUE_TICK", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestValidators(t *testing.T) {
	cfg := Defaults()
	if err := cfg.ValidateHost(); err == nil {
		t.Fatalf("host without relay url must fail")
	}
	cfg.RelayURL = "ws://relay/ws"
	if err := cfg.ValidateHost(); err != nil {
		t.Fatalf("ValidateHost: %v", err)
	}
	if err := cfg.ValidateMobile(); err == nil {
		t.Fatalf("mobile without target must fail")
	}
	cfg.TargetHostID = "h1"
	if err := cfg.ValidateMobile(); err != nil {
		t.Fatalf("ValidateMobile: %v", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		t.Fatalf("ValidateRelay: %v", err)
	}
}

func TestValidateMobileJoinLink(t *testing.T) {
	cfg := Defaults()
	cfg.JoinLink = protocol.JoinLink("wss://relay/ws", "host-7")
	if err := cfg.ValidateMobile(); err != nil {
		t.Fatalf("ValidateMobile: %v", err)
	}
	if cfg.RelayURL != "wss://relay/ws" || cfg.TargetHostID != "host-7" {
		t.Fatalf("join link not applied: %q %q", cfg.RelayURL, cfg.TargetHostID)
	}
	cfg.JoinLink = "nonsense"
	if err := cfg.ValidateMobile(); err == nil {
		t.Fatalf("bad join link must fail")
	}
}
