package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/park285/quiz-buzzer/internal/protocol"
)

type AppConfig struct {
	// signalling / relay switch
	RelayURL            string   `yaml:"relay_url"`
	RelayHTTPURL        string   `yaml:"relay_http_url"`
	RelayListenAddr     string   `yaml:"relay_listen_addr"`
	RelayAllowedOrigins []string `yaml:"relay_allowed_origins"`

	// host
	HostID           string   `yaml:"host_id"`
	HostName         string   `yaml:"host_name"`
	DirectListenAddr string   `yaml:"direct_listen_addr"`
	DirectAdvertise  []string `yaml:"direct_advertise"`
	STUNServer       string   `yaml:"stun_server"`
	GamePackPath     string   `yaml:"game_pack"`

	// mobile
	TargetHostID string `yaml:"target_host_id"`
	DisplayName  string `yaml:"display_name"`
	// JoinLink, when set, supplies RelayURL and TargetHostID.
	JoinLink string `yaml:"join_link"`

	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
	DatabaseURL string `yaml:"database_url"`

	Timers  TimerConfig   `yaml:"timers"`
	Clash   ClashConfig   `yaml:"clash"`
	Session SessionConfig `yaml:"session"`
	Queue   QueueConfig   `yaml:"queue"`
}

type TimerConfig struct {
	ReadingTimePerLetter time.Duration `yaml:"reading_time_per_letter"`
	ResponseWindow       time.Duration `yaml:"response_window"`
	HandicapDelay        time.Duration `yaml:"handicap_delay"`
	CompleteHold         time.Duration `yaml:"complete_hold"`
	Tick                 time.Duration `yaml:"tick"`
}

type ClashConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
	Bias    float64       `yaml:"bias"`
}

type SessionConfig struct {
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	DirectWindow         time.Duration `yaml:"direct_window"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	DisconnectCleanup    time.Duration `yaml:"disconnect_cleanup"`
	TeamIdleTTL          time.Duration `yaml:"team_idle_ttl"`
	BroadcastInterval    time.Duration `yaml:"broadcast_interval"`
	MaxReconnectFailures int           `yaml:"max_reconnect_failures"`
	TeamCacheTTL         time.Duration `yaml:"team_cache_ttl"`
}

type QueueConfig struct {
	Tick        time.Duration `yaml:"tick"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *AppConfig {
	return &AppConfig{
		RelayListenAddr:  ":8787",
		DirectListenAddr: ":8788",
		HostName:         "quiz host",
		RedisPrefix:      "buzzer:",
		Timers: TimerConfig{
			ReadingTimePerLetter: 50 * time.Millisecond,
			ResponseWindow:       10 * time.Second,
			HandicapDelay:        time.Second,
			CompleteHold:         3 * time.Second,
			Tick:                 100 * time.Millisecond,
		},
		// Clash draws are opt-in; the earliest buzz wins otherwise.
		Clash: ClashConfig{Enabled: false, Window: 500 * time.Millisecond, Bias: 1},
		Session: SessionConfig{
			HandshakeTimeout:     10 * time.Second,
			DirectWindow:         3 * time.Second,
			HeartbeatInterval:    4 * time.Second,
			ProbeInterval:        5 * time.Second,
			StaleAfter:           15 * time.Second,
			DisconnectCleanup:    10 * time.Minute,
			TeamIdleTTL:          5 * time.Minute,
			BroadcastInterval:    5 * time.Second,
			MaxReconnectFailures: 5,
			TeamCacheTTL:         12 * time.Hour,
		},
		Queue: QueueConfig{
			Tick:        2 * time.Second,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
	}
}

// Load reads .env (if present), then the YAML file named by BUZZER_CONFIG, then env overrides.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("BUZZER_CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() error {
	envString("RELAY_URL", &c.RelayURL)
	envString("RELAY_HTTP_URL", &c.RelayHTTPURL)
	envString("RELAY_LISTEN_ADDR", &c.RelayListenAddr)
	envList("RELAY_ALLOWED_ORIGINS", &c.RelayAllowedOrigins)

	envString("HOST_ID", &c.HostID)
	envString("HOST_NAME", &c.HostName)
	envString("DIRECT_LISTEN_ADDR", &c.DirectListenAddr)
	envList("DIRECT_ADVERTISE", &c.DirectAdvertise)
	envString("STUN_SERVER", &c.STUNServer)
	envString("GAME_PACK", &c.GamePackPath)

	envString("TARGET_HOST_ID", &c.TargetHostID)
	envString("DISPLAY_NAME", &c.DisplayName)
	envString("JOIN_LINK", &c.JoinLink)

	envString("REDIS_URL", &c.RedisURL)
	envString("REDIS_PREFIX", &c.RedisPrefix)
	envString("DATABASE_URL", &c.DatabaseURL)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(envDuration("READING_TIME_PER_LETTER", &c.Timers.ReadingTimePerLetter))
	collect(envDuration("RESPONSE_WINDOW", &c.Timers.ResponseWindow))
	collect(envDuration("HANDICAP_DELAY", &c.Timers.HandicapDelay))
	collect(envDuration("COMPLETE_HOLD", &c.Timers.CompleteHold))
	collect(envDuration("TIMER_TICK", &c.Timers.Tick))

	collect(envBool("CLASH_ENABLED", &c.Clash.Enabled))
	collect(envDuration("CLASH_WINDOW", &c.Clash.Window))
	collect(envFloat("CLASH_BIAS", &c.Clash.Bias))

	collect(envDuration("HANDSHAKE_TIMEOUT", &c.Session.HandshakeTimeout))
	collect(envDuration("DIRECT_WINDOW", &c.Session.DirectWindow))
	collect(envDuration("HEARTBEAT_INTERVAL", &c.Session.HeartbeatInterval))
	collect(envDuration("PROBE_INTERVAL", &c.Session.ProbeInterval))
	collect(envDuration("STALE_AFTER", &c.Session.StaleAfter))
	collect(envDuration("DISCONNECT_CLEANUP", &c.Session.DisconnectCleanup))
	collect(envDuration("TEAM_IDLE_TTL", &c.Session.TeamIdleTTL))
	collect(envDuration("BROADCAST_INTERVAL", &c.Session.BroadcastInterval))
	collect(envInt("MAX_RECONNECT_FAILURES", &c.Session.MaxReconnectFailures))
	collect(envDuration("TEAM_CACHE_TTL", &c.Session.TeamCacheTTL))

	collect(envDuration("QUEUE_TICK", &c.Queue.Tick))
	collect(envDuration("QUEUE_BASE_DELAY", &c.Queue.BaseDelay))
	collect(envDuration("QUEUE_MAX_DELAY", &c.Queue.MaxDelay))
	collect(envInt("QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts))

	return errors.Join(errs...)
}

func (c *AppConfig) ValidateRelay() error {
	if c.RelayListenAddr == "" {
		return errors.New("RELAY_LISTEN_ADDR is required")
	}
	return nil
}

func (c *AppConfig) ValidateHost() error {
	if c.RelayURL == "" {
		return errors.New("RELAY_URL is required")
	}
	if c.DirectListenAddr == "" {
		return errors.New("DIRECT_LISTEN_ADDR is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("QUEUE_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func (c *AppConfig) ValidateMobile() error {
	if c.JoinLink != "" {
		relayURL, hostID, err := protocol.ParseJoinLink(c.JoinLink)
		if err != nil {
			return err
		}
		c.RelayURL, c.TargetHostID = relayURL, hostID
	}
	if c.RelayURL == "" {
		return errors.New("RELAY_URL is required")
	}
	if c.TargetHostID == "" && c.RelayHTTPURL == "" {
		return errors.New("TARGET_HOST_ID or RELAY_HTTP_URL is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("QUEUE_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

// envDuration accepts Go durations ("1500ms") or bare milliseconds.
func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
		*dst = time.Duration(n) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid bool %q", key, v)
	}
	*dst = b
	return nil
}

func envFloat(key string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, v)
	}
	*dst = f
	return nil
}
