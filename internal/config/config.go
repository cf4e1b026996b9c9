// Package config loads the gateway configuration from config.yaml and
// applies environment overrides. The risk policy lives in its own file
// (risk_policy.yml) and is loaded by the risk package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Broker     BrokerConfig     `yaml:"broker"`
	Risk       RiskConfig       `yaml:"risk"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Audit      AuditConfig      `yaml:"audit"`
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
	Submit     SubmitConfig     `yaml:"submit"`
	Tools      ToolsConfig      `yaml:"tools"`
	Reports    []ReportConfig   `yaml:"reports"`
	Stats      StatsConfig      `yaml:"stats"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

type BrokerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	ClientID  int    `yaml:"client_id"`
	AccountID string `yaml:"account_id"`
	// Paper selects the in-memory fake adapter instead of a live
	// connection. Defaults to true; live trading is opt-in.
	Paper bool `yaml:"paper"`
}

type RiskConfig struct {
	PolicyPath string `yaml:"policy_path"`
}

type ApprovalConfig struct {
	TokenTTLSeconds int               `yaml:"token_ttl_seconds"`
	MaxProposals    int               `yaml:"max_proposals"`
	AutoApprove     AutoApproveConfig `yaml:"auto_approve"`
}

func (c ApprovalConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

type AutoApproveConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MaxNotional       float64  `yaml:"max_notional"`
	AllowedSymbols    []string `yaml:"allowed_symbols"`
	AllowedSides      []string `yaml:"allowed_sides"`
	AllowedOrderTypes []string `yaml:"allowed_order_types"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

type KillSwitchConfig struct {
	StatePath string `yaml:"state_path"`
}

type SubmitConfig struct {
	MaxRetries       uint64 `yaml:"max_retries"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms"`
	MaxPolls         int    `yaml:"max_polls"`
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
}

func (c SubmitConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

func (c SubmitConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type ToolsConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	ToolCallsPerMinute     int    `yaml:"tool_calls_per_minute"`
	ToolCallsPerHour       int    `yaml:"tool_calls_per_hour"`
	SessionCallsPerMinute  int    `yaml:"session_calls_per_minute"`
	SessionCallsPerHour    int    `yaml:"session_calls_per_hour"`
	GlobalCallsPerMinute   int    `yaml:"global_calls_per_minute"`
	GlobalCallsPerHour     int    `yaml:"global_calls_per_hour"`
	BreakerThreshold       uint32 `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int    `yaml:"breaker_cooldown_seconds"`
}

func (c RateLimitConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

type ReportConfig struct {
	QueryID  string `yaml:"query_id"`
	Schedule string `yaml:"schedule"`
	Enabled  bool   `yaml:"enabled"`
}

type StatsConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

// Default returns the configuration used when config.yaml omits a key.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "8080",
			Env:      "dev",
			LogLevel: "info",
		},
		Broker: BrokerConfig{
			Host:      "127.0.0.1",
			Port:      7497,
			ClientID:  1,
			AccountID: "DU123456",
			Paper:     true,
		},
		Risk: RiskConfig{
			PolicyPath: "risk_policy.yml",
		},
		Approval: ApprovalConfig{
			TokenTTLSeconds: 300,
			MaxProposals:    1000,
		},
		Audit: AuditConfig{
			Path: "data/audit.db",
		},
		KillSwitch: KillSwitchConfig{
			StatePath: "data/kill_switch.json",
		},
		Submit: SubmitConfig{
			MaxRetries:       3,
			InitialBackoffMs: 200,
			MaxPolls:         60,
			PollIntervalMs:   1000,
		},
		Tools: ToolsConfig{
			RateLimit: RateLimitConfig{
				ToolCallsPerMinute:     60,
				ToolCallsPerHour:       500,
				SessionCallsPerMinute:  100,
				SessionCallsPerHour:    1000,
				GlobalCallsPerMinute:   1000,
				GlobalCallsPerHour:     10000,
				BreakerThreshold:       100,
				BreakerCooldownSeconds: 300,
			},
		},
		Stats: StatsConfig{
			SnapshotPath: "data/stats.json",
		},
	}
}

// Load reads config.yaml over the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}
