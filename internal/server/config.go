package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string               `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig       `json:"database" yaml:"database"`
	Auth       AuthConfig           `json:"auth" yaml:"auth"`
	Security   SecurityConfig       `json:"security" yaml:"security"`
	Keys       KeyPoolConfig        `json:"keys" yaml:"keys"`
	Scan       ScanDefaultsConfig   `json:"scan" yaml:"scan"`
	Observer   ObservabilityConfig  `json:"observability" yaml:"observability"`
	Limits     UserQuickLimitConfig `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminAllowedDomains []string `json:"admin_allowed_domains" yaml:"admin_allowed_domains"`
	AdminToken          string   `json:"admin_token" yaml:"admin_token"`
}

type KeyPoolConfig struct {
	ScanKeys []ScanKeyConfig `json:"scan_key_pool" yaml:"scan_key_pool"`
}

// ScanKeyConfig describes one pooled API key used for admin-initiated scans.
// Limits are in probe requests, the unit the scanner actually spends.
type ScanKeyConfig struct {
	Label           string `json:"label" yaml:"label"`
	APIKey          string `json:"api_key" yaml:"api_key"`
	DailyProbeLimit int    `json:"daily_probe_limit" yaml:"daily_probe_limit"`
	RPM             int    `json:"rpm" yaml:"rpm"`
}

// ScanDefaultsConfig controls probe volume for scans that do not override it.
type ScanDefaultsConfig struct {
	ToolRounds        int  `json:"tool_rounds" yaml:"tool_rounds"`
	WithThinking      bool `json:"with_thinking" yaml:"with_thinking"`
	RoundDelayMS      int  `json:"round_delay_ms" yaml:"round_delay_ms"`
	DefaultTimeoutSec int  `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	MaxParallelScans  int  `json:"max_parallel_scans" yaml:"max_parallel_scans"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type UserQuickLimitConfig struct {
	QuickScanRPM int `json:"quick_scan_rpm" yaml:"quick_scan_rpm"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "relaytrace_session",
		},
		Scan: ScanDefaultsConfig{
			ToolRounds:        2,
			WithThinking:      true,
			RoundDelayMS:      500,
			DefaultTimeoutSec: 180,
			MaxParallelScans:  2,
		},
		Observer: ObservabilityConfig{
			ServiceName: "relaytrace-api",
			SampleRatio: 1,
		},
		Limits: UserQuickLimitConfig{
			QuickScanRPM: 6,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "relaytrace_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Scan.ToolRounds <= 0 {
		cfg.Scan.ToolRounds = 2
	}
	if cfg.Scan.RoundDelayMS <= 0 {
		cfg.Scan.RoundDelayMS = 500
	}
	if cfg.Scan.DefaultTimeoutSec <= 0 {
		cfg.Scan.DefaultTimeoutSec = 180
	}
	if cfg.Scan.MaxParallelScans <= 0 {
		cfg.Scan.MaxParallelScans = 2
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "relaytrace-api"
	}
	if cfg.Limits.QuickScanRPM <= 0 {
		cfg.Limits.QuickScanRPM = 6
	}
}
