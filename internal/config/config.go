// Package config loads application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// telegram
	TGApiID      int    `yaml:"tg_api_id"`
	TGApiHash    string `yaml:"tg_api_hash"`
	TGBotToken   string `yaml:"tg_bot_token"`
	TGSessionDB  string `yaml:"tg_session_db"`
	TGUseIPv6    bool   `yaml:"tg_use_ipv6"`
	TGProxyURL   string `yaml:"tg_proxy_url"`

	// web
	HTTPPort      int    `yaml:"http_port"`
	AdminPassword string `yaml:"admin_password"`
	SecretKey     string `yaml:"secret_key"`

	// storage
	DataDir   string `yaml:"data_dir"`
	ExportDir string `yaml:"export_dir"`

	// delegated downloader
	TDLContainer string `yaml:"tdl_container"`
	TDLBinary    string `yaml:"tdl_binary"`

	// nats (optional, empty = publishing disabled)
	NatsURL string `yaml:"nats_url"`

	// logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// defaults fills zero-valued fields.
func (c *Config) defaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 9528
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ExportDir == "" {
		c.ExportDir = filepath.Join(c.DataDir, "exports")
	}
	if c.TGSessionDB == "" {
		c.TGSessionDB = filepath.Join(c.DataDir, "sessions", "tg_export.db")
	}
	if c.TDLBinary == "" {
		c.TDLBinary = "tdl"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads the YAML config file, migrating the legacy flat key=value
// format in place when detected. A missing file yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// no file, defaults + env only
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if isLegacyFormat(data) {
			cfg = migrateLegacy(data)
			// rewrite in the current format so the migration runs once
			if out, merr := yaml.Marshal(cfg); merr == nil {
				_ = os.WriteFile(path, out, 0600)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.defaults()
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	c.TGApiID = getEnvInt("TG_API_ID", c.TGApiID)
	c.TGApiHash = getEnv("TG_API_HASH", c.TGApiHash)
	c.TGBotToken = getEnv("TG_BOT_TOKEN", c.TGBotToken)
	c.TGProxyURL = getEnv("TG_PROXY_URL", c.TGProxyURL)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.AdminPassword = getEnv("ADMIN_PASSWORD", c.AdminPassword)
	c.SecretKey = getEnv("SECRET_KEY", c.SecretKey)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.ExportDir = getEnv("EXPORT_DIR", c.ExportDir)
	c.NatsURL = getEnv("NATS_URL", c.NatsURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
}

// isLegacyFormat reports whether data looks like the old flat key=value
// store rather than YAML. The old format has one KEY=value pair per line.
func isLegacyFormat(data []byte) bool {
	seen := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "=") || strings.Contains(line, ": ") {
			return false
		}
		seen = true
	}
	return seen
}

// legacy key names as written by the pre-2.x releases
var legacyKeys = map[string]string{
	"API_ID":         "tg_api_id",
	"API_HASH":       "tg_api_hash",
	"BOT_TOKEN":      "tg_bot_token",
	"ADMIN_PASSWORD": "admin_password",
	"SECRET_KEY":     "secret_key",
	"WEB_PORT":       "http_port",
	"EXPORT_DIR":     "export_dir",
	"DATA_DIR":       "data_dir",
	"LOG_LEVEL":      "log_level",
	"TDL_CONTAINER":  "tdl_container",
	"PROXY_URL":      "tg_proxy_url",
	"USE_IPV6":       "tg_use_ipv6",
}

// migrateLegacy converts the flat key=value format into a Config.
// Unknown keys are dropped; absent keys take defaults later.
func migrateLegacy(data []byte) *Config {
	cfg := &Config{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch legacyKeys[k] {
		case "tg_api_id":
			cfg.TGApiID, _ = strconv.Atoi(v)
		case "tg_api_hash":
			cfg.TGApiHash = v
		case "tg_bot_token":
			cfg.TGBotToken = v
		case "admin_password":
			cfg.AdminPassword = v
		case "secret_key":
			cfg.SecretKey = v
		case "http_port":
			cfg.HTTPPort, _ = strconv.Atoi(v)
		case "export_dir":
			cfg.ExportDir = v
		case "data_dir":
			cfg.DataDir = v
		case "log_level":
			cfg.LogLevel = strings.ToLower(v)
		case "tdl_container":
			cfg.TDLContainer = v
		case "tg_proxy_url":
			cfg.TGProxyURL = v
		case "tg_use_ipv6":
			cfg.TGUseIPv6 = v == "true" || v == "1"
		}
	}
	return cfg
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
