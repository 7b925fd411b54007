// Package config provides configuration for the run controller service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int

	// RPCHost is the interface the RPC server binds to, loopback by default.
	// RPC callers are trusted.
	RPCHost string

	// Database
	DatabaseURL string

	// Reasoning engine. An empty URL runs the built-in demo engine.
	EngineURL     string
	EngineTimeout time.Duration

	// Gates. A zero timeout waits until resolved or cancelled.
	ApprovalTimeout      time.Duration
	ClarificationTimeout time.Duration
	ResolvedRetention    time.Duration

	// Runs
	MaxConcurrentRuns int
	CleanCitations    bool

	// Policy file overriding the built-in run policy
	PolicyFile string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// Auth
	APIKey string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence. A .env
// file in the working directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HTTPPort:          8080,
		RPCPort:           8082,
		RPCHost:           "127.0.0.1",
		DatabaseURL:       "file:reviewflow.db?cache=shared&mode=rwc",
		EngineTimeout:     30 * time.Second,
		ResolvedRetention: 10 * time.Minute,
		CleanCitations:    true,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		MaxMessageSize:    65536,
		SendBuffer:        256,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.RPCPort = getEnvInt("RPC_PORT", c.RPCPort)
	c.RPCHost = getEnv("RPC_HOST", c.RPCHost)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.EngineURL = getEnv("ENGINE_URL", c.EngineURL)
	c.EngineTimeout = getEnvMillis("ENGINE_TIMEOUT_MS", c.EngineTimeout)
	c.ApprovalTimeout = getEnvMillis("APPROVAL_TIMEOUT_MS", c.ApprovalTimeout)
	c.ClarificationTimeout = getEnvMillis("CLARIFICATION_TIMEOUT_MS", c.ClarificationTimeout)
	c.ResolvedRetention = getEnvMillis("RESOLVED_RETENTION_MS", c.ResolvedRetention)
	c.MaxConcurrentRuns = getEnvInt("MAX_CONCURRENT_RUNS", c.MaxConcurrentRuns)
	c.CleanCitations = getEnvBool("CLEAN_CITATIONS", c.CleanCitations)
	c.PolicyFile = getEnv("POLICY_FILE", c.PolicyFile)
	c.PingInterval = getEnvMillis("WS_PING_INTERVAL_MS", c.PingInterval)
	c.WriteTimeout = getEnvMillis("WS_WRITE_TIMEOUT_MS", c.WriteTimeout)
	c.ReadTimeout = getEnvMillis("WS_READ_TIMEOUT_MS", c.ReadTimeout)
	c.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))
	c.SendBuffer = getEnvInt("WS_SEND_BUFFER", c.SendBuffer)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 {
		return fmt.Errorf("http port must be positive")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max concurrent runs must not be negative")
	}
	if c.ApprovalTimeout < 0 || c.ClarificationTimeout < 0 {
		return fmt.Errorf("gate timeouts must not be negative")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("websocket ping interval must be positive")
	}
	if c.ReadTimeout > 0 && c.PingInterval >= c.ReadTimeout {
		return fmt.Errorf("websocket ping interval must be shorter than the read timeout")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// fileConfig is the YAML layout of a config file. Durations are kept as raw
// strings and parsed after unmarshaling.
type fileConfig struct {
	Server struct {
		HTTPPort int    `yaml:"http_port"`
		RPCPort  int    `yaml:"rpc_port"`
		RPCHost  string `yaml:"rpc_host"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Engine struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"engine"`
	Gates struct {
		ApprovalTimeout      string `yaml:"approval_timeout"`
		ClarificationTimeout string `yaml:"clarification_timeout"`
		ResolvedRetention    string `yaml:"resolved_retention"`
	} `yaml:"gates"`
	Runs struct {
		MaxConcurrent  int   `yaml:"max_concurrent"`
		CleanCitations *bool `yaml:"clean_citations"`
	} `yaml:"runs"`
	Policy struct {
		File string `yaml:"file"`
	} `yaml:"policy"`
	WebSocket struct {
		PingInterval   string `yaml:"ping_interval"`
		WriteTimeout   string `yaml:"write_timeout"`
		ReadTimeout    string `yaml:"read_timeout"`
		MaxMessageSize int64  `yaml:"max_message_size"`
		SendBuffer     int    `yaml:"send_buffer"`
	} `yaml:"websocket"`
	Auth struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	setInt(&c.HTTPPort, fc.Server.HTTPPort)
	setInt(&c.RPCPort, fc.Server.RPCPort)
	setString(&c.RPCHost, fc.Server.RPCHost)
	setString(&c.DatabaseURL, fc.Database.URL)
	setString(&c.EngineURL, fc.Engine.URL)
	setInt(&c.MaxConcurrentRuns, fc.Runs.MaxConcurrent)
	if fc.Runs.CleanCitations != nil {
		c.CleanCitations = *fc.Runs.CleanCitations
	}
	setString(&c.PolicyFile, fc.Policy.File)
	if fc.WebSocket.MaxMessageSize > 0 {
		c.MaxMessageSize = fc.WebSocket.MaxMessageSize
	}
	setInt(&c.SendBuffer, fc.WebSocket.SendBuffer)
	setString(&c.APIKey, fc.Auth.APIKey)
	setString(&c.LogLevel, fc.Logging.Level)
	setString(&c.LogFormat, fc.Logging.Format)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"engine.timeout", fc.Engine.Timeout, &c.EngineTimeout},
		{"gates.approval_timeout", fc.Gates.ApprovalTimeout, &c.ApprovalTimeout},
		{"gates.clarification_timeout", fc.Gates.ClarificationTimeout, &c.ClarificationTimeout},
		{"gates.resolved_retention", fc.Gates.ResolvedRetention, &c.ResolvedRetention},
		{"websocket.ping_interval", fc.WebSocket.PingInterval, &c.PingInterval},
		{"websocket.write_timeout", fc.WebSocket.WriteTimeout, &c.WriteTimeout},
		{"websocket.read_timeout", fc.WebSocket.ReadTimeout, &c.ReadTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
