package config

import (
	"flag"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig holds configuration for the appbridge binary.
type BridgeConfig struct {
	AgentURL        string        `yaml:"agent_url"`
	ClientName      string        `yaml:"client_name"`
	ClientVersion   string        `yaml:"client_version"`
	ExperimentalAPI bool          `yaml:"experimental_api"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	StatusAddr      string        `yaml:"status_addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RedisAddr       string        `yaml:"redis_addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	Reconnect       bool          `yaml:"reconnect"`
	ConfigFile      string        `yaml:"-"`
}

const (
	DefaultAgentURL    = "ws://127.0.0.1:4500"
	DefaultClientName  = "appbridge"
	DefaultStatusAddr  = "127.0.0.1:4501"
	DefaultCallTimeout = 15 * time.Second
)

// SetDefaults initializes c with built-in defaults. version is used as the
// client version when none is configured.
func (c *BridgeConfig) SetDefaults(version string) {
	if c.AgentURL == "" {
		c.AgentURL = DefaultAgentURL
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.ClientVersion == "" {
		c.ClientVersion = version
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.StatusAddr == "" {
		c.StatusAddr = DefaultStatusAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	c.Reconnect = true
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("appbridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := GetEnv("AGENT_URL", ""); v != "" {
		c.AgentURL = v
	}
	if v := GetEnv("CLIENT_NAME", ""); v != "" {
		c.ClientName = v
	}
	if v := GetEnv("CLIENT_VERSION", ""); v != "" {
		c.ClientVersion = v
	}
	if v := GetEnv("EXPERIMENTAL_API", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ExperimentalAPI = b
		}
	}
	if v := GetEnv("CALL_TIMEOUT", ""); v != "" {
		if d, ok := parseTimeout(v); ok {
			c.CallTimeout = d
		}
	}
	if v, ok := os.LookupEnv("STATUS_ADDR"); ok {
		c.StatusAddr = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("RECONNECT", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Reconnect = b
		}
	}
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults.
func (c *BridgeConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console or json)")
	fs.StringVar(&c.AgentURL, "agent-url", c.AgentURL, "websocket URL of the agent JSON-RPC endpoint")
	fs.StringVar(&c.ClientName, "client-name", c.ClientName, "client name sent in the initialize handshake")
	fs.StringVar(&c.ClientVersion, "client-version", c.ClientVersion, "client version sent in the initialize handshake")
	fs.BoolVar(&c.ExperimentalAPI, "experimental-api", c.ExperimentalAPI, "request the agent's experimental API surface")
	fs.Func("call-timeout", "per-call deadline (Go duration or seconds)", func(v string) error {
		d, ok := parseTimeout(v)
		if !ok {
			return strconv.ErrSyntax
		}
		c.CallTimeout = d
		return nil
	})
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "listen address for health, state and metrics; empty disables")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for publishing session state")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "retry the agent connection with backoff when it fails or drops")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Load builds the effective config: defaults, then the config file when it
// exists, then the environment, then command line flags from args.
func Load(fs *flag.FlagSet, args []string, version string) (*BridgeConfig, error) {
	c := &BridgeConfig{}
	c.SetDefaults(version)
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if p := configFlag(args); p != "" {
		c.ConfigFile = p
	}
	if _, err := os.Stat(c.ConfigFile); err == nil {
		if err := c.LoadFile(c.ConfigFile); err != nil {
			return nil, err
		}
	}
	c.ApplyEnv()
	c.BindFlagsFromCurrent(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}

// configFlag finds -config in args ahead of the full parse so the file can
// sit below the environment and flags.
func configFlag(args []string) string {
	for i, a := range args {
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// parseTimeout accepts a Go duration or a plain number of seconds.
func parseTimeout(v string) (time.Duration, bool) {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

// GetEnv returns the value of key, or def when it is unset or empty.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultConfigPath returns the default config file path for name.
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

// ResolveConfigPath constructs a config file path for the given OS and base
// directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "appbridge", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "appbridge", name)
	default:
		return filepath.Join("/etc", "appbridge", name)
	}
}
