package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the server looks for its configuration when no
// --config flag is given. A missing file is not an error: Load writes
// the built-in defaults there so operators have something to edit.
const DefaultPath = "shellmcp.yaml"

// Config is the main configuration structure for the server.
type Config struct {
	// SessionTimeout is the idle eviction threshold for shell sessions,
	// in seconds.
	SessionTimeout int `yaml:"session_timeout"`

	CommandFilter CommandFilterConfig `yaml:"command_filter"`
	SSH           SSHConfig           `yaml:"ssh"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CommandFilterConfig holds the ordered regex rule lists for the policy
// engine. An empty whitelist means the allow-list check is inactive.
type CommandFilterConfig struct {
	Blacklist []string `yaml:"blacklist"`
	Whitelist []string `yaml:"whitelist"`
}

// SSHConfig holds defaults for remote execution.
type SSHConfig struct {
	// DefaultKeyFile is written to generated config files but never
	// consumed: auth material for a remote call comes from the tool
	// arguments, falling back to the standard ~/.ssh identity files.
	DefaultKeyFile string `yaml:"default_key_file"`

	// Timeout is the TCP dial timeout in seconds.
	Timeout int `yaml:"timeout"`

	// MaxConnections caps concurrently cached SSH connections.
	// TODO: enforce in the session store; currently config surface only.
	MaxConnections int `yaml:"max_connections"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads and parses the configuration file.
//
// If the file does not exist, the built-in defaults are written to path
// and returned. Environment variables in the file are expanded before
// parsing, so values like ${HOME}/.ssh/id_rsa work.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			if werr := cfg.Write(path); werr != nil {
				return nil, fmt.Errorf("failed to write default config: %w", werr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	return &cfg, nil
}

// Write marshals the configuration to YAML and writes it to path.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 1200
	}
	if cfg.SSH.Timeout <= 0 {
		cfg.SSH.Timeout = 30
	}
	if cfg.SSH.MaxConnections <= 0 {
		cfg.SSH.MaxConnections = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Default returns the built-in configuration. The blacklist targets
// commands that destroy the host: recursive deletes of system roots,
// disk formatting and partitioning, fork bombs, shutdown and friends,
// credential tampering, and piping downloads into a shell. Anchored
// patterns match at the start of the normalized command; the trailing
// unanchored entries catch chained bypass attempts anywhere in the line.
func Default() *Config {
	return &Config{
		SessionTimeout: 1200,
		CommandFilter: CommandFilterConfig{
			Blacklist: []string{
				// destructive deletes
				`^\s*rm\s+-rf\s+/(\s|$)`,
				`^\s*rm\s+-rf\s+/home`,
				`^\s*rm\s+-rf\s+/etc`,
				`^\s*rm\s+-rf\s+/boot`,
				`^\s*rm\s+-rf\s+/var`,
				`^\s*rm\s+-rf\s+/root`,
				`^\s*rm\s+-rf\s+/usr`,
				`^\s*rm\s+-rf\s+/lib`,
				`^\s*rm\s+-rf\s+/opt`,
				`^\s*rm\s+-rf\s+--no-preserve-root`,
				`^\s*rm\s+-fr\s+--no-preserve-root`,
				// formatting, partitioning, raw disk writes
				`^\s*mkfs\.`,
				`^\s*dd\s+.*of=/dev/`,
				`^\s*parted`,
				`^\s*fdisk`,
				`^\s*mklabel`,
				`^\s*mkswap`,
				`^\s*wipefs`,
				// fork bomb
				`^\s*:\(\)\{\s*:\|:\s*;\s*\};:`,
				// shutdown and reboot
				`^\s*shutdown`,
				`^\s*reboot`,
				`^\s*halt`,
				`^\s*poweroff`,
				`^\s*init\s+`,
				// cron wipe
				`^\s*crontab\s+-r`,
				// account and credential tampering
				`^\s*userdel`,
				`^\s*passwd\s+root`,
				// permission and ownership on system paths
				`^\s*chmod\s+777\s+/`,
				`^\s*chown\s+.*:/`,
				// truncating system files
				`^\s*>\s*/dev/`,
				`^\s*>\s*/etc/`,
				`^\s*>\s*/boot/`,
				`^\s*>\s*/root/`,
				// download piped into a shell
				`^\s*curl.*\|.*sh`,
				`^\s*wget.*\|.*sh`,
				// broad process kills
				`^\s*killall`,
				`^\s*pkill`,
				`^\s*kill\s+-9\s+1`,
				`^\s*kill\s+-9\s+[0-9]+`,
				// chained bypass attempts, matched anywhere
				`.*;\s*rm\s+-rf`,
				`.*&&\s*rm\s+-rf`,
				`.*\|\s*sh\s*$`,
			},
			Whitelist: []string{"ifconfig", "ip", "df"},
		},
		SSH: SSHConfig{
			DefaultKeyFile: "~/.ssh/id_rsa",
			Timeout:        30,
			MaxConnections: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "shellmcp.log",
		},
	}
}
