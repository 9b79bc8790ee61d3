// Package config loads sshmon settings from flags, SSHMON_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pascal71/sshmon/client"
	"github.com/pascal71/sshmon/monitor"
	"github.com/pascal71/sshmon/state"
)

// EnvPrefix is prepended to every key when reading the environment, e.g. SSHMON_HOST.
const EnvPrefix = "sshmon"

// Config is the resolved sshmon configuration.
type Config struct {
	Host              string
	Port              int
	Username          string
	Password          string
	KeyPath           string
	Passphrase        string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatFailures int
	LogFile           string
	Debug             bool
}

// Connection returns the fixed parameters the connection store is seeded with.
func (c *Config) Connection() state.Config {
	return state.Config{Host: c.Host, Port: c.Port, Username: c.Username}
}

// ClientOptions returns the SSH client options.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		Addr:       c.Connection().Addr(),
		User:       c.Username,
		Password:   c.Password,
		KeyPath:    c.KeyPath,
		Passphrase: c.Passphrase,
		Timeout:    c.Timeout,
	}
}

// HeartbeatOptions returns the heartbeat options.
func (c *Config) HeartbeatOptions() monitor.HeartbeatOptions {
	return monitor.HeartbeatOptions{
		Interval:         c.HeartbeatInterval,
		Timeout:          c.HeartbeatTimeout,
		FailureThreshold: c.HeartbeatFailures,
	}
}

// NeedsPassword reports whether no credential was configured.
func (c *Config) NeedsPassword() bool {
	return c.Password == "" && c.KeyPath == ""
}

// Flags registers the command line flags on fs.
func Flags(fs *pflag.FlagSet) {
	def := state.DefaultConfig()
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("host", def.Host, "SSH host")
	fs.Int("port", def.Port, "SSH port")
	fs.String("username", def.Username, "SSH username")
	fs.String("password", "", "SSH password")
	fs.String("key-path", "", "path to a private key")
	fs.String("passphrase", "", "private key passphrase")
	fs.Duration("timeout", client.DefaultTimeout, "dial and command timeout")
	fs.Duration("heartbeat-interval", monitor.DefaultHeartbeatInterval, "time between liveness probes")
	fs.Duration("heartbeat-timeout", monitor.DefaultHeartbeatTimeout, "timeout of a single liveness probe")
	fs.Int("heartbeat-failures", monitor.DefaultFailureThreshold, "consecutive failed probes before the host is marked disconnected")
	fs.String("log-file", "sshmon.log", "log file")
	fs.Bool("debug", false, "log at debug level")
}

// Load resolves the configuration from fs, the environment and the config file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	keys := []string{
		"config", "host", "port", "username", "password", "key_path", "passphrase",
		"timeout", "heartbeat_interval", "heartbeat_timeout", "heartbeat_failures",
		"log_file", "debug",
	}
	if fs != nil {
		for _, key := range keys {
			if f := fs.Lookup(flagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}
	setDefaults(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		Username:          v.GetString("username"),
		Password:          v.GetString("password"),
		KeyPath:           v.GetString("key_path"),
		Passphrase:        v.GetString("passphrase"),
		Timeout:           v.GetDuration("timeout"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		HeartbeatTimeout:  v.GetDuration("heartbeat_timeout"),
		HeartbeatFailures: v.GetInt("heartbeat_failures"),
		LogFile:           v.GetString("log_file"),
		Debug:             v.GetBool("debug"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the client cannot work without.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Username == "" {
		return errors.New("username required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	def := state.DefaultConfig()
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("username", def.Username)
	v.SetDefault("timeout", client.DefaultTimeout)
	v.SetDefault("heartbeat_interval", monitor.DefaultHeartbeatInterval)
	v.SetDefault("heartbeat_timeout", monitor.DefaultHeartbeatTimeout)
	v.SetDefault("heartbeat_failures", monitor.DefaultFailureThreshold)
	v.SetDefault("log_file", "sshmon.log")
}

func flagName(key string) string {
	b := []byte(key)
	for i := range b {
		if b[i] == '_' {
			b[i] = '-'
		}
	}
	return string(b)
}
