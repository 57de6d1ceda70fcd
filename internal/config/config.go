// Package config loads the ftpd configuration.
//
// Sources, in order of precedence: environment variables (FTPD_*),
// then the configuration file (YAML), then defaults. The result is an
// immutable snapshot; the server never re-reads configuration at
// runtime.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/telmach/ftpd/server"
)

// Config is the full file/env configuration surface.
type Config struct {
	// BindAddress is the listen address; empty binds every interface.
	BindAddress string `mapstructure:"bind_address"`

	// Port is the control port.
	Port uint16 `mapstructure:"port"`

	// Root is the directory mounted at the virtual root "/".
	Root string `mapstructure:"root"`

	// Mounts maps additional virtual path prefixes to backing
	// directories, e.g. "/vol": "/mnt/volume".
	Mounts map[string]string `mapstructure:"mounts"`

	// AnonymousOK accepts anonymous/ftp logins with any password.
	AnonymousOK bool `mapstructure:"anonymous_ok"`

	// User restricts logins to one name when set.
	User string `mapstructure:"user"`

	// Password is the shared plaintext password; PasswordHash is its
	// bcrypt alternative and takes precedence.
	Password     string `mapstructure:"password"`
	PasswordHash string `mapstructure:"password_hash"`

	// ReadOnly rejects every mutating verb.
	ReadOnly bool `mapstructure:"read_only"`

	DataBufferBytes    int `mapstructure:"data_buffer_bytes"`
	ControlBufferBytes int `mapstructure:"control_buffer_bytes"`

	PassivePortMin uint16 `mapstructure:"passive_port_min"`
	PassivePortMax uint16 `mapstructure:"passive_port_max"`

	DataTimeout        time.Duration `mapstructure:"data_timeout"`
	ControlIdleTimeout time.Duration `mapstructure:"control_idle_timeout"`

	MaxClients int `mapstructure:"max_clients"`

	WelcomeBanner string `mapstructure:"welcome_banner"`

	// MetricsAddr, when set, exposes Prometheus metrics over HTTP.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

// Load reads the configuration from path (optional) and FTPD_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", server.DefaultPort)
	v.SetDefault("anonymous_ok", true)
	v.SetDefault("data_buffer_bytes", server.DefaultDataBufferBytes)
	v.SetDefault("control_buffer_bytes", server.DefaultControlBufferBytes)
	v.SetDefault("data_timeout", server.DefaultDataTimeout)
	v.SetDefault("control_idle_timeout", server.DefaultControlIdleTimeout)
	v.SetDefault("max_clients", server.DefaultMaxClients)
	v.SetDefault("welcome_banner", server.DefaultWelcomeBanner)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetEnvPrefix("FTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only reaches keys viper already knows; bind the keys
	// without a default so their FTPD_* variables are honored too.
	// Mounts are read from the file only.
	for _, key := range []string{"bind_address", "root", "user", "password", "password_hash",
		"read_only", "passive_port_min", "passive_port_max", "metrics_addr"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Root == "" && len(c.Mounts) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("root or at least one mount is required"))
	}
	if c.Root != "" {
		if st, err := os.Stat(c.Root); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("root: %w", err))
		} else if !st.IsDir() {
			errs = multierror.Append(errs, fmt.Errorf("root %s is not a directory", c.Root))
		}
	}
	if c.BindAddress != "" {
		if _, err := netip.ParseAddr(c.BindAddress); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bind_address: %w", err))
		}
	}
	if c.PassivePortMin != 0 || c.PassivePortMax != 0 {
		if c.PassivePortMax <= c.PassivePortMin {
			errs = multierror.Append(errs,
				fmt.Errorf("passive port range [%d, %d) is empty", c.PassivePortMin, c.PassivePortMax))
		}
	}
	if c.PasswordHash != "" && !strings.HasPrefix(c.PasswordHash, "$2") {
		errs = multierror.Append(errs, fmt.Errorf("password_hash is not a bcrypt hash"))
	}
	if c.MaxClients < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_clients must not be negative"))
	}

	return errs.ErrorOrNil()
}

// ServerConfig converts the loaded configuration into the server's
// immutable form.
func (c *Config) ServerConfig() server.Config {
	var bind netip.Addr
	if c.BindAddress != "" {
		bind, _ = netip.ParseAddr(c.BindAddress)
	}
	return server.Config{
		BindAddress:        bind,
		Port:               c.Port,
		AnonymousOK:        c.AnonymousOK,
		User:               c.User,
		Password:           c.Password,
		PasswordHash:       c.PasswordHash,
		ReadOnly:           c.ReadOnly,
		DataBufferBytes:    c.DataBufferBytes,
		ControlBufferBytes: c.ControlBufferBytes,
		PassivePortMin:     c.PassivePortMin,
		PassivePortMax:     c.PassivePortMax,
		DataTimeout:        c.DataTimeout,
		ControlIdleTimeout: c.ControlIdleTimeout,
		MaxClients:         c.MaxClients,
		WelcomeBanner:      c.WelcomeBanner,
	}
}

// MountTable builds the vfs mount map from root plus extra mounts.
func (c *Config) MountTable() map[string]string {
	mounts := make(map[string]string, len(c.Mounts)+1)
	if c.Root != "" {
		mounts["/"] = c.Root
	}
	for virtual, real := range c.Mounts {
		mounts[virtual] = real
	}
	return mounts
}

// Logger builds the process logger from the logging section.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(c.Logging.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
