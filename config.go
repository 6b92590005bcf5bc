package main

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/backend"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/session"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Server   ServerConfig   `mapstructure:"server"`
	Poll     PollConfig     `mapstructure:"poll"`
	Settings SettingsConfig `mapstructure:"settings"`
	Log      LogConfig      `mapstructure:"log"`
}

// BackendConfig locates the native streaming server
type BackendConfig struct {
	URL     string        `mapstructure:"url"`     // command endpoint
	Binary  string        `mapstructure:"binary"`  // launched when the endpoint is down; empty disables launching
	Args    []string      `mapstructure:"args"`    // extra launch arguments
	Timeout time.Duration `mapstructure:"timeout"` // per-command timeout
	Wait    time.Duration `mapstructure:"wait"`    // how long to wait for a launched backend
}

// ServerConfig holds the streaming listener options
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PollConfig holds the health poll timings
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Recheck  time.Duration `mapstructure:"recheck"`
}

// SettingsConfig locates the persisted ServerConfig
type SettingsConfig struct {
	Path string `mapstructure:"path"` // empty means the XDG config dir
}

// LogConfig holds logger options
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
	File   string `mapstructure:"file"`   // log destination while the TUI owns the terminal
}

// DefaultPort is the streaming port used when none is configured
const DefaultPort = 9921

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.url", backend.DefaultURL)
	v.SetDefault("backend.binary", "")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.timeout", backend.DefaultTimeout)
	v.SetDefault("backend.wait", 10*time.Second)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("poll.interval", session.DefaultPollInterval)
	v.SetDefault("poll.recheck", session.DefaultRecheckDelay)
	v.SetDefault("settings.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "clever-kvm-debug.log")
}

// flagKeys maps persistent flags to config keys
var flagKeys = map[string]string{
	"backend-url":    "backend.url",
	"backend-binary": "backend.binary",
	"port":           "server.port",
	"settings":       "settings.path",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"log-file":       "log.file",
}

// loadConfig merges defaults, the config file, KVM_* environment variables
// and flags, in increasing priority. configFile overrides the search path.
func loadConfig(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KVM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("clever-kvm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "clever-kvm"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
		// Config file not found; use defaults
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < session.MinPort || c.Server.Port > session.MaxPort {
		return errors.Errorf("server.port %d outside [%d, %d]", c.Server.Port, session.MinPort, session.MaxPort)
	}
	if c.Poll.Interval <= 0 {
		return errors.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Backend.URL == "" {
		return errors.New("backend.url must not be empty")
	}
	return nil
}
