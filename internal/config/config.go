package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Global configuration structure.
type Global struct {
	// Preference store
	StoreBackend string `mapstructure:"store_backend" yaml:"store_backend"`
	StorePath    string `mapstructure:"store_path" yaml:"store_path"`
	// DefaultModel is a registry id or name chat uses instead of the selection.
	DefaultModel string `mapstructure:"default_model" yaml:"default_model"`

	// HTTP/stream timeouts
	HTTPDialTimeoutSec   int `mapstructure:"http_dial_timeout_sec" yaml:"http_dial_timeout_sec"`
	HTTPHeaderTimeoutSec int `mapstructure:"http_header_timeout_sec" yaml:"http_header_timeout_sec"`
	StreamIdleTimeoutSec int `mapstructure:"stream_idle_timeout_sec" yaml:"stream_idle_timeout_sec"`

	// Output pacing, 0 prints fragments as they arrive
	PaceRunesPerSec int `mapstructure:"pace_runes_per_sec" yaml:"pace_runes_per_sec"`

	NativeDefaultModel string `mapstructure:"native_default_model" yaml:"native_default_model"`

	// storePathDefaulted marks a StorePath derived from the backend, not saved.
	storePathDefaulted bool
}

// Keys lists the settable keys in display order.
var Keys = []string{
	"store_backend",
	"store_path",
	"default_model",
	"http_dial_timeout_sec",
	"http_header_timeout_sec",
	"stream_idle_timeout_sec",
	"pace_runes_per_sec",
	"native_default_model",
}

// Dir returns ~/.chatstream.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".chatstream"), nil
}

// Save writes the given configuration to the cfgFile path. If cfgFile is empty,
// it writes to ~/.chatstream/config.yaml, creating the directory if necessary.
func Save(c *Global, cfgFile string) error {
	var path string
	if cfgFile != "" {
		path = cfgFile
	} else {
		dir, err := Dir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}
	out := *c
	if out.storePathDefaulted {
		out.StorePath = ""
	}
	b, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Load loads configuration from file, env, and defaults.
// Precedence: flags (cfgFile) > env > config file > defaults.
func Load(cfgFile string) (*Global, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATSTREAM")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store_backend", "file")
	v.SetDefault("store_path", "")
	v.SetDefault("default_model", "")
	v.SetDefault("http_dial_timeout_sec", 10)
	v.SetDefault("http_header_timeout_sec", 60)
	v.SetDefault("stream_idle_timeout_sec", 90)
	v.SetDefault("pace_runes_per_sec", 0)
	v.SetDefault("native_default_model", "")

	// Config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	// optional read
	_ = v.ReadInConfig()

	var c Global
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Resolve store_path default next to the config file
	if c.StorePath == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		c.StorePath = filepath.Join(dir, defaultStoreFile(c.StoreBackend))
		c.storePathDefaulted = true
	}
	return &c, nil
}

func defaultStoreFile(backend string) string {
	if strings.EqualFold(backend, "sqlite") {
		return "preferences.db"
	}
	return "preferences.json"
}

// Set assigns a value by key, validating its type.
func (c *Global) Set(key, val string) error {
	switch key {
	case "store_backend":
		switch strings.ToLower(val) {
		case "memory", "file", "sqlite":
			c.StoreBackend = strings.ToLower(val)
			if c.storePathDefaulted {
				c.StorePath = filepath.Join(filepath.Dir(c.StorePath), defaultStoreFile(c.StoreBackend))
			}
		default:
			return fmt.Errorf("invalid store_backend: %s (use memory, file or sqlite)", val)
		}
	case "store_path":
		c.StorePath = val
		c.storePathDefaulted = val == ""
	case "default_model":
		c.DefaultModel = val
	case "http_dial_timeout_sec":
		return setNonNegative(&c.HTTPDialTimeoutSec, key, val)
	case "http_header_timeout_sec":
		return setNonNegative(&c.HTTPHeaderTimeoutSec, key, val)
	case "stream_idle_timeout_sec":
		return setNonNegative(&c.StreamIdleTimeoutSec, key, val)
	case "pace_runes_per_sec":
		return setNonNegative(&c.PaceRunesPerSec, key, val)
	case "native_default_model":
		c.NativeDefaultModel = val
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return nil
}

// Get returns the display value for key.
func (c *Global) Get(key string) (string, bool) {
	switch key {
	case "store_backend":
		return c.StoreBackend, true
	case "store_path":
		return c.StorePath, true
	case "default_model":
		return c.DefaultModel, true
	case "http_dial_timeout_sec":
		return strconv.Itoa(c.HTTPDialTimeoutSec), true
	case "http_header_timeout_sec":
		return strconv.Itoa(c.HTTPHeaderTimeoutSec), true
	case "stream_idle_timeout_sec":
		return strconv.Itoa(c.StreamIdleTimeoutSec), true
	case "pace_runes_per_sec":
		return strconv.Itoa(c.PaceRunesPerSec), true
	case "native_default_model":
		return c.NativeDefaultModel, true
	}
	return "", false
}

func setNonNegative(dst *int, key, val string) error {
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return fmt.Errorf("invalid int for %s: %v", key, val)
	}
	*dst = i
	return nil
}

// Seconds converts a *_sec setting to a duration; 0 disables the bound.
func Seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
