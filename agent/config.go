package agent

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap/zapcore"
)

// Config is the file form of the agent options. Zero fields keep the defaults.
type Config struct {
	ListenAddr   string `yaml:"listenAddr"`
	LogLevel     string `yaml:"logLevel"`
	Root         string `yaml:"root"`
	StreamWindow uint32 `yaml:"streamWindow"`
	ReadLimit    int64  `yaml:"readLimit"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(b, &c, yaml.Strict()); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}

// Options converts the config into agent options.
func (c Config) Options() ([]Option, error) {
	var opts []Option
	if c.ListenAddr != "" {
		opts = append(opts, WithListenAddr(c.ListenAddr))
	}
	if c.LogLevel != "" {
		level, err := zapcore.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		opts = append(opts, WithLogLevel(level))
	}
	if c.Root != "" {
		opts = append(opts, WithRoot(c.Root))
	}
	if c.StreamWindow != 0 {
		opts = append(opts, WithStreamWindow(c.StreamWindow))
	}
	if c.ReadLimit != 0 {
		opts = append(opts, WithReadLimit(c.ReadLimit))
	}
	return opts, nil
}
