// Package config layers built-in defaults, an optional YAML file and
// command line flags.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	KeyConfig       = "config"
	KeyInput        = "input"
	KeyFile         = "file"
	KeyOutput       = "output"
	KeyWorkers      = "workers"
	KeyLogLevel     = "log-level"
	KeyLogFormat    = "log-format"
	KeyTags         = "tags"
	KeyFetchCover   = "fetch-cover"
	KeyCoverTimeout = "cover-timeout"
	KeyCoverRetries = "cover-retries"
)

type Config struct {
	Input        string        `koanf:"input"`
	Files        []string      `koanf:"file"`
	Output       string        `koanf:"output"`
	Workers      int           `koanf:"workers"`
	LogLevel     string        `koanf:"log-level"`
	LogFormat    string        `koanf:"log-format"`
	Tags         bool          `koanf:"tags"`
	FetchCover   bool          `koanf:"fetch-cover"`
	CoverTimeout time.Duration `koanf:"cover-timeout"`
	CoverRetries uint64        `koanf:"cover-retries"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		KeyOutput:       "./",
		KeyWorkers:      runtime.NumCPU(),
		KeyLogLevel:     "info",
		KeyLogFormat:    "text",
		KeyTags:         true,
		KeyFetchCover:   false,
		KeyCoverTimeout: 10 * time.Second,
		KeyCoverRetries: 3,
	}
}

// Load builds the configuration. Flags that were not set on the command
// line do not override the file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path, err := flags.GetString(KeyConfig)
	if err == nil && path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

// Logger builds the logrus logger described by the configuration.
func (c *Config) Logger() (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	switch c.LogFormat {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format: %s", c.LogFormat)
	}
	return log, nil
}
