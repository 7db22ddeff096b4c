// Package config holds the server settings. Values come from built-in defaults, then
// RP2G_* environment variables (optionally read from a .env file), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/dontdude/rp2g/internal/envelope"
	rlog "github.com/dontdude/rp2g/internal/log"
	"github.com/dontdude/rp2g/internal/runner"
	"github.com/dontdude/rp2g/internal/worker"
)

// EnvPrefix is prepended to the upper-cased flag name to form its environment variable.
const EnvPrefix = "RP2G_"

// Launcher names.
const (
	LauncherLocal  = "local"
	LauncherDocker = "docker"
)

// Config is the server configuration.
type Config struct {
	Port    int
	Webroot string

	Tool     string
	Archiver string
	// WorkRoot is the parent of job directories. Empty selects the system temp directory.
	WorkRoot       string
	NotifyInterval time.Duration
	ChunkSize      int
	Codec          string

	Launcher     string
	DockerImage  string
	DockerMemory int64
	DockerPull   bool

	// RedisAddr enables log broadcasting when set.
	RedisAddr string

	LogLevel  string
	LogFormat string

	// RateLimit is the number of connections per second allowed per client IP. Zero disables it.
	RateLimit       float64
	RateBurst       int
	MaxMessageBytes int64
	ShutdownTimeout time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            8644,
		Webroot:         ".",
		Tool:            "p2g",
		Archiver:        "zip",
		NotifyInterval:  worker.DefaultNotifyInterval,
		ChunkSize:       runner.DefaultChunkSize,
		Codec:           "identity",
		Launcher:        LauncherLocal,
		LogLevel:        "info",
		LogFormat:       "text",
		RateLimit:       1,
		RateBurst:       5,
		MaxMessageBytes: 32 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RegisterFlags binds the configuration fields to flags of fs, using the current values
// as defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "TCP port to listen on")
	fs.StringVar(&c.Webroot, "webroot", c.Webroot, "directory served to non-WebSocket requests")
	fs.StringVar(&c.Tool, "tool", c.Tool, "conversion tool executable")
	fs.StringVar(&c.Archiver, "archiver", c.Archiver, "archiver executable used for zip packaging")
	fs.StringVar(&c.WorkRoot, "work-root", c.WorkRoot, "dedicated parent directory for job directories (swept on startup)")
	fs.DurationVar(&c.NotifyInterval, "notify-interval", c.NotifyInterval, "interval of queue position notices")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "read size for the tool's diagnostic stream")
	fs.StringVar(&c.Codec, "codec", c.Codec, "result envelope codec (identity, deflate)")
	fs.StringVar(&c.Launcher, "launcher", c.Launcher, "where the tool runs (local, docker)")
	fs.StringVar(&c.DockerImage, "docker-image", c.DockerImage, "image holding the tool for the docker launcher")
	fs.Int64Var(&c.DockerMemory, "docker-memory", c.DockerMemory, "container memory limit in bytes, 0 for none")
	fs.BoolVar(&c.DockerPull, "docker-pull", c.DockerPull, "pull the docker image on startup")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for log broadcasting, empty to disable")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (text, json)")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "WebSocket connections per second per client IP, 0 to disable")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "burst size of the per-IP rate limit")
	fs.Int64Var(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "largest accepted WebSocket message")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "grace period for open connections on shutdown")
}

// EnvName returns the environment variable overriding the named flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// LoadDotEnv reads variables from path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv sets every flag not given on the command line from its environment variable.
func ApplyEnv(fs *pflag.FlagSet, lookup func(string) (string, bool)) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := EnvName(f.Name)
		v, ok := lookup(name)
		if !ok {
			return
		}
		if err := f.Value.Set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if fi, err := os.Stat(c.Webroot); err != nil {
		errs = append(errs, fmt.Errorf("webroot: %w", err))
	} else if !fi.IsDir() {
		errs = append(errs, fmt.Errorf("webroot %s is not a directory", c.Webroot))
	}
	if c.Tool == "" {
		errs = append(errs, errors.New("tool is required"))
	}
	if c.Archiver == "" {
		errs = append(errs, errors.New("archiver is required"))
	}
	if c.NotifyInterval <= 0 {
		errs = append(errs, errors.New("notify interval must be positive"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk size must be positive"))
	}
	if _, err := envelope.ByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	switch c.Launcher {
	case LauncherLocal:
	case LauncherDocker:
		if c.DockerImage == "" {
			errs = append(errs, errors.New("docker launcher requires a docker image"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown launcher %q", c.Launcher))
	}
	if c.DockerMemory < 0 {
		errs = append(errs, errors.New("docker memory must not be negative"))
	}
	if _, err := rlog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, errors.New("rate burst must be at least 1"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max message bytes must be positive"))
	}
	return errors.Join(errs...)
}
