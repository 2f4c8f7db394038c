// Package logging sets up the process-wide zerolog logger for the gateway
// daemon and for tests.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "EDGEGATE_LOG_LEVEL"
	EnvLogFormat    = "EDGEGATE_LOG_FORMAT"
	EnvLogTimestamp = "EDGEGATE_LOG_TIMESTAMP"
	EnvLogNoColor   = "EDGEGATE_LOG_NOCOLOR"
	EnvLogBypass    = "EDGEGATE_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config is the resolved logger setup.
type Config struct {
	Level     zerolog.Level
	Format    Format
	Timestamp bool
	NoColor   bool
	Bypass    bool
	Out       io.Writer
}

var configureOnce sync.Once

func ConfigureRuntime() { Configure(ProfileRuntime) }
func ConfigureTests()   { Configure(ProfileTest) }

// Configure installs the global logger once per process. Env vars override the
// profile defaults.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		log.Logger = cfg.Build()
	})
}

func defaultConfig(profile Profile) Config {
	if profile == ProfileTest {
		return Config{Level: zerolog.DebugLevel, Format: FormatConsole, Out: os.Stderr}
	}
	return Config{Level: zerolog.InfoLevel, Format: FormatConsole, Timestamp: true, Out: os.Stderr}
}

// Build returns a logger for cfg and sets the global level to match.
func (cfg Config) Build() zerolog.Logger {
	if cfg.Bypass {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		return zerolog.Nop()
	}
	zerolog.SetGlobalLevel(cfg.Level)
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != FormatJSON {
		out = zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
	}
	zctx := zerolog.New(out).With()
	if cfg.Timestamp {
		zctx = zctx.Timestamp()
	}
	return zctx.Logger()
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	switch Format(strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat)))) {
	case FormatJSON:
		cfg.Format = FormatJSON
	case FormatConsole:
		cfg.Format = FormatConsole
	}
	envBool(EnvLogTimestamp, &cfg.Timestamp)
	envBool(EnvLogNoColor, &cfg.NoColor)
	envBool(EnvLogBypass, &cfg.Bypass)
}

// ParseLevel maps level names onto zerolog levels. ok is false for empty or
// unknown input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "fatal":
		return zerolog.FatalLevel, true
	case "off", "disabled", "none":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

// envBool leaves dst untouched when the variable is unset or not a bool.
func envBool(key string, dst *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		*dst = v
	}
}
