package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	log = zerolog.Nop()
	mu  sync.RWMutex
)

type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarn     LogLevel = "warn"
	LogLevelError    LogLevel = "error"
	LogLevelDisabled LogLevel = "disabled"
)

type LogMode string

const (
	LogModeDebug  LogMode = "debug"
	LogModePretty LogMode = "pretty"
	LogModeInfo   LogMode = "info"
	LogModeProd   LogMode = "prod"
	LogModeTest   LogMode = "test"
)

type Config struct {
	Level         LogLevel
	Pretty        bool
	TimeFormat    string
	CallerEnabled bool
	NoColor       bool
	Output        io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:         LogLevelInfo,
		TimeFormat:    time.RFC3339,
		CallerEnabled: true,
	}
}

// ConfigForMode maps the --log flag values onto a logger configuration.
func ConfigForMode(mode LogMode) Config {
	cfg := DefaultConfig()
	switch mode {
	case LogModeDebug:
		cfg.Level = LogLevelDebug
		cfg.Pretty = true
	case LogModePretty:
		cfg.Pretty = true
	case LogModeInfo:
	case LogModeProd:
		cfg.TimeFormat = time.RFC3339Nano
		cfg.CallerEnabled = false
		cfg.NoColor = true
	case LogModeTest:
		cfg.Level = LogLevelError
		cfg.CallerEnabled = false
		cfg.NoColor = true
	}
	return cfg
}

// ParseMode falls back to pretty output for unknown values.
func ParseMode(s string) LogMode {
	switch LogMode(s) {
	case LogModeDebug, LogModePretty, LogModeInfo, LogModeProd, LogModeTest:
		return LogMode(s)
	default:
		return LogModePretty
	}
}

func InitWithMode(mode LogMode) {
	Init(ConfigForMode(mode))
}

func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if cfg.Level == LogLevelDisabled {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		log = zerolog.New(io.Discard)
		zerolog.DefaultContextLogger = &log
		return
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
			NoColor:    cfg.NoColor,
			FormatFieldName: func(i interface{}) string {
				return fmt.Sprintf("%s=", i)
			},
			PartsOrder: []string{
				zerolog.TimestampFieldName,
				zerolog.LevelFieldName,
				"component",
				zerolog.CallerFieldName,
				zerolog.MessageFieldName,
			},
		}
	}

	switch cfg.Level {
	case LogLevelDebug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LogLevelWarn:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LogLevelError:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat

	logCtx := zerolog.New(output).With().Timestamp()
	if cfg.CallerEnabled {
		logCtx = logCtx.Caller()
	}

	log = logCtx.Logger()
	zerolog.DefaultContextLogger = &log
}

func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func WithComponent(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", component).Logger()
}
