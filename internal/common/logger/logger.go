package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/acorn1010/render/internal/common/configtypes"
)

// output is one enabled log sink with its own adjustable level.
type output struct {
	name       string
	level      zap.AtomicLevel
	configured string // per-output level from config, empty = global
}

// DynamicLogger is a zap.Logger whose sink levels can be changed at runtime.
// The proxy starts at INFO so startup is always visible, then drops to the
// configured level once serving.
type DynamicLogger struct {
	*zap.Logger
	outputs []*output
	config  configtypes.LogConfig
}

// NewLogger builds a logger writing to every enabled sink of cfg.
func NewLogger(cfg configtypes.LogConfig) (*DynamicLogger, error) {
	return build(cfg, cfg)
}

// NewLoggerWithStartupOverride builds a logger that runs at INFO (or lower, if
// configured lower) until SwitchToConfiguredLevel is called.
func NewLoggerWithStartupOverride(cfg configtypes.LogConfig) (*DynamicLogger, error) {
	if parseLogLevel(cfg.Level) <= zap.InfoLevel {
		return NewLogger(cfg)
	}

	startup := cfg
	startup.Level = configtypes.LogLevelInfo
	if startup.Console.Level == "" {
		startup.Console.Level = configtypes.LogLevelInfo
	}
	if startup.File.Level == "" {
		startup.File.Level = configtypes.LogLevelInfo
	}
	return build(startup, cfg)
}

// NewDefaultLogger is the bootstrap logger used before config is loaded.
func NewDefaultLogger() (*DynamicLogger, error) {
	return NewLogger(configtypes.LogConfig{
		Level: configtypes.LogLevelDebug,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatConsole,
		},
	})
}

func build(active, configured configtypes.LogConfig) (*DynamicLogger, error) {
	global := parseLogLevel(active.Level)
	dl := &DynamicLogger{config: configured}

	var cores []zapcore.Core
	if active.Console.Enabled {
		out := &output{
			name:       "console",
			level:      zap.NewAtomicLevelAt(resolveLogLevel(active.Console.Level, global)),
			configured: configured.Console.Level,
		}
		dl.outputs = append(dl.outputs, out)
		cores = append(cores, zapcore.NewCore(newEncoder(active.Console.Format), zapcore.Lock(os.Stdout), out.level))
	}

	if active.File.Enabled {
		if active.File.Path == "" {
			return nil, fmt.Errorf("file.path must be specified when file logging is enabled")
		}
		out := &output{
			name:       "file",
			level:      zap.NewAtomicLevelAt(resolveLogLevel(active.File.Level, global)),
			configured: configured.File.Level,
		}
		dl.outputs = append(dl.outputs, out)
		cores = append(cores, zapcore.NewCore(newEncoder(active.File.Format), newFileWriter(active.File), out.level))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	case 1:
		dl.Logger = zap.New(cores[0])
	default:
		dl.Logger = zap.New(zapcore.NewTee(cores...))
	}
	return dl, nil
}

// SwitchToConfiguredLevel applies the levels from the loaded config.
func (dl *DynamicLogger) SwitchToConfiguredLevel() {
	global := parseLogLevel(dl.config.Level)
	dl.Info("Switching logger to configured level", zap.String("level", dl.config.Level))
	for _, out := range dl.outputs {
		out.level.SetLevel(resolveLogLevel(out.configured, global))
	}
}

// EnsureInfoLevelForShutdown lowers every sink to INFO so the shutdown sequence is logged.
func (dl *DynamicLogger) EnsureInfoLevelForShutdown() {
	changed := false
	for _, out := range dl.outputs {
		if out.level.Level() > zap.InfoLevel {
			out.level.SetLevel(zap.InfoLevel)
			changed = true
		}
	}
	if changed {
		dl.Info("Switched to INFO level for shutdown visibility")
	}
}

// Level returns the current level of the named sink ("console" or "file").
func (dl *DynamicLogger) Level(name string) (zapcore.Level, bool) {
	for _, out := range dl.outputs {
		if out.name == name {
			return out.level.Level(), true
		}
	}
	return zapcore.InvalidLevel, false
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case configtypes.LogLevelDebug:
		return zap.DebugLevel
	case configtypes.LogLevelWarn:
		return zap.WarnLevel
	case configtypes.LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func resolveLogLevel(outputLevel string, global zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return parseLogLevel(outputLevel)
	}
	return global
}

func newEncoder(format string) zapcore.Encoder {
	if format == configtypes.LogFormatJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if format == configtypes.LogFormatText {
		// no ANSI colours in files
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func newFileWriter(cfg configtypes.FileLogConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxAge:     cfg.Rotation.MaxAge,
		MaxBackups: cfg.Rotation.MaxBackups,
		Compress:   cfg.Rotation.Compress,
	})
}
