package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
)

func fileConfig(t *testing.T, level, fileLevel string) (configtypes.LogConfig, string) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	return configtypes.LogConfig{
		Level: level,
		File: configtypes.FileLogConfig{
			Enabled: true,
			Path:    path,
			Format:  configtypes.LogFormatText,
			Level:   fileLevel,
		},
	}, path
}

func readLog(t *testing.T, dl *DynamicLogger, path string) string {
	_ = dl.Sync()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNewLogger_NoOutputs(t *testing.T) {
	_, err := NewLogger(configtypes.LogConfig{Level: "info"})
	assert.Error(t, err)
}

func TestNewLogger_FileWithoutPath(t *testing.T) {
	_, err := NewLogger(configtypes.LogConfig{File: configtypes.FileLogConfig{Enabled: true}})
	assert.Error(t, err)
}

func TestNewLogger_FileRespectsLevel(t *testing.T) {
	cfg, path := fileConfig(t, "warn", "")
	dl, err := NewLogger(cfg)
	require.NoError(t, err)

	dl.Info("engine launched")
	dl.Warn("settle timed out", zap.String("url", "https://example.com/"))

	out := readLog(t, dl, path)
	assert.NotContains(t, out, "engine launched")
	assert.Contains(t, out, "settle timed out")
	assert.False(t, strings.Contains(out, "\x1b["), "text format must not carry colour codes")
}

func TestNewLogger_PerOutputLevelOverridesGlobal(t *testing.T) {
	cfg, _ := fileConfig(t, "error", "debug")
	dl, err := NewLogger(cfg)
	require.NoError(t, err)

	lvl, ok := dl.Level("file")
	require.True(t, ok)
	assert.Equal(t, zap.DebugLevel, lvl)

	_, ok = dl.Level("console")
	assert.False(t, ok)
}

func TestStartupOverride_SwitchAndShutdown(t *testing.T) {
	cfg, path := fileConfig(t, "error", "")
	dl, err := NewLoggerWithStartupOverride(cfg)
	require.NoError(t, err)

	lvl, _ := dl.Level("file")
	assert.Equal(t, zap.InfoLevel, lvl, "startup runs at INFO")
	dl.Info("starting up")

	dl.SwitchToConfiguredLevel()
	lvl, _ = dl.Level("file")
	assert.Equal(t, zap.ErrorLevel, lvl)
	dl.Info("hidden while serving")

	dl.EnsureInfoLevelForShutdown()
	lvl, _ = dl.Level("file")
	assert.Equal(t, zap.InfoLevel, lvl)
	dl.Info("shutting down")

	out := readLog(t, dl, path)
	assert.Contains(t, out, "starting up")
	assert.NotContains(t, out, "hidden while serving")
	assert.Contains(t, out, "shutting down")
}

func TestStartupOverride_DebugUnchanged(t *testing.T) {
	cfg, _ := fileConfig(t, "debug", "")
	dl, err := NewLoggerWithStartupOverride(cfg)
	require.NoError(t, err)
	lvl, _ := dl.Level("file")
	assert.Equal(t, zap.DebugLevel, lvl)
}

func TestNewDefaultLogger(t *testing.T) {
	dl, err := NewDefaultLogger()
	require.NoError(t, err)
	lvl, ok := dl.Level("console")
	require.True(t, ok)
	assert.Equal(t, zap.DebugLevel, lvl)
}
