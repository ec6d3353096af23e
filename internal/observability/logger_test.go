// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/autoread/internal/config"
)

// syncBuffer is a goroutine-safe buffer usable as a zap sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Bytes() []byte {
	return []byte(b.String())
}

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("console logger with colors", func(t *testing.T) {
		ResetForTest()
		buf := &syncBuffer{}

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "autoread",
			Colors:      config.ColorConfig{Info: "green"},
		}
		Initialize(cfg, buf)
		GetLogger().Info("Reading topic.")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "Reading topic.")
		assert.Contains(t, output, colorGreen+"INFO"+colorReset)
		assert.Contains(t, output, "autoread.")
	})

	t.Run("unknown color leaves the level plain", func(t *testing.T) {
		ResetForTest()
		buf := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "console", Colors: config.ColorConfig{Warn: "mauve"}}, buf)
		GetLogger().Warn("plain")
		Sync()

		assert.Contains(t, buf.String(), "WARN")
		assert.NotContains(t, buf.String(), "\x1b[")
	})

	t.Run("json logger", func(t *testing.T) {
		ResetForTest()
		buf := &syncBuffer{}

		cfg := config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "autoread",
		}
		Initialize(cfg, buf)
		GetLogger().Warn("Attempt failed.", zap.String("workflow", "anyrouter"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be one JSON object")
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "autoread", entry["logger"])
		assert.Equal(t, "Attempt failed.", entry["msg"])
		assert.Equal(t, "anyrouter", entry["workflow"])
	})

	t.Run("level filters lower entries", func(t *testing.T) {
		ResetForTest()
		buf := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, buf)
		GetLogger().Info("hidden")
		GetLogger().Error("shown")
		Sync()

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("writes to a log file when configured", func(t *testing.T) {
		ResetForTest()
		path := filepath.Join(t.TempDir(), "autoread.log")

		cfg := config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: path,
			MaxSize: 1,
		}
		Initialize(cfg, &syncBuffer{})
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
		assert.True(t, strings.HasPrefix(strings.TrimSpace(string(content)), "{"), "file entries are JSON")
	})

	t.Run("only initializes once", func(t *testing.T) {
		ResetForTest()
		buf := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, buf)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, buf)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		Sync()
		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})

	t.Run("replaces the zap globals", func(t *testing.T) {
		ResetForTest()
		buf := &syncBuffer{}
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, buf)

		zap.L().Named("thirdparty").Info("from a package logger")
		assert.Contains(t, buf.String(), "from a package logger")
	})
}

func TestGetLogger(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("global logger after initialization", func(t *testing.T) {
		ResetForTest()
		Initialize(config.LoggerConfig{Level: "info"}, zapcore.AddSync(&syncBuffer{}))
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}

func TestLogFilePath(t *testing.T) {
	assert.Empty(t, LogFilePath(config.LoggerConfig{}))

	abs := LogFilePath(config.LoggerConfig{LogFile: "logs/autoread.log"})
	assert.True(t, filepath.IsAbs(abs))
	assert.True(t, strings.HasSuffix(abs, filepath.Join("logs", "autoread.log")))
}
