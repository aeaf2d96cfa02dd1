package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigs(t *testing.T) {
	assert.Equal(t, "console", DefaultConfig().Format)
	assert.Equal(t, "json", ProductionConfig().Format)
	assert.Equal(t, "json", ConfigForEnvironment("production").Format)
	assert.Equal(t, "console", ConfigForEnvironment("development").Format)
}

func TestNew_FileOutputWithService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiscal.log")
	l, err := New(&Config{Level: "debug", Format: "json", Output: path, Service: "fiscal"})
	require.NoError(t, err)

	l.Info("emission signed")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "emission signed", entry["msg"])
	assert.Equal(t, "fiscal", entry["service"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_BadOutput(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

func TestNew_NilConfig(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("unknown"))
}
