package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesToLogFile(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug"})
	defer Shutdown()

	Logger().Info("hello", slog.String("k", "v"))

	data, err := os.ReadFile(filepath.Join(dir, "mealtrace.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestForComponentAddsComponentField(t *testing.T) {
	dir := t.TempDir()

	// Component logger created before Init must still pick up the real
	// handler afterwards.
	log := ForComponent(CompStore)

	Init(Config{LogDir: dir, Level: "debug"})
	defer Shutdown()

	log.Warn("shard_skipped")

	data, err := os.ReadFile(filepath.Join(dir, "mealtrace.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"store"`)
	assert.Contains(t, string(data), "shard_skipped")
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Debug("noise")
	Logger().Info("also_noise")
	Logger().Warn("signal")

	data, err := os.ReadFile(filepath.Join(dir, "mealtrace.log"))
	require.NoError(t, err)
	s := string(data)
	assert.NotContains(t, s, "noise")
	assert.Contains(t, s, "signal")
}

func TestTextFormat(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("plain")

	data, err := os.ReadFile(filepath.Join(dir, "mealtrace.log"))
	require.NoError(t, err)
	if !strings.Contains(string(data), "msg=plain") {
		t.Errorf("text handler output missing msg=plain: %q", string(data))
	}
}

func TestLoggerBeforeInitDoesNotPanic(t *testing.T) {
	Shutdown()
	Logger().Info("discarded")
	ForComponent(CompCLI).Error("also discarded")
}
