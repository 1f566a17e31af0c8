package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vigil/internal/config"

	"gotest.tools/v3/assert"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.log")
	logger, err := New(config.Log{Level: "debug", File: path})
	assert.NilError(t, err)

	logger.Named("jobstate").Debug("snapshot applied")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(data), "snapshot applied"))
	assert.Assert(t, strings.Contains(string(data), `"logger":"jobstate"`))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.Log{Level: "chatty"})
	assert.ErrorContains(t, err, "log level")
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.log")
	logger, err := New(config.Log{Level: "warn", File: path})
	assert.NilError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Assert(t, !strings.Contains(string(data), "hidden"))
	assert.Assert(t, strings.Contains(string(data), "shown"))
}
