package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "")
	assert.Error(t, err)
}

func TestNewWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.log")

	log, err := New("info", path)
	require.NoError(t, err)

	log.Info("batch committed")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"batch committed"`)
}
