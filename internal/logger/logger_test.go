package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driveback.log")

	log, err := Init(Options{Level: "debug", File: path})
	require.NoError(t, err)

	log.Info("backup started", "job", "laptop")
	Cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"backup started"`)
	assert.Contains(t, string(data), `"job":"laptop"`)
}

func TestInit_RejectsUnknownLevel(t *testing.T) {
	_, err := Init(Options{Level: "chatty"})
	assert.Error(t, err)
}
