package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/driveback/internal/ledger"
)

func TestTextfile_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textfile", "driveback.prom")
	start := time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC)

	err := Textfile{Path: path}.Write("laptop", ledger.Record{
		Start:    start,
		End:      start.Add(10 * time.Minute),
		Outcome:  ledger.OutcomeSuccess,
		ExitCode: 0,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `driveback_last_run_success{job="laptop"} 1`)
	assert.Contains(t, text, `driveback_last_run_duration_seconds{job="laptop"} 600`)
	assert.Contains(t, text, `driveback_last_run_exit_code{job="laptop"} 0`)
}
