// Package metrics exports the last run as node-exporter textfile metrics.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kebairia/driveback/internal/ledger"
)

// Textfile writes gauges describing the most recent run to Path. The file is
// replaced atomically on every write.
type Textfile struct {
	Path string
}

// Write records rec for job.
func (t Textfile) Write(job string, rec ledger.Record) error {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"job": job}
	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driveback",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(value)
		reg.MustRegister(g)
	}

	success := 0.0
	if rec.Outcome == ledger.OutcomeSuccess {
		success = 1
	}
	gauge("last_run_start_timestamp_seconds", "Start time of the last backup run.", float64(rec.Start.Unix()))
	gauge("last_run_end_timestamp_seconds", "End time of the last backup run.", float64(rec.End.Unix()))
	gauge("last_run_duration_seconds", "Wall-clock duration of the last backup run.", rec.Duration().Seconds())
	gauge("last_run_success", "1 if the last backup run succeeded.", success)
	gauge("last_run_exit_code", "Exit status of the last backup run.", float64(rec.ExitCode))

	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(t.Path, reg); err != nil {
		return fmt.Errorf("write metrics textfile %q: %w", t.Path, err)
	}
	return nil
}
