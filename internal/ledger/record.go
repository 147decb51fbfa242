package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Outcome is the result category of one run.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeUnknown    Outcome = "unknown"
)

// Stage names the step a run stopped at when it failed before syncing.
type Stage string

const (
	StageMount       Stage = "mount"
	StageDestination Stage = "destination"
	StageSync        Stage = "sync"
)

// Record is the structured sidecar written next to a run log when the run
// is finalized. Logs without one are parsed from their text markers.
type Record struct {
	Key      string    `json:"key"`
	Job      string    `json:"job"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Outcome  Outcome   `json:"outcome"`
	ExitCode int       `json:"exit_code"`
	Stage    Stage     `json:"stage,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Duration is the wall-clock length of the run.
func (r Record) Duration() time.Duration {
	if r.Start.IsZero() || r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

func sidecarPath(dir, key string) string {
	return filepath.Join(dir, key+sidecarExt)
}

// writeSidecar stores rec atomically: readers see the old state or the
// complete record, never a partial file.
func writeSidecar(dir string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+rec.Key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create run record: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write run record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close run record: %w", err)
	}
	if err := os.Rename(tmp.Name(), sidecarPath(dir, rec.Key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish run record: %w", err)
	}
	return nil
}

func readSidecar(dir, key string) (Record, error) {
	var rec Record
	f, err := os.Open(sidecarPath(dir, key))
	if err != nil {
		return rec, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode run record %q: %w", key, err)
	}
	return rec, nil
}
