package ledger

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kebairia/driveback/internal/runlock"
)

var t0 = time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC)

type fakeLock struct {
	status runlock.Status
	calls  int
}

func (f *fakeLock) Inspect(id runlock.Identity) (runlock.Status, error) {
	f.calls++
	return f.status, nil
}

func newTestLedger(t *testing.T, lock LockInspector, now time.Time) *Ledger {
	t.Helper()
	return New(t.TempDir(), "laptop", lock, WithClock(testclock.NewClock(now)))
}

func writeLog(t *testing.T, l *Ledger, key, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(l.Dir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.Dir(), key+logExt), []byte(body), 0o644))
}

func TestResolve_TextMarkers(t *testing.T) {
	start := t0.Format(time.RFC3339)
	end := t0.Add(90 * time.Minute).Format(time.RFC3339)

	tests := []struct {
		name string
		body string
		want Outcome
	}{
		{
			name: "success",
			body: "--- started: " + start + "\nsending incremental file list\n--- finished: " + end + "\n--- result: success\n",
			want: OutcomeSuccess,
		},
		{
			name: "failure",
			body: "--- started: " + start + "\nrsync error: some files vanished\n--- finished: " + end + "\n--- result: failure (exit status 24)\n",
			want: OutcomeFailure,
		},
		{
			name: "incomplete",
			body: "--- started: " + start + "\nsending incremental file list\nhome/zakaria/\n",
			want: OutcomeIncomplete,
		},
		{
			name: "unknown",
			body: "garbage\n--- started: not a time\n",
			want: OutcomeUnknown,
		},
		{
			name: "empty",
			body: "",
			want: OutcomeUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t, nil, t0)
			writeLog(t, l, "2026-10-18_02-00-00", tt.body)

			run := l.Resolve("2026-10-18_02-00-00")
			assert.Equal(t, tt.want, run.Outcome)
			if tt.want == OutcomeSuccess || tt.want == OutcomeFailure {
				assert.Equal(t, 90*time.Minute, run.Duration)
			}
			assert.Nil(t, run.ExitCode)
		})
	}
}

func TestResolve_LongLinesDegrade(t *testing.T) {
	l := newTestLedger(t, nil, t0)
	body := "--- started: " + t0.Format(time.RFC3339) + "\n" + strings.Repeat("x", maxLine+10) + "\n--- finished: " +
		t0.Format(time.RFC3339) + "\n--- result: success\n"
	writeLog(t, l, "2026-10-18_02-00-00", body)

	assert.Equal(t, OutcomeIncomplete, l.Resolve("2026-10-18_02-00-00").Outcome)
}

func TestResolve_SidecarWins(t *testing.T) {
	l := newTestLedger(t, nil, t0)

	rl, err := l.Begin(t0)
	require.NoError(t, err)
	require.NoError(t, rl.MarkStart(t0))
	// no end marker in the text; the sidecar is authoritative
	require.NoError(t, rl.Finalize(Record{
		Start:    t0,
		End:      t0.Add(time.Hour),
		Outcome:  OutcomeFailure,
		ExitCode: 23,
		Stage:    StageSync,
	}))
	require.NoError(t, rl.Close())

	run := l.Resolve(rl.Key())
	assert.Equal(t, OutcomeFailure, run.Outcome)
	assert.Equal(t, time.Hour, run.Duration)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 23, *run.ExitCode)
}

func TestRunLog_MarkersRoundTrip(t *testing.T) {
	l := newTestLedger(t, nil, t0)

	rl, err := l.Begin(t0)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18_02-00-00", rl.Key())

	require.NoError(t, rl.MarkStart(t0))
	_, err = fmt.Fprintln(rl.Writer(), "sent 1.2G bytes  received 4.1K bytes")
	require.NoError(t, err)
	require.NoError(t, rl.MarkEnd(t0.Add(time.Minute)))
	require.NoError(t, rl.MarkResult(OutcomeSuccess, ""))
	require.NoError(t, rl.Close())

	run := l.Resolve(rl.Key())
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, time.Minute, run.Duration)

	// a second run in the same second gets its own log
	again, err := l.Begin(t0)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18_02-00-00-01", again.Key())
	require.NoError(t, again.Close())
}

func TestBegin_ManyRunsInOneSecondStayOrdered(t *testing.T) {
	l := newTestLedger(t, nil, t0)

	var last string
	for i := 0; i < 12; i++ {
		rl, err := l.Begin(t0)
		require.NoError(t, err)
		last = rl.Key()
		require.NoError(t, rl.Close())
	}
	assert.Equal(t, "2026-10-18_02-00-00-11", last)

	latest, ok, err := l.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, last, latest.Key)
}

func TestBegin_KeysFollowRealTimeAcrossDSTFallBack(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	l := newTestLedger(t, nil, t0)

	// 01:50 EDT, then 01:10 EST forty minutes later
	first := time.Date(2026, 11, 1, 5, 50, 0, 0, time.UTC).In(ny)
	second := first.Add(40 * time.Minute)
	require.Greater(t, first.Hour()*60+first.Minute(), second.Hour()*60+second.Minute(),
		"wall clock goes backwards")

	for _, start := range []time.Time{first, second} {
		rl, err := l.Begin(start)
		require.NoError(t, err)
		require.NoError(t, rl.MarkStart(start))
		require.NoError(t, rl.Close())
	}

	latest, ok, err := l.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-11-01_06-30-00", latest.Key)
	assert.True(t, second.Equal(latest.Start))

	history, err := l.History(0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Start.After(history[1].Start), "newest first")
}

func TestHistory_LimitAndOrder(t *testing.T) {
	for _, total := range []int{0, 1, 15} {
		t.Run(fmt.Sprintf("%d logs", total), func(t *testing.T) {
			l := newTestLedger(t, nil, t0)
			for i := 0; i < total; i++ {
				start := t0.Add(time.Duration(i) * 24 * time.Hour)
				writeLog(t, l, start.Format(KeyLayout),
					"--- started: "+start.Format(time.RFC3339)+"\n--- finished: "+
						start.Add(time.Minute).Format(time.RFC3339)+"\n--- result: success\n")
			}

			history, err := l.History(10)
			require.NoError(t, err)
			assert.Len(t, history, min(total, 10))
			for i := 1; i < len(history); i++ {
				assert.True(t, history[i-1].Start.After(history[i].Start), "newest first")
			}
			if total > 0 {
				newest := t0.Add(time.Duration(total-1) * 24 * time.Hour)
				assert.True(t, newest.Equal(history[0].Start))
			}
		})
	}
}

func TestHistory_IncompleteEntries(t *testing.T) {
	l := newTestLedger(t, nil, t0)
	writeLog(t, l, "2026-10-17_02-00-00", "--- started: 2026-10-17T02:00:00Z\n")
	writeLog(t, l, "2026-10-18_02-00-00", "no markers at all\n")

	history, err := l.History(0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, OutcomeUnknown, history[0].Outcome)
	assert.Equal(t, OutcomeIncomplete, history[1].Outcome)
	assert.True(t, history[0].Incomplete())
	assert.True(t, history[1].Incomplete())
}

func TestStatus(t *testing.T) {
	now := t0.Add(3 * time.Hour)

	t.Run("never ran", func(t *testing.T) {
		l := newTestLedger(t, &fakeLock{}, now)
		report, err := l.Status()
		require.NoError(t, err)
		assert.Equal(t, StateNeverRan, report.State)
		assert.Contains(t, report.String(), "never run")
	})

	t.Run("running", func(t *testing.T) {
		lock := &fakeLock{status: runlock.Status{State: runlock.Running, PID: 4242, Since: t0}}
		l := newTestLedger(t, lock, now)
		report, err := l.Status()
		require.NoError(t, err)
		assert.Equal(t, StateRunning, report.State)
		assert.Equal(t, 4242, report.PID)
		assert.Equal(t, 3*time.Hour, report.Elapsed)
		assert.Contains(t, report.String(), "pid 4242")
		assert.Contains(t, report.String(), "3h0m0s")
	})

	t.Run("stale", func(t *testing.T) {
		lock := &fakeLock{status: runlock.Status{State: runlock.Stale, PID: 99}}
		l := newTestLedger(t, lock, now)
		report, err := l.Status()
		require.NoError(t, err)
		assert.Equal(t, StateStale, report.State)
		assert.Contains(t, report.String(), "pid 99")
	})

	t.Run("last run succeeded", func(t *testing.T) {
		l := newTestLedger(t, &fakeLock{}, now)
		writeLog(t, l, "2026-10-18_02-00-00", "--- started: 2026-10-18T02:00:00Z\n--- finished: 2026-10-18T02:30:00Z\n--- result: success\n")

		report, err := l.Status()
		require.NoError(t, err)
		assert.Equal(t, StateIdle, report.State)
		require.NotNil(t, report.Last)
		assert.Equal(t, OutcomeSuccess, report.Last.Outcome)
		assert.Equal(t, 30*time.Minute, report.Last.Duration)
		text := report.String()
		assert.Contains(t, text, "succeeded")
		assert.Contains(t, text, "2 hours ago")
		assert.Contains(t, text, "30m0s")
	})

	t.Run("last run interrupted", func(t *testing.T) {
		l := newTestLedger(t, &fakeLock{}, now)
		writeLog(t, l, "2026-10-18_02-00-00", "--- started: 2026-10-18T02:00:00Z\n")

		report, err := l.Status()
		require.NoError(t, err)
		assert.Equal(t, OutcomeIncomplete, report.Last.Outcome)
		assert.Contains(t, report.String(), "incomplete")
	})

	t.Run("unparseable", func(t *testing.T) {
		l := newTestLedger(t, &fakeLock{}, now)
		writeLog(t, l, "2026-10-18_02-00-00", "\x00\x01")

		report, err := l.Status()
		require.NoError(t, err)
		assert.Contains(t, report.String(), "unknown, incomplete log")
	})
}

func TestStatus_Idempotent(t *testing.T) {
	l := newTestLedger(t, &fakeLock{}, t0.Add(time.Hour))
	writeLog(t, l, "2026-10-18_02-00-00", "--- started: 2026-10-18T02:00:00Z\n--- finished: 2026-10-18T02:30:00Z\n")

	first, err := l.Status()
	require.NoError(t, err)
	second, err := l.Status()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.String(), second.String())
}

func TestStatus_SerializedReportIgnoresQueryTime(t *testing.T) {
	clk := testclock.NewClock(t0.Add(time.Hour))
	l := New(t.TempDir(), "laptop", &fakeLock{}, WithClock(clk))
	writeLog(t, l, "2026-10-18_02-00-00", "--- started: 2026-10-18T02:00:00Z\n--- finished: 2026-10-18T02:30:00Z\n--- result: success\n")

	encode := func() (string, string) {
		report, err := l.Status()
		require.NoError(t, err)
		j, err := json.Marshal(report)
		require.NoError(t, err)
		y, err := yaml.Marshal(report)
		require.NoError(t, err)
		return string(j), string(y)
	}

	firstJSON, firstYAML := encode()
	clk.Advance(17*time.Second + 3*time.Millisecond)
	secondJSON, secondYAML := encode()

	assert.Equal(t, firstJSON, secondJSON)
	assert.Equal(t, firstYAML, secondYAML)
	assert.NotContains(t, firstJSON, `"now"`)
}

func TestExport(t *testing.T) {
	l := newTestLedger(t, nil, t0)
	writeLog(t, l, "2026-10-16_02-00-00", "--- started: 2026-10-16T02:00:00Z\n")
	rl, err := l.Begin(t0)
	require.NoError(t, err)
	require.NoError(t, rl.MarkStart(t0))
	require.NoError(t, rl.Finalize(Record{Start: t0, End: t0, Outcome: OutcomeSuccess}))
	require.NoError(t, rl.Close())

	var buf bytes.Buffer
	n, err := l.Export(&buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	zr, err := zstd.NewReader(&buf)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"laptop/2026-10-18_02-00-00.log", "laptop/2026-10-18_02-00-00.json"}, names)
}
