package ledger

import (
	"bufio"
	"io"
	"strings"
	"time"
)

// maxLine bounds one log line. rsync can print very long paths; longer
// lines end the scan and the markers seen so far decide the outcome.
const maxLine = 1 << 20

// parsed is what the text markers of a log say about a run.
type parsed struct {
	start, end time.Time
	success    bool
}

// parseMarkers scans a run log. It never fails: unreadable input simply
// yields fewer markers.
func parseMarkers(r io.Reader) parsed {
	var p parsed
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, markerStart):
			if t, ok := parseTime(line[len(markerStart):]); ok && p.start.IsZero() {
				p.start = t
			}
		case strings.HasPrefix(line, markerEnd):
			if t, ok := parseTime(line[len(markerEnd):]); ok {
				p.end = t
			}
		case line == successMarker:
			p.success = true
		}
	}
	return p
}

// legacyLayouts are accepted alongside RFC 3339 for hand-written or older logs.
var legacyLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	time.UnixDate,
	"Mon Jan _2 15:04:05 MST 2006",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// outcome applies the classification rules to parsed markers.
func (p parsed) outcome() Outcome {
	switch {
	case !p.start.IsZero() && !p.end.IsZero():
		if p.success {
			return OutcomeSuccess
		}
		return OutcomeFailure
	case !p.start.IsZero():
		return OutcomeIncomplete
	default:
		return OutcomeUnknown
	}
}
