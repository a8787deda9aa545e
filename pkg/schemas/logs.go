package schemas

import (
	"fmt"
	"strings"
	"time"
)

// Severity of a log line.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// LogLine is one line of a deployment's merged log stream.
type LogLine struct {
	// Seq is the position of the line in the deployment's stream, starting at 1.
	// It is assigned by the store on append.
	Seq       int64
	JobRef    JobRef
	Offset    int
	Timestamp time.Time
	Severity  Severity
	Text      string
}

// Key identifies a line across polls. Console output is append-only on the
// build server, so a (job, offset) pair always designates the same line.
func (l LogLine) Key() string {
	return fmt.Sprintf("%s:%d", l.JobRef, l.Offset)
}

// String renders the line as it appears in the merged view.
func (l LogLine) String() string {
	return fmt.Sprintf("[%s] %s", l.JobRef, l.Text)
}

// DetectSeverity guesses the severity of a raw console line.
func DetectSeverity(text string) Severity {
	upper := strings.ToUpper(text)

	switch {
	case strings.Contains(upper, "ERROR"), strings.Contains(upper, "FATAL"), strings.Contains(upper, "FAILURE"):
		return SeverityError
	case strings.Contains(upper, "WARN"):
		return SeverityWarning
	}

	return SeverityInfo
}
