// Package audit writes the compliance stream: one line per tool call,
// including rejected ones, with arguments redacted before they are
// marshaled.
package audit

import (
	"fmt"
	"time"

	"github.com/keboola/osiris-sub007/internal/jsonl"
	"github.com/keboola/osiris-sub007/internal/redact"
)

// Event kinds.
const (
	EventToolCall = "tool_call"
	EventRejected = "rejected"
)

// Entry is what callers hand to Record. Arguments are the raw call
// arguments; they never reach disk unredacted.
type Entry struct {
	Event         string
	CorrelationID string
	Tool          string
	RequestedAs   string
	Status        string
	ErrorCode     string
	DurationMS    int64
	BytesIn       int
	BytesOut      int
	Arguments     map[string]any
	OmitArguments bool
}

// Record is one audit line.
type Record struct {
	Timestamp     string         `json:"timestamp"`
	Event         string         `json:"event"`
	CorrelationID string         `json:"correlation_id"`
	Tool          string         `json:"tool"`
	RequestedAs   string         `json:"requested_as,omitempty"`
	Status        string         `json:"status"`
	ErrorCode     string         `json:"error_code,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	BytesIn       int            `json:"bytes_in"`
	BytesOut      int            `json:"bytes_out"`
	Arguments     map[string]any `json:"arguments,omitempty"`
}

// Logger owns the audit stream.
type Logger struct {
	w        *jsonl.Writer
	redactor *redact.Redactor
	now      func() time.Time
}

// NewLogger opens the audit stream under dir.
func NewLogger(dir string, redactor *redact.Redactor) (*Logger, error) {
	w, err := jsonl.NewWriter(dir)
	if err != nil {
		return nil, fmt.Errorf("audit stream: %w", err)
	}
	if redactor == nil {
		redactor = redact.New(nil)
	}
	return &Logger{w: w, redactor: redactor, now: time.Now}, nil
}

// Record redacts e and appends it to the day's stream.
func (l *Logger) Record(e Entry) error {
	now := l.now().UTC()
	rec := Record{
		Timestamp:     now.Format(time.RFC3339Nano),
		Event:         e.Event,
		CorrelationID: e.CorrelationID,
		Tool:          e.Tool,
		Status:        e.Status,
		ErrorCode:     e.ErrorCode,
		DurationMS:    e.DurationMS,
		BytesIn:       e.BytesIn,
		BytesOut:      e.BytesOut,
	}
	if rec.Event == "" {
		rec.Event = EventToolCall
	}
	if e.RequestedAs != e.Tool {
		rec.RequestedAs = e.RequestedAs
	}
	if !e.OmitArguments {
		rec.Arguments = l.redactor.Arguments(e.Arguments)
	}
	return l.w.Append(StreamName(now), rec)
}

// Dir returns the audit directory.
func (l *Logger) Dir() string { return l.w.Dir() }

// Close closes the stream.
func (l *Logger) Close() error { return l.w.Close() }

// StreamName is the audit file name for the UTC day of t.
func StreamName(t time.Time) string {
	return "audit-" + t.UTC().Format("2006-01-02") + ".jsonl"
}
