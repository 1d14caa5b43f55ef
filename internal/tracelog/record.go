// Package tracelog writes and reads the append-only lifecycle trace log.
//
// Each line is one record:
//
//	<timestamp>\t<sessionId>\t<eventCode>\t<latencyBudgetMs>[\t<arg>]*
//
// Test boundaries are marked by lines of the form "StartTest:<name>".
package tracelog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventCode identifies a session lifecycle transition.
type EventCode int

const (
	SessionCreating EventCode = iota
	SessionCreated
	FrontEndRequestReceived
	BackendRequestSent
	BackendResponseReceived
	FrontEndResponseSent
	SessionFinished
	SessionFinishedByTimeout
)

// DefaultLatencyBudget applies to every event code.
const DefaultLatencyBudget = 10 * time.Second

// TimestampLayout is sortable and keeps 100ns precision.
const TimestampLayout = "2006-01-02T15:04:05.0000000Z07:00"

// MarkerPrefix starts a test boundary line.
const MarkerPrefix = "StartTest:"

var (
	// ErrMarker is returned by ParseRecord for test boundary lines.
	ErrMarker    = errors.New("test marker line")
	errMalformed = errors.New("malformed trace record")
)

var codeNames = [...]string{
	"SessionCreating",
	"SessionCreated",
	"FrontEndRequestReceived",
	"BackendRequestSent",
	"BackendResponseReceived",
	"FrontEndResponseSent",
	"SessionFinished",
	"SessionFinishedByTimeout",
}

func (c EventCode) String() string {
	if c.Valid() {
		return codeNames[c]
	}
	return fmt.Sprintf("EventCode(%d)", int(c))
}

// Valid reports whether c is a known event code.
func (c EventCode) Valid() bool {
	return c >= 0 && int(c) < len(codeNames)
}

// LatencyBudget is the fixed threshold for the event, not a measurement.
func (c EventCode) LatencyBudget() time.Duration {
	return DefaultLatencyBudget
}

// Record is one immutable trace entry.
type Record struct {
	Timestamp     time.Time
	SessionID     string
	Code          EventCode
	LatencyBudget time.Duration
	Args          []string
}

// NewRecord builds a record with the event's fixed latency budget.
func NewRecord(ts time.Time, sessionID string, code EventCode, args ...string) Record {
	return Record{
		Timestamp:     ts,
		SessionID:     sessionID,
		Code:          code,
		LatencyBudget: code.LatencyBudget(),
		Args:          append([]string(nil), args...),
	}
}

// Format renders the record as a single line without the trailing newline.
// Tabs and line breaks inside fields are replaced by spaces.
func (r Record) Format() string {
	var sb strings.Builder
	sb.WriteString(r.Timestamp.Format(TimestampLayout))
	sb.WriteByte('\t')
	sb.WriteString(sanitize(r.SessionID))
	sb.WriteByte('\t')
	sb.WriteString(strconv.Itoa(int(r.Code)))
	sb.WriteByte('\t')
	sb.WriteString(strconv.FormatInt(r.LatencyBudget.Milliseconds(), 10))
	for _, arg := range r.Args {
		sb.WriteByte('\t')
		sb.WriteString(sanitize(arg))
	}
	return sb.String()
}

var fieldReplacer = strings.NewReplacer("\t", " ", "\r", " ", "\n", " ")

func sanitize(s string) string {
	if !strings.ContainsAny(s, "\t\r\n") {
		return s
	}
	return fieldReplacer.Replace(s)
}

// ParseRecord parses one line produced by Format.
func ParseRecord(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, MarkerPrefix) {
		return Record{}, ErrMarker
	}

	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return Record{}, fmt.Errorf("%w: want at least 4 fields, got %d", errMalformed, len(fields))
	}

	ts, err := time.Parse(TimestampLayout, fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp: %v", errMalformed, err)
	}
	code, err := strconv.Atoi(fields[2])
	if err != nil {
		return Record{}, fmt.Errorf("%w: event code: %v", errMalformed, err)
	}
	budget, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: latency budget: %v", errMalformed, err)
	}

	var args []string
	if len(fields) > 4 {
		args = append(args, fields[4:]...)
	}
	return Record{
		Timestamp:     ts,
		SessionID:     fields[1],
		Code:          EventCode(code),
		LatencyBudget: time.Duration(budget) * time.Millisecond,
		Args:          args,
	}, nil
}
