package tracelog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Log is the parsed content of a trace file.
type Log struct {
	Records   []Record
	Markers   []string
	Malformed int
}

// Scan reads every line from r. Malformed lines are counted, not fatal.
func Scan(r io.Reader) (*Log, error) {
	out := &Log{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line)
		switch {
		case errors.Is(err, ErrMarker):
			out.Markers = append(out.Markers, line[len(MarkerPrefix):])
		case err != nil:
			out.Malformed++
		default:
			out.Records = append(out.Records, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading trace log: %w", err)
	}
	return out, nil
}

// ReadFile scans the trace log at path.
func ReadFile(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace log: %w", err)
	}
	defer f.Close()
	return Scan(f)
}

// Pair is a front-end request matched with its response.
type Pair struct {
	SessionID  string
	MessageID  string
	Sent       time.Time
	Received   time.Time
	Latency    time.Duration
	OverBudget bool
}

// Analysis summarizes request/response latency in a trace log.
type Analysis struct {
	Records    int
	Sessions   int
	ByCode     map[EventCode]int
	Pairs      []Pair
	Unmatched  []string // "session/message" with a request and no response
	OverBudget int
}

// Analyze pairs FrontEndRequestReceived and FrontEndResponseSent records by
// session and message id (the first argument).
func Analyze(records []Record) *Analysis {
	a := &Analysis{
		Records: len(records),
		ByCode:  make(map[EventCode]int),
	}

	type key struct{ session, message string }
	sent := make(map[key]time.Time)
	sessions := make(map[string]struct{})

	for _, r := range records {
		a.ByCode[r.Code]++
		sessions[r.SessionID] = struct{}{}
		if len(r.Args) == 0 {
			continue
		}
		k := key{r.SessionID, r.Args[0]}
		switch r.Code {
		case FrontEndRequestReceived:
			sent[k] = r.Timestamp
		case FrontEndResponseSent:
			start, ok := sent[k]
			if !ok {
				continue
			}
			delete(sent, k)
			latency := r.Timestamp.Sub(start)
			over := latency > r.LatencyBudget
			if over {
				a.OverBudget++
			}
			a.Pairs = append(a.Pairs, Pair{
				SessionID:  k.session,
				MessageID:  k.message,
				Sent:       start,
				Received:   r.Timestamp,
				Latency:    latency,
				OverBudget: over,
			})
		}
	}
	a.Sessions = len(sessions)
	for k := range sent {
		a.Unmatched = append(a.Unmatched, k.session+"/"+k.message)
	}
	sort.Strings(a.Unmatched)
	return a
}

// WriteText prints a human-readable summary.
func (a *Analysis) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Records:     %d\n", a.Records)
	fmt.Fprintf(w, "Sessions:    %d\n", a.Sessions)
	fmt.Fprintf(w, "Pairs:       %d\n", len(a.Pairs))
	fmt.Fprintf(w, "Unmatched:   %d\n", len(a.Unmatched))
	fmt.Fprintf(w, "Over budget: %d\n", a.OverBudget)

	codes := make([]EventCode, 0, len(a.ByCode))
	for c := range a.ByCode {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	if len(codes) > 0 {
		fmt.Fprintln(w, "By event:")
		for _, c := range codes {
			fmt.Fprintf(w, "  %-26s %d\n", c, a.ByCode[c])
		}
	}
	for _, p := range a.Pairs {
		if p.OverBudget {
			fmt.Fprintf(w, "  over budget: %s/%s %v\n", p.SessionID, p.MessageID, p.Latency)
		}
	}
}
