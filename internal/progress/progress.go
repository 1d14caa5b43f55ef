// Package progress prints a live status line while scenarios drain.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Source reports counters as they change. *collector.Collector satisfies it.
type Source interface {
	Live() (responses, mismatches int64)
}

type Progress struct {
	startTime time.Time
	source    Source
	interval  time.Duration
	expected  atomic.Int64
	ticker    *time.Ticker
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
	stopped   atomic.Bool
	quiet     bool
	output    io.Writer
	mu        sync.Mutex
}

func NewProgress(src Source, quiet bool) *Progress {
	return &Progress{
		source:   src,
		quiet:    quiet,
		interval: time.Second,
		output:   os.Stderr,
	}
}

func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

// SetInterval changes the refresh period. Call before Start.
func (p *Progress) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// SetExpected sets the number of responses the current run waits for.
func (p *Progress) SetExpected(n int) {
	p.expected.Store(int64(n))
}

func (p *Progress) Start() {
	if p.quiet || p.started.Swap(true) {
		return
	}
	p.startTime = time.Now()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.ticker = time.NewTicker(p.interval)
	go p.run()
}

func (p *Progress) run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			p.printProgress()
		}
	}
}

func (p *Progress) printProgress() {
	responses, mismatches := p.source.Live()
	elapsed := time.Since(p.startTime).Round(time.Second)
	mins := int(elapsed.Minutes())
	secs := int(elapsed.Seconds()) % 60

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.output, "\033[K[%02d:%02d] Responses: %d", mins, secs, responses)
	if expected := p.expected.Load(); expected > 0 {
		fmt.Fprintf(p.output, "/%d (%.1f%%)", expected, float64(responses)/float64(expected)*100)
	}
	fmt.Fprintf(p.output, " | Mismatches: %d\r", mismatches)
}

// Stop halts the refresh loop and clears the line. Safe to call twice or
// without Start.
func (p *Progress) Stop() {
	if p.quiet || !p.started.Load() || p.stopped.Swap(true) {
		return
	}
	p.ticker.Stop()
	close(p.stopCh)
	<-p.doneCh
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K")
	p.mu.Unlock()
}

func (p *Progress) Print(message string) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K%s\n", message)
	p.mu.Unlock()
}

func (p *Progress) Printf(format string, args ...any) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K"+format+"\n", args...)
	p.mu.Unlock()
}
