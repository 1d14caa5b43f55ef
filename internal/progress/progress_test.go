package progress

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tagcheck/internal/core"
)

type fakeSource struct {
	responses  atomic.Int64
	mismatches atomic.Int64
}

func (f *fakeSource) Live() (int64, int64) {
	return f.responses.Load(), f.mismatches.Load()
}

func TestNewProgress(t *testing.T) {
	src := &fakeSource{}
	progress := NewProgress(src, false)

	if progress.source != src {
		t.Error("source not assigned")
	}
	if progress.quiet {
		t.Error("quiet should be false")
	}
}

func TestProgress_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	progress := NewProgress(&fakeSource{}, true)
	progress.SetOutput(&buf)

	progress.Start()
	time.Sleep(10 * time.Millisecond)
	progress.Stop()

	if buf.Len() != 0 {
		t.Errorf("expected no output in quiet mode, got: %q", buf.String())
	}
}

func TestProgress_DoubleStop(t *testing.T) {
	progress := NewProgress(&fakeSource{}, false)
	progress.SetOutput(&core.SyncBuffer{})
	progress.Start()

	progress.Stop()
	progress.Stop()
}

func TestProgress_StopWithoutStart(t *testing.T) {
	progress := NewProgress(&fakeSource{}, false)
	progress.Stop()
}

func TestProgress_PrintsLiveCounters(t *testing.T) {
	src := &fakeSource{}
	src.responses.Store(250)
	src.mismatches.Store(3)

	out := &core.SyncBuffer{}
	progress := NewProgress(src, false)
	progress.SetOutput(out)
	progress.SetInterval(5 * time.Millisecond)
	progress.SetExpected(1000)

	progress.Start()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "Responses") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	progress.Stop()

	output := out.String()
	if !strings.Contains(output, "Responses: 250/1000 (25.0%)") {
		t.Errorf("expected response counter, got: %q", output)
	}
	if !strings.Contains(output, "Mismatches: 3") {
		t.Errorf("expected mismatch counter, got: %q", output)
	}
}

func TestProgress_Print(t *testing.T) {
	var buf bytes.Buffer
	progress := NewProgress(&fakeSource{}, false)
	progress.SetOutput(&buf)

	progress.Print("Scenario: TwoClientsOneSession")
	output := buf.String()

	if !strings.Contains(output, "\033[K") {
		t.Error("expected output to contain line clear escape sequence")
	}
	if !strings.Contains(output, "Scenario: TwoClientsOneSession\n") {
		t.Errorf("expected message with newline, got: %q", output)
	}
}

func TestProgress_Print_QuietModeDoesNotPrint(t *testing.T) {
	var buf bytes.Buffer
	progress := NewProgress(&fakeSource{}, true)
	progress.SetOutput(&buf)

	progress.Print("Scenario: test")

	if buf.String() != "" {
		t.Errorf("expected no output in quiet mode, got: %q", buf.String())
	}
}

func TestProgress_Printf(t *testing.T) {
	var buf bytes.Buffer
	progress := NewProgress(&fakeSource{}, false)
	progress.SetOutput(&buf)

	progress.Printf("Scenario: %s (clients: %d)", "SixSessions", 6)

	if !strings.Contains(buf.String(), "Scenario: SixSessions (clients: 6)\n") {
		t.Errorf("expected formatted message, got: %q", buf.String())
	}
}

func TestProgress_SetOutput(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	progress := NewProgress(&fakeSource{}, false)

	progress.SetOutput(&buf1)
	progress.Print("message1")

	progress.SetOutput(&buf2)
	progress.Print("message2")

	if !strings.Contains(buf1.String(), "message1") {
		t.Error("expected message1 in buf1")
	}
	if !strings.Contains(buf2.String(), "message2") {
		t.Error("expected message2 in buf2")
	}
	if strings.Contains(buf1.String(), "message2") {
		t.Error("buf1 should not contain message2")
	}
}
