package tracelog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"tagcheck/internal/core"
)

// Logger serializes concurrent Record calls into one append-only file.
//
// The file is opened lazily on the first write, so a run that records
// nothing leaves no file behind. Until Init is called with a non-empty path
// every write is dropped. Storage errors are logged and never returned to
// the caller. A nil *Logger is valid and records nothing.
type Logger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	clock  core.Clock
	log    *zap.Logger
	warned bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock sets the timestamp source.
func WithClock(c core.Clock) Option {
	return func(l *Logger) { l.clock = c }
}

// WithLogger sets where storage failures are reported.
func WithLogger(log *zap.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// New returns an uninitialized Logger.
func New(opts ...Option) *Logger {
	l := &Logger{
		clock: core.RealClock{},
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init sets the target path. Calling it again with the same path is a no-op;
// a different path closes the current file so the next write opens the new one.
func (l *Logger) Init(path string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if path == l.path {
		return
	}
	l.closeLocked()
	l.path = path
	l.warned = false
}

// Path returns the configured target, or "" when uninitialized.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Record appends an event stamped with the current time.
func (l *Logger) Record(sessionID string, code EventCode, args ...string) {
	if l == nil {
		return
	}
	l.RecordAt(l.clock.Now(), sessionID, code, args...)
}

// RecordAt appends an event observed at ts, e.g. a broker-side dispatch time.
func (l *Logger) RecordAt(ts time.Time, sessionID string, code EventCode, args ...string) {
	if l == nil {
		return
	}
	l.writeLine(NewRecord(ts, sessionID, code, args...).Format())
}

// StartTest writes a test boundary marker.
func (l *Logger) StartTest(name string) {
	if l == nil {
		return
	}
	l.writeLine(MarkerPrefix + sanitize(name))
}

func (l *Logger) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return
	}
	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			l.warnLocked("open trace log", err)
			return
		}
		l.file = f
	}
	// One Write per line keeps lines whole even if another process appends.
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		l.warnLocked("write trace log", err)
	}
}

// warnLocked reports the first storage failure per path.
func (l *Logger) warnLocked(msg string, err error) {
	if l.warned {
		return
	}
	l.warned = true
	l.log.Warn(msg, zap.String("path", l.path), zap.Error(err))
}

// Close flushes and releases the file. It is safe to call repeatedly and
// before anything was written. A later Record reopens the file.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *Logger) closeLocked() {
	if l.file == nil {
		return
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		l.log.Debug("sync trace log", zap.String("path", l.path), zap.Error(err))
	}
	if err := f.Close(); err != nil {
		l.warnLocked("close trace log", err)
	}
}
