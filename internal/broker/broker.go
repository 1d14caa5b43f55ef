// Package broker is an in-process session broker in front of a Service.
//
// It implements core.SessionFactory with resource-unit admission control,
// concurrent out-of-order dispatch bounded by the session's units, and
// optional fault injection for exercising the harness.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tagcheck/internal/core"
	"tagcheck/internal/tracelog"
)

// DefaultCapacity is the unit ceiling when Config.Capacity is zero.
const DefaultCapacity = 16

// Faults perturbs response delivery. Counts are per client, 1-based.
type Faults struct {
	DropEvery    int  // drop every Nth response
	CorruptEvery int  // rewrite the worker segment of every Nth response tag
	Stall        bool // never end a client's response stream
	FailSendAt   int  // fail the Nth SendRequest with a transport error
	Jitter       bool // shuffle dispatch order with a random delay
}

// Config configures a Broker.
type Config struct {
	Host        string
	ServiceName string // empty accepts any service name
	Capacity    int
	Service     Service
	Faults      Faults
	Trace       *tracelog.Logger
	Log         *zap.Logger
}

// Broker hands out sessions. Safe for concurrent use.
type Broker struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config) *Broker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Service == nil {
		cfg.Service = EchoService{Host: cfg.Host}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Broker{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// admit returns the units granted for info or an establishment fault.
func (b *Broker) admit(info core.StartInfo) (int, error) {
	fault := func(reason string) error {
		return &core.EstablishmentFault{
			Reason:   reason,
			MinUnits: info.MinUnits,
			MaxUnits: info.MaxUnits,
			Capacity: b.cfg.Capacity,
		}
	}
	if b.cfg.ServiceName != "" && info.Service != b.cfg.ServiceName {
		return 0, fault(fmt.Sprintf("service %q is not registered", info.Service))
	}
	if info.MaxUnits != nil && *info.MaxUnits <= 0 {
		return 0, fault("maximum units must be positive")
	}
	if info.MinUnits != nil && *info.MinUnits < 0 {
		return 0, fault("minimum units must not be negative")
	}
	if info.MinUnits != nil && info.MaxUnits != nil && *info.MinUnits > *info.MaxUnits {
		return 0, fault("minimum units exceed maximum units")
	}
	if info.MinUnits != nil && *info.MinUnits > b.cfg.Capacity {
		return 0, fault("minimum units exceed capacity")
	}

	units := b.cfg.Capacity
	if info.MaxUnits != nil && *info.MaxUnits < units {
		units = *info.MaxUnits
	}
	return units, nil
}

// CreateSession admits and starts a new session.
func (b *Broker) CreateSession(ctx context.Context, info core.StartInfo) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	units, err := b.admit(info)
	if err != nil {
		b.cfg.Log.Info("session refused", zap.Error(err))
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      uuid.NewString(),
		broker:  b,
		units:   units,
		sem:     semaphore.NewWeighted(int64(units)),
		ctx:     sctx,
		cancel:  cancel,
		clients: make(map[string]*client),
	}

	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	b.cfg.Log.Debug("session created", zap.String("session", s.id), zap.Int("units", units))
	return s, nil
}

// AttachSession returns a handle to a live session.
func (b *Broker) AttachSession(ctx context.Context, id string) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, fmt.Errorf("attach %s: %w", id, core.ErrSessionNotFound)
	}
	return s, nil
}

// SessionCount returns the number of live sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Capacity returns the unit ceiling.
func (b *Broker) Capacity() int {
	return b.cfg.Capacity
}

// Close terminates every live session without flushing.
func (b *Broker) Close() {
	b.mu.Lock()
	live := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		live = append(live, s)
	}
	b.mu.Unlock()

	for _, s := range live {
		_ = s.Close(context.Background(), false)
	}
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}
