package harness

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tagcheck/internal/coordinator"
	"tagcheck/internal/core"
	"tagcheck/internal/tracelog"
)

// SessionMode decides how workers share sessions.
type SessionMode string

const (
	// SharedSession runs every worker on one session.
	SharedSession SessionMode = "shared"
	// SessionPerClient gives each worker its own session.
	SessionPerClient SessionMode = "per-client"
)

// Scenario is one end-to-end case yielding a single verdict.
type Scenario struct {
	Name      string
	Clients   int
	Requests  int
	Sessions  SessionMode
	Mode      Mode
	Attach    bool // re-attach to the created session by id before use
	StartInfo core.StartInfo
}

// Validate checks the scenario's own fields.
func (sc Scenario) Validate() error {
	if sc.Clients < 0 {
		return fmt.Errorf("scenario %q: clients must not be negative", sc.Name)
	}
	if sc.Requests < 0 {
		return fmt.Errorf("scenario %q: requests must not be negative", sc.Name)
	}
	switch sc.Sessions {
	case "", SharedSession, SessionPerClient:
	default:
		return fmt.Errorf("scenario %q: unknown session mode %q", sc.Name, sc.Sessions)
	}
	switch sc.Mode {
	case "", ModeBatch, ModeDirect:
	default:
		return fmt.Errorf("scenario %q: unknown mode %q", sc.Name, sc.Mode)
	}
	return nil
}

func (sc Scenario) sessionCount() int {
	if sc.Sessions == SessionPerClient {
		return sc.Clients
	}
	return 1
}

// RunScenario establishes the scenario's sessions, runs one worker per
// client, waits on the completion barrier, and judges the results.
// A refused establishment fails the scenario before any request is sent.
func (h *Harness) RunScenario(ctx context.Context, sc Scenario, factory core.SessionFactory) Verdict {
	started := h.clock.Now()
	log := h.log.With(zap.String("scenario", sc.Name))
	h.trace.StartTest(sc.Name)

	finish := func(v Verdict) Verdict {
		v.Started = started
		v.Duration = h.clock.Since(started)
		if v.Pass {
			log.Info("scenario passed", zap.Duration("duration", v.Duration))
		} else {
			log.Warn("scenario failed", zap.Strings("failures", v.Failures))
		}
		return v
	}

	if err := sc.Validate(); err != nil {
		return finish(Judge(sc.Name, nil, err))
	}

	log.Info("establishing sessions", zap.Int("sessions", sc.sessionCount()), zap.Int("clients", sc.Clients))
	sessions, err := h.establish(ctx, sc, factory)
	if err != nil {
		return finish(Judge(sc.Name, nil, err))
	}

	results := &resultSet{}
	coord := coordinator.NewCoordinator(h.reporter,
		coordinator.WithLogger(log),
		coordinator.WithPanicHandler(func(slot int, recovered any) {
			results.add(slot, WorkerResult{
				WorkerID: fmt.Sprintf("slot-%d", slot),
				Expected: sc.Requests,
				Err:      fmt.Errorf("worker panic: %v", recovered),
			})
		}),
	)

	mode := sc.Mode
	if mode == "" {
		mode = ModeBatch
	}
	_, err = coord.Spawn(ctx, sc.Clients, func(ctx context.Context, slot int) {
		sess := sessions[0]
		if sc.Sessions == SessionPerClient {
			sess = sessions[slot]
		}
		results.add(slot, h.runWorker(ctx, sess, h.newWorkerID(), sc.Requests, mode))
	})
	if err != nil {
		h.closeSessions(false, sessions)
		return finish(Judge(sc.Name, nil, err))
	}

	if err := coord.Wait(ctx); err != nil {
		// Closing the sessions unblocks any worker still inside the transport.
		log.Warn("scenario interrupted", zap.Error(err))
		h.closeSessions(false, sessions)
		_ = coord.Wait(context.Background())
	} else {
		h.closeSessions(true, sessions)
	}

	return finish(Judge(sc.Name, results.sorted(), nil))
}

// establish creates every session concurrently. On any failure the
// sessions already created are closed and the first error is returned.
func (h *Harness) establish(ctx context.Context, sc Scenario, factory core.SessionFactory) ([]core.Session, error) {
	sessions := make([]core.Session, sc.sessionCount())
	g, gctx := errgroup.WithContext(ctx)
	for i := range sessions {
		g.Go(func() error {
			h.trace.Record(sc.Name, tracelog.SessionCreating, strconv.Itoa(i))
			s, err := factory.CreateSession(gctx, sc.StartInfo)
			if err != nil {
				return fmt.Errorf("create session %d: %w", i, err)
			}
			if sc.Attach {
				attached, err := factory.AttachSession(gctx, s.ID())
				if err != nil {
					_ = s.Close(context.Background(), false)
					return fmt.Errorf("attach session %s: %w", s.ID(), err)
				}
				s = attached
			}
			sessions[i] = s
			h.trace.Record(s.ID(), tracelog.SessionCreated, sc.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.closeSessions(false, sessions)
		return nil, err
	}
	return sessions, nil
}

func (h *Harness) closeSessions(flush bool, sessions []core.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, s := range sessions {
		if s == nil {
			continue
		}
		if err := s.Close(ctx, flush); err != nil {
			h.log.Warn("close session", zap.String("session", s.ID()), zap.Error(err))
		}
		h.trace.Record(s.ID(), tracelog.SessionFinished)
	}
}

// resultSet is the append-only collection workers publish into.
type resultSet struct {
	mu      sync.Mutex
	entries []slotResult
}

type slotResult struct {
	slot   int
	result WorkerResult
}

func (r *resultSet) add(slot int, res WorkerResult) {
	r.mu.Lock()
	r.entries = append(r.entries, slotResult{slot, res})
	r.mu.Unlock()
}

// sorted returns results by slot; arrival order carries no meaning.
func (r *resultSet) sorted() []WorkerResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(r.entries, func(i, j int) bool { return r.entries[i].slot < r.entries[j].slot })
	out := make([]WorkerResult, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.result
	}
	return out
}
