package broker

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tagcheck/internal/core"
	"tagcheck/internal/tracelog"
)

const maxJitter = 2 * time.Millisecond

type session struct {
	id     string
	broker *Broker
	units  int
	sem    *semaphore.Weighted

	// ctx is cancelled when the session closes; it bounds every dispatch.
	ctx    context.Context
	cancel context.CancelFunc

	inflight sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	clients map[string]*client
}

func (s *session) ID() string { return s.id }

// Units returns the number of concurrent dispatch slots granted.
func (s *session) Units() int { return s.units }

func (s *session) NewClient(ctx context.Context, clientID string) (core.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrSessionClosed
	}
	if _, dup := s.clients[clientID]; dup {
		return nil, fmt.Errorf("client %q already attached to session %s", clientID, s.id)
	}
	c := &client{
		id:        clientID,
		session:   s,
		responses: make(chan core.Response, 64),
		done:      make(chan struct{}),
	}
	s.clients[clientID] = c
	return c, nil
}

// Close ends the session. With flush, in-flight requests are allowed to
// finish (bounded by ctx) before dispatch is cancelled.
func (s *session) Close(ctx context.Context, flush bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if flush {
		drained := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			err = fmt.Errorf("flush session %s: %w", s.id, ctx.Err())
		}
	}
	s.cancel()
	s.broker.forget(s.id)
	s.broker.cfg.Log.Debug("session closed", zap.String("session", s.id), zap.Bool("flush", flush))
	return err
}

// track registers one in-flight dispatch unless the session is closed. The
// Add happens under mu so it cannot race a flushing Close already waiting.
func (s *session) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *session) removeClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type client struct {
	id      string
	session *session

	mu     sync.Mutex
	ended  bool
	closed bool
	sends  int

	inflight  sync.WaitGroup
	delivered atomic.Int64
	consumed  atomic.Bool
	responses chan core.Response
	// done is closed by Close; undelivered responses are then discarded.
	done      chan struct{}
}

func (c *client) admit() error {
	if c.closed {
		return core.ErrClientClosed
	}
	if c.session.isClosed() {
		return core.ErrSessionClosed
	}
	return nil
}

func (c *client) SendRequest(ctx context.Context, req core.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.admit(); err != nil {
		return err
	}
	if c.ended {
		return core.ErrRequestsEnded
	}
	c.sends++
	if n := c.session.broker.cfg.Faults.FailSendAt; n > 0 && c.sends == n {
		return fmt.Errorf("send request %d: connection reset by broker", c.sends)
	}

	if !c.session.track() {
		return core.ErrSessionClosed
	}
	c.inflight.Add(1)
	go func() {
		defer c.session.inflight.Done()
		defer c.inflight.Done()
		resp, ok := c.dispatch(req)
		if !ok {
			return
		}
		select {
		case c.responses <- resp:
		case <-c.done:
		case <-c.session.ctx.Done():
		}
	}()
	return nil
}

func (c *client) EndRequests(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.admit(); err != nil {
		return err
	}
	if c.ended {
		return core.ErrRequestsEnded
	}
	c.ended = true
	if c.session.broker.cfg.Faults.Stall {
		return nil
	}
	go func() {
		c.inflight.Wait()
		close(c.responses)
	}()
	return nil
}

func (c *client) Responses(ctx context.Context) iter.Seq2[core.Response, error] {
	return func(yield func(core.Response, error) bool) {
		if !c.consumed.CompareAndSwap(false, true) {
			yield(core.Response{}, core.ErrResponsesConsumed)
			return
		}
		for {
			select {
			case resp, ok := <-c.responses:
				if !ok {
					return
				}
				if !yield(resp, nil) {
					return
				}
			case <-ctx.Done():
				yield(core.Response{}, ctx.Err())
				return
			case <-c.session.ctx.Done():
				yield(core.Response{}, core.ErrSessionClosed)
				return
			}
		}
	}
}

func (c *client) Call(ctx context.Context, req core.Request) *core.Future {
	if err := ctx.Err(); err != nil {
		return core.FailedFuture(err)
	}
	c.mu.Lock()
	if err := c.admit(); err != nil {
		c.mu.Unlock()
		return core.FailedFuture(err)
	}
	if !c.session.track() {
		c.mu.Unlock()
		return core.FailedFuture(core.ErrSessionClosed)
	}
	c.mu.Unlock()

	// A dropped response leaves its future unresolved, like a lost reply;
	// the caller's deadline bounds the wait.
	f := core.NewFuture()
	go func() {
		defer c.session.inflight.Done()
		resp, ok := c.dispatch(req)
		if !ok {
			if err := c.session.ctx.Err(); err != nil {
				f.Resolve(core.Response{}, core.ErrSessionClosed)
			}
			return
		}
		f.Resolve(resp, nil)
	}()
	return f
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.session.removeClient(c.id)
	return nil
}

// dispatch runs one request through the service under the session's unit
// limit. ok is false when the response is dropped or the session ended.
func (c *client) dispatch(req core.Request) (core.Response, bool) {
	s := c.session
	b := s.broker
	if b.cfg.Faults.Jitter {
		select {
		case <-time.After(rand.N(maxJitter)):
		case <-s.ctx.Done():
			return core.Response{}, false
		}
	}
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return core.Response{}, false
	}
	b.cfg.Trace.Record(s.id, tracelog.BackendRequestSent, req.Tag, c.id)
	result, err := b.cfg.Service.Invoke(s.ctx, req.Payload)
	s.sem.Release(1)
	b.cfg.Trace.Record(s.id, tracelog.BackendResponseReceived, req.Tag, c.id)

	resp := core.Response{Result: result, Tag: req.Tag}
	if err != nil {
		if s.ctx.Err() != nil {
			return core.Response{}, false
		}
		resp.Fault = err.Error()
	}

	n := c.delivered.Add(1)
	if every := b.cfg.Faults.DropEvery; every > 0 && n%int64(every) == 0 {
		b.cfg.Log.Debug("dropping response", zap.String("tag", req.Tag))
		return core.Response{}, false
	}
	if every := b.cfg.Faults.CorruptEvery; every > 0 && n%int64(every) == 0 {
		resp.Tag = corruptTag(resp.Tag)
	}
	return resp, true
}

// corruptTag changes the worker segment so it no longer names the sender.
func corruptTag(tag string) string {
	seq, worker, ok := strings.Cut(tag, ":")
	if !ok {
		return tag + ":corrupt"
	}
	return seq + ":corrupt-" + worker
}
