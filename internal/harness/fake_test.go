package harness

import (
	"context"
	"errors"
	"iter"
	"sync"

	"tagcheck/internal/core"
)

// scriptedSession answers a client's batch with whatever respond returns
// for the requests it was sent.
type scriptedSession struct {
	id        string
	respond   func(sent []core.Request) []core.Response
	clientErr error
	panicOn   bool

	mu     sync.Mutex
	closed bool
}

func echoAll(sent []core.Request) []core.Response {
	out := make([]core.Response, 0, len(sent))
	for i := len(sent) - 1; i >= 0; i-- {
		out = append(out, core.Response{Result: "node01:" + sent[i].Payload, Tag: sent[i].Tag})
	}
	return out
}

func (s *scriptedSession) ID() string { return s.id }

func (s *scriptedSession) NewClient(_ context.Context, _ string) (core.Client, error) {
	if s.panicOn {
		panic("transport exploded")
	}
	if s.clientErr != nil {
		return nil, s.clientErr
	}
	respond := s.respond
	if respond == nil {
		respond = echoAll
	}
	return &scriptedClient{respond: respond}, nil
}

func (s *scriptedSession) Close(context.Context, bool) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type scriptedClient struct {
	respond func([]core.Request) []core.Response
	sent    []core.Request
	ended   bool
}

func (c *scriptedClient) SendRequest(_ context.Context, req core.Request) error {
	if c.ended {
		return core.ErrRequestsEnded
	}
	c.sent = append(c.sent, req)
	return nil
}

func (c *scriptedClient) EndRequests(context.Context) error {
	c.ended = true
	return nil
}

func (c *scriptedClient) Responses(context.Context) iter.Seq2[core.Response, error] {
	return func(yield func(core.Response, error) bool) {
		for _, r := range c.respond(c.sent) {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (c *scriptedClient) Call(_ context.Context, req core.Request) *core.Future {
	f := core.NewFuture()
	f.Resolve(core.Response{Result: "node01:" + req.Payload, Tag: req.Tag}, nil)
	return f
}

func (c *scriptedClient) Close() error { return nil }

// scriptedFactory hands out scriptedSessions or a fixed error.
type scriptedFactory struct {
	err     error
	session func(n int) *scriptedSession

	mu      sync.Mutex
	created []*scriptedSession
}

func (f *scriptedFactory) CreateSession(context.Context, core.StartInfo) (core.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &scriptedSession{id: "s" + string(rune('a'+len(f.created)))}
	if f.session != nil {
		s = f.session(len(f.created))
	}
	f.created = append(f.created, s)
	return s, nil
}

func (f *scriptedFactory) AttachSession(context.Context, string) (core.Session, error) {
	return nil, errors.New("attach not supported")
}
