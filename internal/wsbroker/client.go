package wsbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tagcheck/internal/core"
)

const responseBuffer = 256

// Factory is a core.SessionFactory backed by a remote Server.
type Factory struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    *zap.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.http = c }
}

func WithFactoryLogger(log *zap.Logger) FactoryOption {
	return func(f *Factory) { f.log = log }
}

// NewFactory targets the broker at baseURL, e.g. "http://head01:8080".
func NewFactory(baseURL string, opts ...FactoryOption) (*Factory, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("broker url %q: scheme must be http or https", baseURL)
	}
	f := &Factory{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Factory) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return f.base.String() + "/" + strings.Join(escaped, "/")
}

func (f *Factory) wsEndpoint(parts ...string) string {
	u := f.endpoint(parts...)
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

// CreateSession asks the broker for a session. A refusal is returned as
// *core.EstablishmentFault.
func (f *Factory) CreateSession(ctx context.Context, info core.StartInfo) (core.Session, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode start info: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint("sessions"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out sessionBody
	if err := f.do(req, http.StatusCreated, &out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	f.log.Debug("remote session created", zap.String("session", out.ID), zap.Int("units", out.Units))
	return &remoteSession{factory: f, id: out.ID, units: out.Units}, nil
}

// AttachSession re-attaches to a live remote session.
func (f *Factory) AttachSession(ctx context.Context, id string) (core.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint("sessions", id), nil)
	if err != nil {
		return nil, err
	}
	var out sessionBody
	if err := f.do(req, http.StatusOK, &out); err != nil {
		return nil, fmt.Errorf("attach %s: %w", id, err)
	}
	return &remoteSession{factory: f, id: out.ID, units: out.Units}, nil
}

// do sends req and decodes a want-status body into out, or the error body
// into an error.
func (f *Factory) do(req *http.Request, want int, out any) error {
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == want {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb errorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
		return fmt.Errorf("broker returned %s", resp.Status)
	}
	if eb.Fault != nil {
		return eb.Fault
	}
	if s, ok := sentinels[eb.Code]; ok {
		return &remoteError{msg: eb.Error, sentinel: s}
	}
	return fmt.Errorf("broker returned %s: %s", resp.Status, eb.Error)
}

type remoteSession struct {
	factory *Factory
	id      string
	units   int
}

func (s *remoteSession) ID() string { return s.id }

// Units returns the units the broker granted.
func (s *remoteSession) Units() int { return s.units }

func (s *remoteSession) NewClient(ctx context.Context, clientID string) (core.Client, error) {
	conn, resp, err := s.factory.dialer.DialContext(ctx, s.factory.wsEndpoint("sessions", s.id, "clients", clientID), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusGone:
				return nil, core.ErrSessionClosed
			case http.StatusNotFound:
				return nil, fmt.Errorf("session %s: %w", s.id, core.ErrSessionNotFound)
			}
			return nil, fmt.Errorf("connect client %s: broker returned %s", clientID, resp.Status)
		}
		return nil, fmt.Errorf("connect client %s: %w", clientID, err)
	}

	c := &remoteClient{
		id:        clientID,
		conn:      conn,
		log:       s.factory.log.With(zap.String("session", s.id), zap.String("client", clientID)),
		responses: make(chan core.Response, responseBuffer),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
		calls:     make(map[uint64]*core.Future),
	}
	go c.readLoop()
	return c, nil
}

func (s *remoteSession) Close(ctx context.Context, flush bool) error {
	u := s.factory.endpoint("sessions", s.id)
	if flush {
		u += "?flush=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	err = s.factory.do(req, http.StatusNoContent, nil)
	if errors.Is(err, core.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}

type remoteClient struct {
	id   string
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex
	ended   bool
	closed  bool

	nextCall atomic.Uint64
	callsMu  sync.Mutex
	calls    map[uint64]*core.Future

	consumed  atomic.Bool
	endSeen   atomic.Bool
	responses chan core.Response

	// closeCh is closed by Close. done is closed when readLoop exits and
	// err says why.
	closeCh chan struct{}
	done    chan struct{}
	err     error
}

func (c *remoteClient) write(f frame) error {
	if c.closed {
		return core.ErrClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *remoteClient) SendRequest(ctx context.Context, req core.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ended && !c.closed {
		return core.ErrRequestsEnded
	}
	return c.write(frame{Type: frameRequest, Payload: req.Payload, Tag: req.Tag})
}

func (c *remoteClient) EndRequests(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ended && !c.closed {
		return core.ErrRequestsEnded
	}
	if err := c.write(frame{Type: frameEnd}); err != nil {
		return err
	}
	c.ended = true
	return nil
}

func (c *remoteClient) Responses(ctx context.Context) iter.Seq2[core.Response, error] {
	return func(yield func(core.Response, error) bool) {
		if !c.consumed.CompareAndSwap(false, true) {
			yield(core.Response{}, core.ErrResponsesConsumed)
			return
		}
		done := c.done
		for {
			select {
			case resp, ok := <-c.responses:
				if !ok {
					return
				}
				if !yield(resp, nil) {
					return
				}
			case <-done:
				if c.endSeen.Load() {
					// The stream finished before the socket; keep draining.
					done = nil
					continue
				}
				for {
					select {
					case resp := <-c.responses:
						if !yield(resp, nil) {
							return
						}
					default:
						yield(core.Response{}, c.err)
						return
					}
				}
			case <-ctx.Done():
				yield(core.Response{}, ctx.Err())
				return
			}
		}
	}
}

func (c *remoteClient) Call(ctx context.Context, req core.Request) *core.Future {
	if err := ctx.Err(); err != nil {
		return core.FailedFuture(err)
	}
	id := c.nextCall.Add(1)
	f := core.NewFuture()
	c.callsMu.Lock()
	c.calls[id] = f
	c.callsMu.Unlock()

	c.writeMu.Lock()
	err := c.write(frame{Type: frameCall, ID: id, Payload: req.Payload, Tag: req.Tag})
	c.writeMu.Unlock()
	if err != nil {
		c.resolve(id, core.Response{}, err)
	}
	return f
}

func (c *remoteClient) resolve(id uint64, resp core.Response, err error) {
	c.callsMu.Lock()
	f, ok := c.calls[id]
	delete(c.calls, id)
	c.callsMu.Unlock()
	if ok {
		f.Resolve(resp, err)
	}
}

// Close closes the socket and waits for the reader to finish.
func (c *remoteClient) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *remoteClient) readLoop() {
	var err error
	defer func() {
		c.err = err
		c.callsMu.Lock()
		pending := c.calls
		c.calls = map[uint64]*core.Future{}
		c.callsMu.Unlock()
		for _, f := range pending {
			f.Resolve(core.Response{}, err)
		}
		close(c.done)
	}()

	for {
		var f frame
		if rerr := c.conn.ReadJSON(&f); rerr != nil {
			err = fmt.Errorf("broker connection lost: %w", core.ErrSessionClosed)
			if !websocket.IsCloseError(rerr, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", zap.Error(rerr))
			}
			return
		}

		switch f.Type {
		case frameResponse:
			if c.endSeen.Load() {
				c.log.Debug("response after end of stream dropped", zap.String("tag", f.Tag))
				continue
			}
			select {
			case c.responses <- f.response():
			case <-c.closeCh:
				err = core.ErrClientClosed
				return
			}
		case frameEnd:
			if c.endSeen.CompareAndSwap(false, true) {
				close(c.responses)
			}
		case frameReply:
			if f.Error != "" {
				c.resolve(f.ID, core.Response{}, errorFromFrame(f))
			} else {
				c.resolve(f.ID, f.response(), nil)
			}
		case frameError:
			err = errorFromFrame(f)
			return
		}
	}
}
