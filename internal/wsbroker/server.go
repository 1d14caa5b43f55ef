package wsbroker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tagcheck/internal/broker"
	"tagcheck/internal/core"
)

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
	maxMessageSize      = 1 << 20
	outboundBuffer      = 256
)

// Server serves one broker over HTTP and WebSocket.
type Server struct {
	broker       *broker.Broker
	log          *zap.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	echo         *echo.Echo
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(log *zap.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithPingInterval sets the WebSocket keepalive period.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.pingInterval = d }
}

// NewServer creates a server with all routes registered.
func NewServer(b *broker.Broker, opts ...ServerOption) *Server {
	s := &Server{
		broker:       b,
		log:          zap.NewNop(),
		pingInterval: defaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	s.RegisterRoutes(e)
	s.echo = e
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and closes every broker session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.broker.Close()
	return err
}

// RegisterRoutes registers the broker routes with e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.POST("/sessions", s.handleCreate)
	e.GET("/sessions/:id", s.handleAttach)
	e.DELETE("/sessions/:id", s.handleClose)
	e.GET("/sessions/:id/clients/:clientId", s.handleClient)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.broker.SessionCount(),
		"capacity": s.broker.Capacity(),
	})
}

func (s *Server) handleCreate(c echo.Context) error {
	var info core.StartInfo
	if err := c.Bind(&info); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid start info: " + err.Error()})
	}
	sess, err := s.broker.CreateSession(c.Request().Context(), info)
	if err != nil {
		if fault, ok := core.AsEstablishmentFault(err); ok {
			return c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Fault: fault})
		}
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, describe(sess))
}

func (s *Server) handleAttach(c echo.Context) error {
	sess, err := s.broker.AttachSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFound(c, err)
	}
	return c.JSON(http.StatusOK, describe(sess))
}

func (s *Server) handleClose(c echo.Context) error {
	sess, err := s.broker.AttachSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFound(c, err)
	}
	flush := c.QueryParam("flush") == "true"
	if err := sess.Close(c.Request().Context(), flush); err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func notFound(c echo.Context, err error) error {
	if errors.Is(err, core.ErrSessionNotFound) {
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Code: codeNotFound})
	}
	return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func describe(sess core.Session) sessionBody {
	body := sessionBody{ID: sess.ID()}
	if u, ok := sess.(interface{ Units() int }); ok {
		body.Units = u.Units()
	}
	return body
}

// handleClient bridges one WebSocket to one broker client until either
// side goes away.
func (s *Server) handleClient(c echo.Context) error {
	sessionID, clientID := c.Param("id"), c.Param("clientId")
	sess, err := s.broker.AttachSession(c.Request().Context(), sessionID)
	if err != nil {
		return notFound(c, err)
	}
	bc, err := sess.NewClient(c.Request().Context(), clientID)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, core.ErrSessionClosed) {
			status = http.StatusGone
		}
		return c.JSON(status, errorBody{Error: err.Error()})
	}
	defer bc.Close()

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)

	log := s.log.With(zap.String("session", sessionID), zap.String("client", clientID))
	log.Debug("client connected")

	b := &bridge{
		client: bc,
		ws:     ws,
		out:    make(chan frame, outboundBuffer),
		log:    log,
		ping:   s.pingInterval,
	}
	b.run()
	log.Debug("client disconnected")
	return nil
}

type bridge struct {
	client core.Client
	ws     *websocket.Conn
	out    chan frame
	log    *zap.Logger
	ping   time.Duration
}

func (b *bridge) run() {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return b.writePump(ctx) })
	g.Go(func() error { return b.readPump(ctx, g) })
	if err := g.Wait(); err != nil && !isClosure(err) {
		b.log.Debug("client bridge ended", zap.Error(err))
	}
}

// errClientGone ends the bridge after the peer closed the socket.
var errClientGone = errors.New("client disconnected")

func isClosure(err error) bool {
	return errors.Is(err, errClientGone) || errors.Is(err, context.Canceled)
}

func (b *bridge) readPump(ctx context.Context, g *errgroup.Group) error {
	// Unblock ReadJSON when the writer fails.
	go func() {
		<-ctx.Done()
		_ = b.ws.SetReadDeadline(time.Now())
	}()

	for {
		var f frame
		if err := b.ws.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug("websocket read failed", zap.Error(err))
			}
			return errClientGone
		}

		switch f.Type {
		case frameRequest:
			if err := b.client.SendRequest(ctx, core.Request{Payload: f.Payload, Tag: f.Tag}); err != nil {
				b.send(ctx, errorFrame(err))
			}
		case frameEnd:
			if err := b.client.EndRequests(ctx); err != nil {
				b.send(ctx, errorFrame(err))
				continue
			}
			g.Go(func() error { return b.stream(ctx) })
		case frameCall:
			fut := b.client.Call(ctx, core.Request{Payload: f.Payload, Tag: f.Tag})
			id := f.ID
			g.Go(func() error {
				resp, err := fut.Await(ctx)
				if err != nil {
					if ctx.Err() == nil {
						reply := errorFrame(err)
						reply.Type, reply.ID = frameReply, id
						b.send(ctx, reply)
					}
					return nil
				}
				reply := responseFrame(frameReply, resp)
				reply.ID = id
				b.send(ctx, reply)
				return nil
			})
		default:
			b.send(ctx, frame{Type: frameError, Error: "unknown frame type " + f.Type})
		}
	}
}

// stream forwards the broker client's responses until the stream ends.
func (b *bridge) stream(ctx context.Context) error {
	for resp, err := range b.client.Responses(ctx) {
		if err != nil {
			if ctx.Err() == nil {
				b.send(ctx, errorFrame(err))
			}
			return nil
		}
		if !b.send(ctx, responseFrame(frameResponse, resp)) {
			return nil
		}
	}
	b.send(ctx, frame{Type: frameEnd})
	return nil
}

func (b *bridge) send(ctx context.Context, f frame) bool {
	select {
	case b.out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// writePump is the only goroutine writing to the socket.
func (b *bridge) writePump(ctx context.Context) error {
	ticker := time.NewTicker(b.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = b.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return ctx.Err()
		case f := <-b.out:
			_ = b.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := b.ws.WriteJSON(f); err != nil {
				return err
			}
		case <-ticker.C:
			if err := b.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}
