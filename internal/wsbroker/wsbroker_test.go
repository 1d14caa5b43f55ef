package wsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagcheck/internal/broker"
	"tagcheck/internal/core"
	"tagcheck/internal/harness"
)

func newRemote(t *testing.T, cfg broker.Config) (*Factory, *broker.Broker) {
	t.Helper()
	b := broker.New(cfg)
	srv := httptest.NewServer(NewServer(b, WithPingInterval(time.Second)).Handler())
	t.Cleanup(func() {
		srv.Close()
		b.Close()
	})
	f, err := NewFactory(srv.URL)
	require.NoError(t, err)
	return f, b
}

func sendBatch(t *testing.T, c core.Client, n int, worker string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, c.SendRequest(ctx, core.Request{Payload: strconv.Itoa(i), Tag: fmt.Sprintf("%d:%s", i, worker)}))
	}
	require.NoError(t, c.EndRequests(ctx))
}

func TestRemote_EchoesBatch(t *testing.T) {
	f, _ := newRemote(t, broker.Config{Host: "node01", Faults: broker.Faults{Jitter: true}})
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, core.StartInfo{Service: "echo", MaxUnits: core.IntPtr(4)})
	require.NoError(t, err)
	defer sess.Close(ctx, false)
	assert.Equal(t, 4, sess.(*remoteSession).Units())

	c, err := sess.NewClient(ctx, "w1")
	require.NoError(t, err)
	defer c.Close()

	sendBatch(t, c, 100, "w1")
	seen := map[string]bool{}
	for resp, err := range c.Responses(ctx) {
		require.NoError(t, err)
		assert.Equal(t, "node01:"+resp.Tag[:len(resp.Tag)-len(":w1")], resp.Result)
		seen[resp.Tag] = true
	}
	assert.Len(t, seen, 100)

	for _, err := range c.Responses(ctx) {
		assert.ErrorIs(t, err, core.ErrResponsesConsumed)
	}
}

func TestRemote_RunScenario(t *testing.T) {
	f, b := newRemote(t, broker.Config{Faults: broker.Faults{Jitter: true}})
	h := harness.New()

	tests := []harness.Scenario{
		{Name: "Shared", Clients: 2, Requests: 200},
		{Name: "PerClient", Clients: 3, Requests: 50, Sessions: harness.SessionPerClient, StartInfo: core.StartInfo{MaxUnits: core.IntPtr(3)}},
		{Name: "DirectAttached", Clients: 2, Requests: 50, Mode: harness.ModeDirect, Attach: true},
	}
	for _, sc := range tests {
		t.Run(sc.Name, func(t *testing.T) {
			v := h.RunScenario(context.Background(), sc, f)
			require.True(t, v.Pass, v.Failures)
		})
	}
	assert.Zero(t, b.SessionCount())
}

func TestRemote_EstablishmentFault(t *testing.T) {
	f, _ := newRemote(t, broker.Config{Capacity: 8})

	_, err := f.CreateSession(context.Background(), core.StartInfo{MaxUnits: core.IntPtr(0)})
	fault, ok := core.AsEstablishmentFault(err)
	require.True(t, ok, "expected establishment fault, got %v", err)
	assert.Equal(t, "maximum units must be positive", fault.Reason)
	assert.Equal(t, 8, fault.Capacity)
	require.NotNil(t, fault.MaxUnits)
	assert.Zero(t, *fault.MaxUnits)

	v := harness.New().RunScenario(context.Background(), harness.Scenario{
		Name: "Refused", Clients: 2, Requests: 10, StartInfo: core.StartInfo{MaxUnits: core.IntPtr(0)},
	}, f)
	assert.True(t, v.Meets(true))
}

func TestRemote_AttachUnknown(t *testing.T) {
	f, _ := newRemote(t, broker.Config{})
	_, err := f.AttachSession(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestRemote_ClosedSession(t *testing.T) {
	f, b := newRemote(t, broker.Config{})
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, core.StartInfo{})
	require.NoError(t, err)
	require.NoError(t, sess.Close(ctx, true))
	assert.Zero(t, b.SessionCount())
	require.NoError(t, sess.Close(ctx, true), "closing twice is a no-op")

	_, err = sess.NewClient(ctx, "w1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestRemote_LocalLifecycleErrors(t *testing.T) {
	f, _ := newRemote(t, broker.Config{})
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, core.StartInfo{})
	require.NoError(t, err)
	defer sess.Close(ctx, false)

	c, err := sess.NewClient(ctx, "w1")
	require.NoError(t, err)

	sendBatch(t, c, 1, "w1")
	assert.ErrorIs(t, c.SendRequest(ctx, core.Request{Payload: "1", Tag: "1:w1"}), core.ErrRequestsEnded)
	assert.ErrorIs(t, c.EndRequests(ctx), core.ErrRequestsEnded)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendRequest(ctx, core.Request{}), core.ErrClientClosed)
}

func TestRemote_DuplicateClientRejected(t *testing.T) {
	f, _ := newRemote(t, broker.Config{})
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, core.StartInfo{})
	require.NoError(t, err)
	defer sess.Close(ctx, false)

	c, err := sess.NewClient(ctx, "w1")
	require.NoError(t, err)
	defer c.Close()

	_, err = sess.NewClient(ctx, "w1")
	assert.Error(t, err)
}

func TestRemote_StalledStreamHonoursDeadline(t *testing.T) {
	f, _ := newRemote(t, broker.Config{Faults: broker.Faults{Stall: true}})
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, core.StartInfo{})
	require.NoError(t, err)
	defer sess.Close(ctx, false)

	c, err := sess.NewClient(ctx, "w1")
	require.NoError(t, err)
	defer c.Close()

	sendBatch(t, c, 5, "w1")
	dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	got := 0
	var last error
	for _, err := range c.Responses(dctx) {
		if err != nil {
			last = err
			break
		}
		got++
	}
	assert.Equal(t, 5, got)
	assert.ErrorIs(t, last, context.DeadlineExceeded)
}

func TestRemote_ServerSideSendFailure(t *testing.T) {
	f, _ := newRemote(t, broker.Config{Faults: broker.Faults{FailSendAt: 3}})
	h := harness.New(harness.WithDrainTimeout(5 * time.Second))

	v := h.RunScenario(context.Background(), harness.Scenario{Name: "SendFails", Clients: 1, Requests: 10}, f)

	assert.False(t, v.Pass)
	require.Len(t, v.Workers, 1)
	assert.ErrorContains(t, v.Workers[0].Err, "connection reset by broker")
}

func TestServer_Health(t *testing.T) {
	b := broker.New(broker.Config{Capacity: 4})
	defer b.Close()
	srv := NewServer(b)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(4), body["capacity"])
}

func TestServer_CreateSessionBody(t *testing.T) {
	b := broker.New(broker.Config{})
	defer b.Close()
	srv := NewServer(b)

	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code, "an empty body asks for broker defaults")

	req = httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"maxUnits": "many"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewFactory_RejectsScheme(t *testing.T) {
	_, err := NewFactory("ftp://example.com")
	assert.Error(t, err)

	f, err := NewFactory("https://head01:8443/")
	require.NoError(t, err)
	assert.Equal(t, "wss://head01:8443/sessions/a%20b/clients/w1", f.wsEndpoint("sessions", "a b", "clients", "w1"))
}

func TestFactory_Health(t *testing.T) {
	f, b := newRemote(t, broker.Config{Capacity: 6})
	ctx := context.Background()

	sess, err := f.CreateSession(ctx, core.StartInfo{})
	require.NoError(t, err)
	defer sess.Close(ctx, false)

	h, err := f.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 6, h.Capacity)
	assert.Equal(t, b.SessionCount(), h.Sessions)
}

func TestFactory_HealthRejectsUnhealthyBroker(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusServiceUnavailable, `{"status":"ok"}`},
		{"not json", http.StatusOK, `<html>`},
		{"degraded", http.StatusOK, `{"status":"draining","sessions":1,"capacity":4}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f, err := NewFactory(srv.URL)
			require.NoError(t, err)
			_, err = f.Health(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestRemoteClient_DropsResponsesAfterEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range []frame{
			{Type: frameResponse, Tag: "0:w1", Result: "h:0"},
			{Type: frameEnd},
			{Type: frameResponse, Tag: "1:w1", Result: "h:1"},
			{Type: frameResponse, Tag: "2:w1", Result: "h:2"},
			{Type: frameError, Error: "stream over"},
		} {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		// Hold the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f, err := NewFactory(srv.URL)
	require.NoError(t, err)
	sess := &remoteSession{factory: f, id: "s1"}
	c, err := sess.NewClient(context.Background(), "w1")
	require.NoError(t, err)
	rc := c.(*remoteClient)

	select {
	case <-rc.done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
	assert.ErrorContains(t, rc.err, "stream over")

	var tags []string
	for resp, err := range c.Responses(context.Background()) {
		require.NoError(t, err)
		tags = append(tags, resp.Tag)
	}
	assert.Equal(t, []string{"0:w1"}, tags)
	assert.NoError(t, c.Close())
}
