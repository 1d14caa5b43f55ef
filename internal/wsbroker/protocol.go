// Package wsbroker exposes a broker over HTTP and WebSocket and provides the
// matching remote core.SessionFactory.
//
// Sessions are managed with plain HTTP:
//
//	POST   /sessions                          create (body: core.StartInfo)
//	GET    /sessions/:id                      attach
//	DELETE /sessions/:id?flush=true           close
//
// Each client is one WebSocket at /sessions/:id/clients/:clientId carrying
// JSON frames in both directions.
package wsbroker

import (
	"errors"

	"tagcheck/internal/core"
)

// Frame types.
const (
	frameRequest  = "request"  // client -> server: SendRequest
	frameEnd      = "end"      // both: EndRequests, or end of response stream
	frameCall     = "call"     // client -> server: Call with correlation id
	frameResponse = "response" // server -> client: streamed response
	frameReply    = "reply"    // server -> client: result of a Call
	frameError    = "error"    // server -> client: fatal stream error
)

type frame struct {
	Type    string `json:"type"`
	ID      uint64 `json:"id,omitempty"`
	Payload string `json:"payload,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Result  string `json:"result,omitempty"`
	Fault   string `json:"fault,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (f frame) response() core.Response {
	return core.Response{Result: f.Result, Tag: f.Tag, Fault: f.Fault}
}

func responseFrame(typ string, resp core.Response) frame {
	return frame{Type: typ, Result: resp.Result, Tag: resp.Tag, Fault: resp.Fault}
}

// Sentinel errors travel as codes so the client can restore them.
const (
	codeSessionClosed = "session_closed"
	codeRequestsEnded = "requests_ended"
	codeClientClosed  = "client_closed"
	codeNotFound      = "session_not_found"
)

var sentinels = map[string]error{
	codeSessionClosed: core.ErrSessionClosed,
	codeRequestsEnded: core.ErrRequestsEnded,
	codeClientClosed:  core.ErrClientClosed,
	codeNotFound:      core.ErrSessionNotFound,
}

func errorFrame(err error) frame {
	f := frame{Type: frameError, Error: err.Error()}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			f.Code = code
			break
		}
	}
	return f
}

// remoteError is a server-side failure reported to the client.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return "broker: " + e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func errorFromFrame(f frame) error {
	return &remoteError{msg: f.Error, sentinel: sentinels[f.Code]}
}

type sessionBody struct {
	ID    string `json:"id"`
	Units int    `json:"units,omitempty"`
}

type errorBody struct {
	Error string                   `json:"error"`
	Code  string                   `json:"code,omitempty"`
	Fault *core.EstablishmentFault `json:"fault,omitempty"`
}
