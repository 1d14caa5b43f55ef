package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var (
	// ErrSessionClosed is returned by operations on a session that was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrRequestsEnded is returned when a request is sent after EndRequests.
	ErrRequestsEnded = errors.New("requests already ended")
	// ErrResponsesConsumed is yielded when Responses is iterated a second time.
	ErrResponsesConsumed = errors.New("responses already consumed")
	// ErrSessionNotFound is returned by AttachSession for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrClientClosed is returned by operations on a closed client.
	ErrClientClosed = errors.New("client closed")
)

// UnitType is the kind of schedulable capacity a session asks for.
type UnitType string

const (
	UnitCore   UnitType = "core"
	UnitSocket UnitType = "socket"
	UnitNode   UnitType = "node"
)

// ParseUnitType accepts a unit type name; empty means UnitCore.
func ParseUnitType(s string) (UnitType, error) {
	switch UnitType(s) {
	case "":
		return UnitCore, nil
	case UnitCore, UnitSocket, UnitNode:
		return UnitType(s), nil
	}
	return "", fmt.Errorf("unknown unit type %q", s)
}

// StartInfo describes a session to create.
// A nil unit bound means "let the broker decide".
type StartInfo struct {
	Server   string   `json:"server"`
	Service  string   `json:"service"`
	UnitType UnitType `json:"unitType,omitempty"`
	MinUnits *int     `json:"minUnits,omitempty"`
	MaxUnits *int     `json:"maxUnits,omitempty"`
	Secure   bool     `json:"secure"`
}

// Request is one tagged unit of work. Tag is carried as user data and echoed
// back unchanged on the matching Response.
type Request struct {
	Payload string `json:"payload"`
	Tag     string `json:"tag"`
}

// Response is the service result for one request. Fault is set when the
// remote service failed the request.
type Response struct {
	Result string `json:"result"`
	Tag    string `json:"tag"`
	Fault  string `json:"fault,omitempty"`
}

// SessionFactory creates or re-attaches sessions on a broker.
type SessionFactory interface {
	// CreateSession returns *EstablishmentFault when the broker refuses
	// admission; other errors are transport faults.
	CreateSession(ctx context.Context, info StartInfo) (Session, error)
	AttachSession(ctx context.Context, id string) (Session, error)
}

// Session is an established compute session.
type Session interface {
	ID() string
	NewClient(ctx context.Context, clientID string) (Client, error)
	Close(ctx context.Context, flush bool) error
}

// Client is one broker client bound to a session. A Client is used by a
// single worker; it is not required to be safe for concurrent use beyond
// Call futures resolving concurrently.
type Client interface {
	SendRequest(ctx context.Context, req Request) error
	// EndRequests signals that no more requests will be sent.
	EndRequests(ctx context.Context) error
	// Responses yields every response for this client in arrival order.
	// The sequence is finite and can be consumed once.
	Responses(ctx context.Context) iter.Seq2[Response, error]
	// Call submits a request and returns a future for its response.
	Call(ctx context.Context, req Request) *Future
	Close() error
}
