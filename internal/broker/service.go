package broker

import (
	"context"
)

// Service is the remote compute service a session dispatches to.
type Service interface {
	Invoke(ctx context.Context, payload string) (string, error)
}

// EchoService answers payload p with "{Host}:{p}".
type EchoService struct {
	Host string
}

func (s EchoService) Invoke(ctx context.Context, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Host + ":" + payload, nil
}
