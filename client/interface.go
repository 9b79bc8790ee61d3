package client

import (
	"context"
)

// Interface defines the minimal SSH interaction contract.
type Interface interface {
	Connect(ctx context.Context) error
	RunCommand(ctx context.Context, command string) (string, error)
	Heartbeat(ctx context.Context) error
	Close() error
}

var _ Interface = (*Client)(nil)
