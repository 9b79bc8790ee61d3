package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pascal71/sshmon/client"
	"github.com/pascal71/sshmon/state"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultFailureThreshold  = 1
)

// Prober checks that an existing session is alive.
type Prober interface {
	Heartbeat(ctx context.Context) error
}

// HeartbeatOptions configures a Heartbeat. Zero values take the defaults.
type HeartbeatOptions struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

// Heartbeat periodically probes the session and reflects the result in the store.
// It never reconnects.
type Heartbeat struct {
	prober Prober
	store  *state.Store
	opts   HeartbeatOptions

	mu       sync.Mutex
	failures int
}

// NewHeartbeat returns a Heartbeat for p reporting into store.
func NewHeartbeat(p Prober, store *state.Store, opts HeartbeatOptions) *Heartbeat {
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHeartbeatTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	return &Heartbeat{prober: p, store: store, opts: opts}
}

// Run probes every Interval until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()

	slog.DebugContext(ctx, "Heartbeat started", "interval", h.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "Heartbeat stopped")
			return ctx.Err()
		case <-ticker.C:
			_ = h.Probe(ctx)
		}
	}
}

// Probe runs a single liveness check. After FailureThreshold consecutive
// failures the store is marked disconnected; a success marks it connected.
// A missing session counts as a failure only while the store still reports
// the host connected, which is the case after the client dropped a broken
// session on its own.
func (h *Heartbeat) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	err := h.prober.Heartbeat(probeCtx)

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case err == nil:
		h.failures = 0
		h.store.SetConnected(true)
		return nil
	case errors.Is(err, client.ErrNotConnected) && !h.store.Get().IsConnected:
		h.failures = 0
		return err
	}

	h.failures++
	slog.WarnContext(ctx, "Heartbeat failed",
		"class", failureClass(err),
		"consecutive", h.failures,
		"threshold", h.opts.FailureThreshold,
		"error", err)
	if h.failures >= h.opts.FailureThreshold {
		h.store.SetConnected(false)
	}
	return err
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, client.ErrUnexpectedReply):
		return "command"
	case errors.Is(err, client.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return "transport"
	case errors.Is(err, client.ErrNotConnected):
		return "session"
	}
	return "unknown"
}
