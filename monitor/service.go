// Package monitor ties an SSH client to the observable connection state and
// runs the remote monitoring commands.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pascal71/sshmon/client"
	"github.com/pascal71/sshmon/parser"
	"github.com/pascal71/sshmon/state"
)

// ErrNotConnected is returned by commands issued before Connect or after Disconnect.
var ErrNotConnected = client.ErrNotConnected

// Service owns one SSH client and keeps the connection store in step with it.
type Service struct {
	client client.Interface
	store  *state.Store
}

// NewService returns a Service for c that reports into store.
func NewService(c client.Interface, store *state.Store) *Service {
	return &Service{client: c, store: store}
}

// Store returns the connection store the service reports into.
func (s *Service) Store() *state.Store {
	return s.store
}

// Connect opens the SSH session and marks the store connected.
func (s *Service) Connect(ctx context.Context) error {
	cfg := s.store.Get().Config
	if err := s.client.Connect(ctx); err != nil {
		slog.ErrorContext(ctx, "Failed to connect", "target", cfg.String(), "error", err)
		s.store.SetConnected(false)
		return fmt.Errorf("connecting to %s: %w", cfg, err)
	}
	s.store.SetConnected(true)
	slog.InfoContext(ctx, "Connected", "target", cfg.String())
	return nil
}

// Disconnect closes the session and marks the store disconnected.
func (s *Service) Disconnect(ctx context.Context) error {
	err := s.client.Close()
	s.store.SetConnected(false)
	if err != nil {
		slog.WarnContext(ctx, "Error while disconnecting", "error", err)
		return err
	}
	slog.InfoContext(ctx, "Disconnected")
	return nil
}

// Execute runs a raw command over the session.
func (s *Service) Execute(ctx context.Context, command string) (string, error) {
	out, err := s.client.RunCommand(ctx, command)
	if err != nil {
		s.handleCommandError(ctx, err)
		if errors.Is(err, client.ErrNotConnected) {
			return "", err
		}
		return "", fmt.Errorf("running %q: %w", command, err)
	}
	return out, nil
}

// SystemInfo returns CPU, memory and the top processes ordered by sort.
func (s *Service) SystemInfo(ctx context.Context, sort parser.ProcessSort) (parser.SystemInfo, error) {
	out, err := s.Execute(ctx, parser.SystemInfoCommand(sort))
	if err != nil {
		return parser.SystemInfo{}, err
	}
	return parser.ParseSystemInfo(out), nil
}

// DiskUsage returns root filesystem usage.
func (s *Service) DiskUsage(ctx context.Context) (parser.StorageInfo, error) {
	out, err := s.Execute(ctx, parser.DiskUsageCommand)
	if err != nil {
		return parser.StorageInfo{}, err
	}
	return parser.ParseDiskUsage(out), nil
}

// handleCommandError marks the store disconnected when the transport broke.
func (s *Service) handleCommandError(ctx context.Context, err error) {
	if errors.Is(err, client.ErrTransport) || errors.Is(err, client.ErrNotConnected) {
		slog.WarnContext(ctx, "Session lost", "error", err)
		s.store.SetConnected(false)
	}
}
