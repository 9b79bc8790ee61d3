// Package client provides an SSH shell session to a remote Linux host.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultTimeout bounds dialing and each command when Options.Timeout is zero.
	DefaultTimeout = 5 * time.Second

	readyCommand = "echo shell ready"
	readyReply   = "shell ready"
)

var (
	// ErrNotConnected is returned when a command is sent without an open session.
	ErrNotConnected = errors.New("SSH session not connected")
	// ErrTransport marks failures of the connection itself: dial, closed channel, timeout.
	ErrTransport = errors.New("SSH transport failure")
	// ErrUnexpectedReply marks a command that ran but answered with the wrong output.
	ErrUnexpectedReply = errors.New("unexpected command reply")
)

// Options configures a Client.
type Options struct {
	Addr       string        // Address of the host (host:port)
	User       string        // SSH username
	Password   string        // Optional password
	KeyPath    string        // Optional private key file
	Passphrase string        // Passphrase for KeyPath, if encrypted
	Timeout    time.Duration // Dial and per-command timeout
}

// Client keeps one interactive shell open and runs commands through it.
type Client struct {
	opts Options

	mu      sync.Mutex // serializes use of the shell
	conn    *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	chunks  chan []byte
	done    chan struct{}
	pending bytes.Buffer
}

// NewClient returns a new Client. Nothing is dialed until Connect.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{opts: opts}
}

func (c *Client) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.opts.KeyPath != "" {
		pem, err := os.ReadFile(c.opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		var signer ssh.Signer
		if c.opts.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.opts.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.opts.Password != "" {
		methods = append(methods, ssh.Password(c.opts.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH credentials: set a private key or a password")
	}
	return methods, nil
}

// Connect dials the host, starts a shell and waits until it answers.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	auth, err := c.authMethods()
	if err != nil {
		return err
	}
	cfg := &ssh.ClientConfig{
		User:            c.opts.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.opts.Timeout,
	}

	slog.InfoContext(ctx, "Connecting", "addr", c.opts.Addr, "user", c.opts.User)

	dialer := net.Dialer{Timeout: c.opts.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("%w: SSH dial failed: %w", ErrTransport, err)
	}
	netConn.SetDeadline(time.Now().Add(c.opts.Timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.opts.Addr, cfg)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("%w: SSH handshake failed: %w", ErrTransport, err)
	}
	netConn.SetDeadline(time.Time{})
	conn := ssh.NewClient(sshConn, chans, reqs)

	sess, err := conn.NewSession()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: SSH session failed: %w", ErrTransport, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		conn.Close()
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		conn.Close()
		return err
	}
	if err := sess.Shell(); err != nil {
		conn.Close()
		return fmt.Errorf("%w: starting shell: %w", ErrTransport, err)
	}

	c.conn = conn
	c.session = sess
	c.stdin = stdin
	c.chunks = make(chan []byte, 64)
	c.done = make(chan struct{})
	c.pending.Reset()
	go readChunks(stdout, c.chunks, c.done)

	if _, err := fmt.Fprintln(c.stdin, readyCommand); err != nil {
		c.closeLocked()
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if _, err := c.waitFor(ctx, readyReply); err != nil {
		c.closeLocked()
		return err
	}

	slog.InfoContext(ctx, "SSH shell ready", "addr", c.opts.Addr)
	return nil
}

// RunCommand sends a command to the shell and returns its stdout.
func (c *Client) RunCommand(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", ErrNotConnected
	}

	marker := "__sshmon_done_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	slog.DebugContext(ctx, "Sending command", "command", cmd)
	if _, err := fmt.Fprintf(c.stdin, "%s\necho %s\n", cmd, marker); err != nil {
		c.closeLocked()
		return "", fmt.Errorf("%w: writing command: %w", ErrTransport, err)
	}

	out, err := c.waitFor(ctx, marker)
	if err != nil {
		// the shell stream is out of step once a command is abandoned
		c.closeLocked()
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// Heartbeat echoes a unique token and checks that it comes back.
func (c *Client) Heartbeat(ctx context.Context) error {
	token := "heartbeat-" + uuid.NewString()
	out, err := c.RunCommand(ctx, "echo "+token)
	if err != nil {
		return err
	}
	if !strings.Contains(out, token) {
		return fmt.Errorf("%w: heartbeat got %q", ErrUnexpectedReply, out)
	}
	return nil
}

// Connected reports whether a shell session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close terminates the SSH session and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	if c.session != nil {
		c.session.Close()
	}
	close(c.done)
	err := c.conn.Close()
	c.conn = nil
	c.done = nil
	c.session = nil
	c.stdin = nil
	c.chunks = nil
	c.pending.Reset()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing SSH connection: %w", err)
	}
	return nil
}

// waitFor reads shell output until marker is followed by a newline and returns
// everything before the marker.
func (c *Client) waitFor(ctx context.Context, marker string) (string, error) {
	timeout := time.NewTimer(c.opts.Timeout)
	defer timeout.Stop()

	for {
		if out, ok := c.takeUntil(marker); ok {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		case <-timeout.C:
			return "", fmt.Errorf("%w: timeout waiting for %q", ErrTransport, marker)
		case chunk, ok := <-c.chunks:
			if !ok {
				return "", fmt.Errorf("%w: channel closed", ErrTransport)
			}
			slog.DebugContext(ctx, "Received raw", "raw", string(chunk))
			c.pending.Write(chunk)
		}
	}
}

// takeUntil consumes pending output through the end of the marker line.
// Output that does not end in a newline shares its last line with the marker.
func (c *Client) takeUntil(marker string) (string, bool) {
	buf := c.pending.Bytes()
	idx := bytes.Index(buf, []byte(marker))
	if idx < 0 {
		return "", false
	}
	nl := bytes.IndexByte(buf[idx:], '\n')
	if nl < 0 {
		return "", false
	}
	out := string(buf[:idx])
	c.pending.Next(idx + nl + 1)
	return out, true
}

func readChunks(r io.Reader, out chan<- []byte, done <-chan struct{}) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
