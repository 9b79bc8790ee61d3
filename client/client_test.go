package client

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is a minimal SSH server whose shell understands "echo" plus a
// table of canned command replies.
type testServer struct {
	addr      string
	responses map[string]string
	hang      map[string]bool
	// when set, heartbeat echoes are answered with this instead
	heartbeatReply string
	authorized     ssh.PublicKey

	mu      sync.Mutex
	conns   []net.Conn
	release chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	srv := &testServer{
		responses: map[string]string{},
		hang:      map[string]bool{},
		release:   make(chan struct{}),
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == "opc" && string(password) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			srv.mu.Lock()
			authorized := srv.authorized
			srv.mu.Unlock()
			if authorized != nil && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.addr = l.Addr().String()

	go func() {
		for {
			nConn, err := l.Accept()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.conns = append(srv.conns, nConn)
			srv.mu.Unlock()
			go srv.serve(nConn, cfg)
		}
	}()

	t.Cleanup(func() {
		close(srv.release)
		l.Close()
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for _, c := range srv.conns {
			c.Close()
		}
	})
	return srv
}

func (s *testServer) serve(nConn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				req.Reply(req.Type == "shell", nil)
			}
		}()
		go s.shell(ch)
	}
}

func (s *testServer) shell(ch ssh.Channel) {
	defer ch.Close()
	scanner := bufio.NewScanner(ch)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		hang := s.hang[line]
		heartbeatReply := s.heartbeatReply
		reply, known := s.responses[line]
		s.mu.Unlock()

		switch {
		case hang:
			<-s.release
			return
		case strings.HasPrefix(line, "echo heartbeat-") && heartbeatReply != "":
			fmt.Fprintln(ch, heartbeatReply)
		case strings.HasPrefix(line, "echo "):
			fmt.Fprintln(ch, strings.TrimPrefix(line, "echo "))
		case line == "exit":
			return
		case known:
			fmt.Fprint(ch, reply)
		}
	}
}

func (s *testServer) respond(command, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[command] = reply
}

func (s *testServer) hangOn(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[command] = true
}

func (s *testServer) setHeartbeatReply(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatReply = reply
}

func (s *testServer) authorize(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = key
}

func (s *testServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func connectedClient(t *testing.T, srv *testServer) *Client {
	t.Helper()
	c := NewClient(Options{Addr: srv.addr, User: "opc", Password: "secret", Timeout: 2 * time.Second})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnect_Password(t *testing.T) {
	srv := newTestServer(t)
	c := connectedClient(t, srv)

	assert.True(t, c.Connected())
	// connecting twice keeps the existing session
	require.NoError(t, c.Connect(context.Background()))
}

func TestConnect_PrivateKey(t *testing.T) {
	srv := newTestServer(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	srv.authorize(sshPub)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	c := NewClient(Options{Addr: srv.addr, User: "opc", KeyPath: keyPath, Timeout: 2 * time.Second})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	out, err := c.RunCommand(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestConnect_Failures(t *testing.T) {
	srv := newTestServer(t)

	t.Run("no credentials", func(t *testing.T) {
		c := NewClient(Options{Addr: srv.addr, User: "opc"})
		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrTransport))
	})

	t.Run("wrong password", func(t *testing.T) {
		c := NewClient(Options{Addr: srv.addr, User: "opc", Password: "nope", Timeout: time.Second})
		err := c.Connect(context.Background())
		assert.ErrorIs(t, err, ErrTransport)
		assert.False(t, c.Connected())
	})

	t.Run("missing key file", func(t *testing.T) {
		c := NewClient(Options{Addr: srv.addr, User: "opc", KeyPath: filepath.Join(t.TempDir(), "absent")})
		assert.Error(t, c.Connect(context.Background()))
	})
}

func TestRunCommand(t *testing.T) {
	srv := newTestServer(t)
	srv.respond("uptime", " 10:00:00 up 3 days,  1 user\n\n")
	srv.respond("df", "12,45,27")
	c := connectedClient(t, srv)

	out, err := c.RunCommand(context.Background(), "uptime")
	require.NoError(t, err)
	assert.Equal(t, " 10:00:00 up 3 days,  1 user", out)

	// output without a trailing newline still ends before the marker
	out, err = c.RunCommand(context.Background(), "df")
	require.NoError(t, err)
	assert.Equal(t, "12,45,27", strings.TrimSpace(out))

	out, err = c.RunCommand(context.Background(), "true")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunCommand_NotConnected(t *testing.T) {
	c := NewClient(Options{Addr: "127.0.0.1:1", User: "opc", Password: "x"})

	_, err := c.RunCommand(context.Background(), "uptime")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Heartbeat(context.Background()), ErrNotConnected)
}

func TestRunCommand_ContextTimeoutClosesSession(t *testing.T) {
	srv := newTestServer(t)
	srv.hangOn("sleep 600")
	c := connectedClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.RunCommand(ctx, "sleep 600")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.Connected())
}

func TestHeartbeat(t *testing.T) {
	srv := newTestServer(t)
	c := connectedClient(t, srv)

	require.NoError(t, c.Heartbeat(context.Background()))

	srv.setHeartbeatReply("something else")
	err := c.Heartbeat(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedReply)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestHeartbeat_DroppedConnection(t *testing.T) {
	srv := newTestServer(t)
	c := connectedClient(t, srv)

	srv.dropConnections()

	err := c.Heartbeat(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, c.Connected())

	// the broken session was dropped, so later beats see no session at all
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, c.Heartbeat(context.Background()), ErrNotConnected)
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := newTestServer(t)
	c := connectedClient(t, srv)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
}
