package server

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/warroom/pkg/database"
	"github.com/aeolun/warroom/pkg/rank"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeConn is an in-memory lineConn. Lines pushed with push are read by the
// server; lines the server writes are recorded.
type fakeConn struct {
	remote string
	in     chan string

	mu  sync.Mutex
	out []string

	failWrites atomic.Bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{
		remote: remote,
		in:     make(chan string, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadLine() (string, error) {
	select {
	case line := <-c.in:
		return line, nil
	case <-c.closed:
		return "", io.EOF
	}
}

func (c *fakeConn) WriteLine(line string) error {
	if c.failWrites.Load() {
		return errBrokenPipe
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.out = append(c.out, line)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string {
	return c.remote
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(line string) {
	c.in <- line
}

func (c *fakeConn) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.out...)
}

// matching returns the recorded lines containing substr.
func (c *fakeConn) matching(substr string) []string {
	var out []string
	for _, line := range c.lines() {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}

func (c *fakeConn) count(substr string) int {
	return len(c.matching(substr))
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
}

// waitFor blocks until at least n recorded lines contain substr.
func (c *fakeConn) waitFor(t *testing.T, substr string, n int) {
	t.Helper()
	require.Eventuallyf(t, func() bool { return c.count(substr) >= n },
		2*time.Second, 5*time.Millisecond, "%s never received %d lines containing %q; got %q", c.remote, n, substr, c.lines())
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.SSHPort = -1
	cfg.HTTPPort = -1
	cfg.MetricsPort = -1
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

type testEnv struct {
	srv      *Server
	accounts *database.MemStore
	audit    *database.AuditLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	accounts := database.NewMemStore(0)
	audit := database.NewAuditLog(accounts, 256, 10*time.Millisecond)
	srv, err := NewServer(testConfig(), Dependencies{
		Accounts: accounts,
		Audit:    audit,
		Metrics:  NewMetrics(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })
	return &testEnv{srv: srv, accounts: accounts, audit: audit}
}

// connect starts a protocol loop for a fresh fake connection.
func (e *testEnv) connect(t *testing.T, name string) *fakeConn {
	t.Helper()
	fc := newFakeConn(name + ":1000")
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.srv.serveSession(fc, "test")
	}()
	t.Cleanup(func() {
		fc.Close()
		<-done
	})
	fc.waitFor(t, "== Authentication ==", 1)
	return fc
}

// signUp connects and registers username with role.
func (e *testEnv) signUp(t *testing.T, username string, role rank.Role) *fakeConn {
	t.Helper()
	fc := e.connect(t, username)
	fc.push(fmt.Sprintf("sign-up %s %s@example.com secret %s", username, username, role))
	fc.waitFor(t, "welcome "+username, 1)
	return fc
}

// addSession registers conn with reg as an unauthenticated session.
func addSession(t *testing.T, reg *Registry, conn *fakeConn) *Session {
	t.Helper()
	sess, err := reg.AddSession(NewSafeConn(conn), "test")
	require.NoError(t, err)
	return sess
}

// authedSession registers a session straight into reg, bypassing the
// protocol loop.
func authedSession(t *testing.T, reg *Registry, username string, role rank.Role) (*Session, *fakeConn) {
	t.Helper()
	fc := newFakeConn(username + ":2000")
	sess := addSession(t, reg, fc)
	_, err := reg.Authenticate(sess, &database.User{ID: username, Username: username, Role: role})
	require.NoError(t, err)
	return sess, fc
}
