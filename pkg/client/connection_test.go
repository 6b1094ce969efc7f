package client

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/warroom/pkg/database"
	"github.com/aeolun/warroom/pkg/server"
)

const waitTimeout = 5 * time.Second

func nextLine(t *testing.T, c *Conn) string {
	t.Helper()
	select {
	case line, ok := <-c.Lines():
		require.True(t, ok, "connection ended early, err=%v", c.Err())
		return line
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func waitFor(t *testing.T, c *Conn, substr string) string {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case line, ok := <-c.Lines():
			require.True(t, ok, "connection ended before %q, err=%v", substr, c.Err())
			if strings.Contains(line, substr) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", substr)
			return ""
		}
	}
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.Lines():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("lines channel was not closed")
		}
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "localhost:8080", want: "ws://localhost:8080/ws"},
		{in: "ws://example.com:8080", want: "ws://example.com:8080/ws"},
		{in: "wss://example.com/custom", want: "wss://example.com/custom"},
		{in: "http://example.com:80/", want: "ws://example.com:80/ws"},
		{in: "https://example.com", want: "wss://example.com/ws"},
		{in: "ftp://example.com", wantErr: true},
		{in: "ws://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := webSocketURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello\r\nworld\n"))
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		conn.Write([]byte("echo: " + line))
	}()

	c, err := Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "hello", nextLine(t, c))
	assert.Equal(t, "world", nextLine(t, c))
	require.NoError(t, c.Send("ping"))
	assert.Equal(t, "echo: ping", nextLine(t, c))

	waitClosed(t, c)
	assert.NoError(t, c.Err(), "server hanging up is a clean close")
	assert.ErrorIs(t, c.Send("late"), ErrClosed)
}

func TestDialTCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = Dial(ctx, addr)
	assert.Error(t, err)
}

func TestSendValidation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(waitTimeout)
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Send("two\nlines"), ErrInvalidLine)
	assert.ErrorIs(t, c.Send("cr\rhere"), ErrInvalidLine)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")
	assert.ErrorIs(t, c.Send("after close"), ErrClosed)
	waitClosed(t, c)
	assert.NoError(t, c.Err())
}

func TestDialWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("welcome"))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, []byte("echo: "+string(data)))
		}
	}))
	defer srv.Close()

	c, err := DialWebSocket(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, strings.HasSuffix(c.Addr(), "/ws"))
	assert.Equal(t, "welcome", nextLine(t, c))
	require.NoError(t, c.Send("first"))
	require.NoError(t, c.Send("second"))
	assert.Equal(t, "echo: first", nextLine(t, c))
	assert.Equal(t, "echo: second", nextLine(t, c))
}

func startServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.SSHPort = -1
	cfg.HTTPPort = 0
	cfg.MetricsPort = -1

	srv, err := server.NewServer(cfg, server.Dependencies{Accounts: database.NewMemStore(0)})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestClientsAgainstServer(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	tcp, err := Dial(ctx, srv.TCPAddr())
	require.NoError(t, err)
	defer tcp.Close()
	ws, err := DialWebSocket(ctx, srv.HTTPAddr())
	require.NoError(t, err)
	defer ws.Close()

	waitFor(t, tcp, "/sign-in")
	waitFor(t, ws, "/sign-in")

	require.NoError(t, tcp.Send("sign-up ann ann@example.com pw Private"))
	waitFor(t, tcp, "welcome ann")
	require.NoError(t, ws.Send("/sign-up ben ben@example.com pw General"))
	waitFor(t, ws, "welcome ben")

	require.NoError(t, ws.Send("whisper ann stand by"))
	waitFor(t, ws, "message sent to ann")
	line := waitFor(t, tcp, "[Whisper]")
	assert.Contains(t, line, "(General)ben: stand by")

	require.NoError(t, tcp.Send("quit"))
	waitFor(t, tcp, "goodbye")
	waitClosed(t, tcp)
	assert.NoError(t, tcp.Err())
}
