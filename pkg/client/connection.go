// Package client dials a warroom server over TCP or WebSocket and exchanges
// protocol lines with it.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var logger = zerolog.Nop()

// SetLogger replaces the package logger.
func SetLogger(l zerolog.Logger) {
	logger = l.With().Str("component", "client").Logger()
}

var (
	// ErrClosed is returned by Send after Close or after the server hung up.
	ErrClosed = errors.New("connection closed")
	// ErrInvalidLine is returned for lines containing a line break.
	ErrInvalidLine = errors.New("line must not contain line breaks")
)

const (
	incomingBuffer = 256
	writeTimeout   = 10 * time.Second
)

// lineTransport is one line-oriented connection to the server.
type lineTransport interface {
	readLine() (string, error)
	writeLine(line string) error
	close() error
}

// Conn is a connection to a warroom server. Lines sent by the server are
// delivered in order on Lines; the channel is closed when the connection
// ends.
type Conn struct {
	addr      string
	transport lineTransport

	sendMu   sync.Mutex
	mu       sync.RWMutex
	closed   bool
	err      error
	incoming chan string
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Dial connects to the plain TCP listener at addr (host:port).
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return newConn(addr, &streamTransport{conn: conn, reader: bufio.NewReader(conn)}), nil
}

// DialWebSocket connects to the WebSocket endpoint at rawURL. A bare
// host:port is accepted and expanded to ws://host:port/ws.
func DialWebSocket(ctx context.Context, rawURL string) (*Conn, error) {
	target, err := webSocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return newConn(target, &wsTransport{conn: conn}), nil
}

// webSocketURL normalizes a user supplied address into a ws:// or wss:// URL.
func webSocketURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid websocket address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid websocket address %q: missing host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func newConn(addr string, t lineTransport) *Conn {
	c := &Conn{
		addr:      addr,
		transport: t,
		incoming:  make(chan string, incomingBuffer),
		shutdown:  make(chan struct{}),
	}
	logger.Debug().Str("addr", addr).Msg("connected")
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Addr returns the address that was dialed.
func (c *Conn) Addr() string {
	return c.addr
}

// Lines returns the channel of lines received from the server.
func (c *Conn) Lines() <-chan string {
	return c.incoming
}

// Err reports why the connection ended. It is nil while the connection is
// open, after Close, and when the server closed the connection cleanly.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Send writes one line to the server.
func (c *Conn) Send(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return ErrInvalidLine
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if err := c.transport.writeLine(line); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Close closes the connection and waits for the reader to stop. Lines
// already buffered stay readable.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	err := c.transport.close()
	c.wg.Wait()
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.incoming)

	for {
		line, err := c.transport.readLine()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.closed = true
			if !wasClosed && !isCleanClose(err) {
				c.err = err
			}
			c.mu.Unlock()
			if !wasClosed {
				logger.Debug().Err(err).Str("addr", c.addr).Msg("connection closed by server")
			}
			return
		}

		select {
		case c.incoming <- line:
		case <-c.shutdown:
			return
		}
	}
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// streamTransport reads and writes "\n" terminated lines on a net.Conn.
type streamTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (t *streamTransport) readLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *streamTransport) writeLine(line string) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := io.WriteString(t.conn, line+"\n")
	return err
}

func (t *streamTransport) close() error {
	return t.conn.Close()
}

// wsTransport maps one text message to one line.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) readLine() (string, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return strings.TrimRight(string(data), "\r\n"), nil
		}
	}
}

func (t *wsTransport) writeLine(line string) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (t *wsTransport) close() error {
	deadline := time.Now().Add(time.Second)
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
