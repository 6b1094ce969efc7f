package server

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrLineTooLong is returned when a peer sends a line longer than the
// configured limit.
var ErrLineTooLong = errors.New("line too long")

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamConn carries newline-delimited text over a byte stream (TCP socket
// or SSH channel). Lines end at "\n", "\r\n" or a bare "\r", the last being
// what interactive SSH clients send for Enter.
type streamConn struct {
	rwc          io.ReadWriteCloser
	reader       *bufio.Reader
	remote       string
	maxLine      int
	writeTimeout time.Duration
	skipLF       bool // previous line ended at a bare "\r"
}

func newStreamConn(rwc io.ReadWriteCloser, remote string, maxLine int, writeTimeout time.Duration) *streamConn {
	return &streamConn{
		rwc:          rwc,
		reader:       bufio.NewReaderSize(rwc, min(4096, maxLine)),
		remote:       remote,
		maxLine:      maxLine,
		writeTimeout: writeTimeout,
	}
}

// ReadLine returns the next line. A line longer than maxLine is discarded
// up to its terminator and reported as ErrLineTooLong; the stream stays
// usable.
func (c *streamConn) ReadLine() (string, error) {
	var line []byte
	tooLong := false
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if err == io.EOF && tooLong {
				return "", ErrLineTooLong
			}
			if err == io.EOF && len(line) > 0 {
				return string(line), nil
			}
			return "", err
		}
		if c.skipLF {
			c.skipLF = false
			if b == '\n' {
				continue
			}
		}
		if b == '\n' || b == '\r' {
			// "\r\n" may be split across reads, so the "\n" is skipped lazily
			c.skipLF = b == '\r'
			if tooLong {
				return "", ErrLineTooLong
			}
			return string(line), nil
		}
		if tooLong {
			continue
		}
		if len(line) >= c.maxLine {
			tooLong = true
			line = nil
			continue
		}
		line = append(line, b)
	}
}

func (c *streamConn) WriteLine(line string) error {
	if d, ok := c.rwc.(writeDeadliner); ok && c.writeTimeout > 0 {
		d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := io.WriteString(c.rwc, line+"\n")
	return err
}

func (c *streamConn) Close() error {
	return c.rwc.Close()
}

func (c *streamConn) RemoteAddr() string {
	return c.remote
}

// wsConn carries the line protocol over WebSocket text messages. Each
// outgoing line is one message; an incoming message may hold several lines.
type wsConn struct {
	conn         *websocket.Conn
	remote       string
	maxLine      int
	writeTimeout time.Duration
	pending      []string
	closeOnce    sync.Once
}

// wsMessageLimit bounds a single incoming message. Oversized lines below it
// are rejected and the connection kept; a message above it ends the session.
const wsMessageLimit = 1 << 20

func newWSConn(conn *websocket.Conn, remote string, maxLine int, writeTimeout time.Duration) *wsConn {
	conn.SetReadLimit(max(wsMessageLimit, int64(maxLine)))
	return &wsConn{
		conn:         conn,
		remote:       remote,
		maxLine:      maxLine,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		_, r, err := c.conn.NextReader()
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(io.LimitReader(r, int64(c.maxLine)+1))
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return "", ErrLineTooLong
			}
			return "", err
		}
		if len(data) > c.maxLine {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return "", err
			}
			return "", ErrLineTooLong
		}
		c.pending = splitMessage(string(data))
	}
	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

// splitMessage splits a message on the same terminators streamConn accepts.
func splitMessage(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

func (c *wsConn) WriteLine(line string) error {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}
