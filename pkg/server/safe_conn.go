package server

import (
	"sync"
)

// lineConn is a transport that carries one protocol line per read or write.
// TCP and SSH use streamConn; WebSocket uses wsConn.
type lineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
	RemoteAddr() string
}

// SafeConn wraps a lineConn with write synchronization.
//
// Command handlers, other sessions' unicasts, broadcasts and the periodic
// announcers all write to the same session concurrently. SafeConn makes a
// write without the lock impossible, so lines never interleave.
type SafeConn struct {
	conn      lineConn
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a lineConn with write synchronization
func NewSafeConn(conn lineConn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteLine sends one line.
func (sc *SafeConn) WriteLine(line string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteLine(line)
}

// WriteLines sends several lines without letting other writers in between.
func (sc *SafeConn) WriteLines(lines ...string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.writeLocked(lines)
}

// lockWrites holds the write lock until unlockWrites. The registry uses it
// to keep a session's mailbox backlog ahead of any later delivery.
func (sc *SafeConn) lockWrites() {
	sc.mu.Lock()
}

func (sc *SafeConn) unlockWrites() {
	sc.mu.Unlock()
}

// writeLocked writes lines; the caller holds the write lock.
func (sc *SafeConn) writeLocked(lines []string) error {
	_, err := sc.writeLockedCount(lines)
	return err
}

// writeLockedCount is writeLocked that also reports how many lines were
// written before a failure.
func (sc *SafeConn) writeLockedCount(lines []string) (int, error) {
	for i, line := range lines {
		if err := sc.conn.WriteLine(line); err != nil {
			return i, err
		}
	}
	return len(lines), nil
}

// ReadLine reads the next line. Reads don't need write synchronization.
func (sc *SafeConn) ReadLine() (string, error) {
	return sc.conn.ReadLine()
}

// Close closes the underlying connection once; later calls return the
// first result.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the peer address
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr()
}
