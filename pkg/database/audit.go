package database

import (
	"sync"
	"sync/atomic"
	"time"
)

// Audit action types.
const (
	ActionConnect       = "connect"
	ActionDisconnect    = "disconnect"
	ActionSignUp        = "sign-up"
	ActionSignIn        = "sign-in"
	ActionAuthFailed    = "auth-failed"
	ActionCreateRoom    = "create-room"
	ActionLaunch        = "launch"
	ActionAcceptRequest = "accept-request"
	ActionRejectRequest = "reject-request"
	ActionPromote       = "promote"
	ActionDemote        = "demote"
)

// AuditEvent is one row of the audit trail.
type AuditEvent struct {
	ID          int64
	PerformedAt int64 // unix millis
	IPAddress   string
	ActionType  string
	Message     string
}

// AuditWriter persists batches of audit events.
type AuditWriter interface {
	InsertAuditEvents(events []AuditEvent) error
}

// AuditLog is a fire-and-forget audit sink. Log never blocks: events are
// queued on a bounded channel and written in batches by a background
// goroutine. Events that arrive while the queue is full are dropped and
// counted.
type AuditLog struct {
	w             AuditWriter
	events        chan AuditEvent
	flushInterval time.Duration
	batchSize     int

	mu      sync.RWMutex // guards closed against sends on a closed channel
	closed  bool
	dropped atomic.Int64
	written atomic.Int64
	done    chan struct{}
}

// NewAuditLog starts the background writer. queueSize bounds the number of
// events waiting to be written.
func NewAuditLog(w AuditWriter, queueSize int, flushInterval time.Duration) *AuditLog {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	a := &AuditLog{
		w:             w,
		events:        make(chan AuditEvent, queueSize),
		flushInterval: flushInterval,
		batchSize:     100,
		done:          make(chan struct{}),
	}
	go a.run()
	return a
}

// Log queues an event.
func (a *AuditLog) Log(peer, action, message string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}

	ev := AuditEvent{
		PerformedAt: nowMillis(),
		IPAddress:   peer,
		ActionType:  action,
		Message:     message,
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the queue was full
// or the log was closed.
func (a *AuditLog) Dropped() int64 {
	return a.dropped.Load()
}

// Written returns the number of events persisted so far.
func (a *AuditLog) Written() int64 {
	return a.written.Load()
}

// Close stops accepting events, writes everything still queued and waits
// for the writer to finish.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

func (a *AuditLog) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]AuditEvent, 0, a.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.w.InsertAuditEvents(batch); err != nil {
			logger.Error().Err(err).Int("events", len(batch)).Msg("audit write failed")
			a.dropped.Add(int64(len(batch)))
		} else {
			a.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-a.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
