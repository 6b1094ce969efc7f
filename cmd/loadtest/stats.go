package main

import "sync/atomic"

// Stats tracks load test counters shared by every bot.
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	linesReceived     atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Failure breakdown
	signUpFailed   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	errorReplies   atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesSent.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordErrorReply() {
	s.messagesFailed.Add(1)
	s.errorReplies.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) snapshot() (sent, failed, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}
