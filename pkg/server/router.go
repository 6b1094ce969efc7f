package server

import (
	"sync"

	"github.com/aeolun/warroom/pkg/rank"
)

// send writes one line to sess. A failed write closes that session and
// nothing else; callers never see the error.
func (s *Server) send(sess *Session, lines ...string) bool {
	if err := sess.Conn.WriteLines(lines...); err != nil {
		logger.Debug().Uint64("session", sess.ID).Err(err).Msg("write failed")
		s.metrics.RecordSendFailure()
		s.closeSession(sess)
		return false
	}
	return true
}

// unicast delivers line to username's live session, or queues it in their
// offline mailbox. It reports whether username was online, and
// ErrMailboxFull when the line could be neither delivered nor queued.
func (s *Server) unicast(username, line string) (bool, error) {
	sess, err := s.registry.DeliverOrQueue(username, line)
	if err != nil {
		s.metrics.RecordDelivery("dropped", 1)
		return false, err
	}
	if sess == nil {
		s.metrics.RecordDelivery("queued", 1)
		return false, nil
	}
	if s.send(sess, line) {
		s.metrics.RecordDelivery("unicast", 1)
	}
	return true, nil
}

// notify unicasts a server notice. A full mailbox only loses the notice.
func (s *Server) notify(username, line string) {
	if _, err := s.unicast(username, line); err != nil {
		logger.Warn().Str("user", username).Err(err).Msg("notice not queued")
	}
}

// multicast delivers line to every authenticated session holding exactly
// role and returns the number reached.
func (s *Server) multicast(role rank.Role, line string) int {
	recipients := s.registry.WithRole(role)
	return s.deliver("multicast", recipients, line)
}

// broadcast delivers line to every authenticated session except exclude,
// which may be nil.
func (s *Server) broadcast(line string, exclude *Session) int {
	all := s.registry.Authenticated()
	recipients := all[:0]
	for _, sess := range all {
		if sess != exclude {
			recipients = append(recipients, sess)
		}
	}
	return s.deliver("broadcast", recipients, line)
}

// roomcast delivers line to the other members of room. The sender must be
// a member.
func (s *Server) roomcast(room, line string, sender *Session) (int, error) {
	recipients, err := s.registry.RoomRecipients(room, sender)
	if err != nil {
		return 0, err
	}
	return s.deliver("roomcast", recipients, line), nil
}

func (s *Server) deliver(kind string, recipients []*Session, line string) int {
	dead := s.fanOut(recipients, line)
	for _, sess := range dead {
		s.metrics.RecordSendFailure()
		s.closeSession(sess)
	}
	reached := len(recipients) - len(dead)
	s.metrics.RecordDelivery(kind, reached)
	return reached
}

// fanOut writes line to sessions in parallel chunks and returns the
// sessions whose write failed.
func (s *Server) fanOut(sessions []*Session, line string) []*Session {
	const maxWorkers = 40
	const sessionsPerWorker = 50

	if len(sessions) == 0 {
		return nil
	}

	numWorkers := (len(sessions) + sessionsPerWorker - 1) / sessionsPerWorker
	if numWorkers > maxWorkers {
		numWorkers = maxWorkers
	}
	chunkSize := (len(sessions) + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	var deadMu sync.Mutex
	var dead []*Session

	for start := 0; start < len(sessions); start += chunkSize {
		end := min(start+chunkSize, len(sessions))
		wg.Add(1)
		go func(chunk []*Session) {
			defer wg.Done()
			for _, sess := range chunk {
				if err := sess.Conn.WriteLine(line); err != nil {
					logger.Debug().Uint64("session", sess.ID).Err(err).Msg("fan-out write failed")
					deadMu.Lock()
					dead = append(dead, sess)
					deadMu.Unlock()
				}
			}
		}(sessions[start:end])
	}

	wg.Wait()
	return dead
}
