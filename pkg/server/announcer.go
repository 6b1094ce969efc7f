package server

import (
	"time"

	"github.com/aeolun/warroom/pkg/protocol"
	"github.com/aeolun/warroom/pkg/rank"
)

// membersAnnounceLoop periodically tells every General how many members are
// connected.
func (s *Server) membersAnnounceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MembersInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.announceMembers()
		case <-s.shutdown:
			return
		}
	}
}

// requestsAnnounceLoop periodically tells everyone the request counters.
func (s *Server) requestsAnnounceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RequestsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.announceRequests()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) announceMembers() int {
	total, authenticated := s.registry.SessionCounts()
	line := protocol.Notice(s.now(), "active members: %d connected, %d signed in", total, authenticated)
	return s.deliver("announce", s.registry.WithRole(rank.General), line)
}

func (s *Server) announceRequests() int {
	pending, accepted, rejected := s.registry.RequestCounts()
	line := protocol.Notice(s.now(), "requests: %d pending, %d accepted, %d rejected", pending, accepted, rejected)
	return s.deliver("announce", s.registry.Authenticated(), line)
}
