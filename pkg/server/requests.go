package server

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/aeolun/warroom/pkg/database"
	"github.com/aeolun/warroom/pkg/protocol"
	"github.com/aeolun/warroom/pkg/rank"
)

// handleLaunch starts the approval chain. A General's launch needs no
// approval and is announced at once; anyone else's becomes a Request
// awaiting the next rank up.
func (s *Server) handleLaunch(sess *Session, cmd protocol.Command) error {
	me, _ := sess.User()
	location, reason := cmd.Arg(0), cmd.Arg(1)
	now := s.now()

	required, ok := me.Role.NextAbove()
	if !ok {
		n := s.broadcast(protocol.Notice(now, "MISSILE LAUNCHED at %s by (%s)%s: %s", location, me.Role, me.Username, reason), nil)
		s.metrics.RecordRequest("launched")
		s.audit.Log(sess.RemoteAddr, database.ActionLaunch, fmt.Sprintf("%s launched at %s", me.Username, location))
		return s.reply(sess, protocol.Info("launch executed, %d users notified", n))
	}

	req := Request{
		ID:            uuid.NewString(),
		Requester:     me.Username,
		RequesterRole: me.Role,
		Location:      location,
		Reason:        reason,
		RequiredRole:  required,
		CreatedAt:     now,
	}
	s.registry.AddRequest(req)
	s.metrics.RecordRequest("requested")
	s.audit.Log(sess.RemoteAddr, database.ActionLaunch, fmt.Sprintf("%s requested launch %s at %s", me.Username, req.ID, location))

	n := s.multicast(required, protocol.Notice(now,
		"launch request %s from (%s)%s at %s: %s. Reply /accept-request %s or /reject-request %s",
		req.ID, me.Role, me.Username, location, reason, req.ID, req.ID))
	return s.reply(sess, protocol.Info("request %s sent to %d %s", req.ID, n, required))
}

// requireApprover rejects callers below Sergeant.
func requireApprover(sess *Session) (database.User, error) {
	me, _ := sess.User()
	if !me.Role.AtLeast(rank.Sergeant) {
		return me, ErrPermissionDenied
	}
	return me, nil
}

func (s *Server) handleListRequests(sess *Session) error {
	me, err := requireApprover(sess)
	if err != nil {
		return err
	}
	reqs := s.registry.PendingRequests(me.Role)
	if len(reqs) == 0 {
		return s.reply(sess, protocol.Info("no pending requests"))
	}
	lines := make([]string, 0, len(reqs)+1)
	lines = append(lines, protocol.Info("%d pending requests:", len(reqs)))
	for _, req := range reqs {
		lines = append(lines, "  "+protocol.RequestLine(req.ID, req.Requester, req.RequesterRole, req.Location, req.Reason, req.RequiredRole))
	}
	return s.reply(sess, lines...)
}

func (s *Server) handleAcceptRequest(sess *Session, cmd protocol.Command) error {
	me, err := requireApprover(sess)
	if err != nil {
		return err
	}
	req, err := s.registry.AcceptRequest(cmd.Arg(0), me.Role)
	if err != nil {
		return err
	}
	now := s.now()

	s.notify(req.Requester, protocol.Notice(now, "your launch request %s was accepted by (%s)%s", req.ID, me.Role, me.Username))
	s.broadcast(protocol.Notice(now, "MISSILE LAUNCHED at %s, requested by (%s)%s, approved by (%s)%s: %s",
		req.Location, req.RequesterRole, req.Requester, me.Role, me.Username, req.Reason), nil)

	s.metrics.RecordRequest("accepted")
	s.audit.Log(sess.RemoteAddr, database.ActionAcceptRequest, fmt.Sprintf("%s accepted %s from %s", me.Username, req.ID, req.Requester))
	return s.reply(sess, protocol.Info("request %s accepted", req.ID))
}

func (s *Server) handleRejectRequest(sess *Session, cmd protocol.Command) error {
	me, err := requireApprover(sess)
	if err != nil {
		return err
	}
	req, err := s.registry.RejectRequest(cmd.Arg(0), me.Role)
	if err != nil {
		return err
	}

	s.notify(req.Requester, protocol.Notice(s.now(), "your launch request %s was rejected by (%s)%s", req.ID, me.Role, me.Username))

	s.metrics.RecordRequest("rejected")
	s.audit.Log(sess.RemoteAddr, database.ActionRejectRequest, fmt.Sprintf("%s rejected %s from %s", me.Username, req.ID, req.Requester))
	return s.reply(sess, protocol.Info("request %s rejected", req.ID))
}
