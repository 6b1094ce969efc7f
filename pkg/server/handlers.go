package server

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aeolun/warroom/pkg/database"
	"github.com/aeolun/warroom/pkg/protocol"
	"github.com/aeolun/warroom/pkg/rank"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)
	roomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_#-]{1,32}$`)

	// ErrClientDisconnecting is returned when the client asks to disconnect
	ErrClientDisconnecting = errors.New("client disconnecting")

	errSignInFirst       = errors.New("sign in first")
	errAlreadySignedIn   = errors.New("already signed in")
	errAlreadyRegistered = errors.New("email or username already registered")
	errAuthFailed        = errors.New("authentication failed")
	errInvalidUsername   = errors.New("username must be 3-20 letters, digits, '-' or '_'")
	errInvalidEmail      = errors.New("invalid email address")
	errInvalidRoomName   = errors.New("room name must be 1-32 letters, digits, '-', '_' or '#'")
	errUserNotFound      = errors.New("user not found")
	errPasswordTooLong   = fmt.Errorf("password must be at most %d bytes", database.MaxPasswordBytes)
	errInternal          = errors.New("internal error, try again later")
)

// handleLine processes one protocol line: it dispatches the command, turns
// a rejected command into exactly one error reply, then re-sends the menu.
func (s *Server) handleLine(sess *Session, line string) error {
	cmd, err := protocol.Parse(line)
	if err == nil {
		err = s.dispatch(sess, cmd)
		if errors.Is(err, ErrClientDisconnecting) {
			return err
		}
		s.metrics.RecordCommand(string(cmd.Verb), err)
	} else {
		s.metrics.RecordCommand("invalid", err)
	}

	if sess.isClosed() {
		return nil
	}
	if err != nil {
		logger.Debug().Uint64("session", sess.ID).Err(err).Msg("command rejected")
		if !s.send(sess, protocol.Error(err)) {
			return nil
		}
	}
	s.sendMenu(sess)
	return nil
}

func (s *Server) sendMenu(sess *Session) bool {
	role := sess.Role()
	if !role.Valid() {
		return s.send(sess, protocol.AuthMenu()...)
	}
	return s.send(sess, protocol.Menu(role)...)
}

// reply sends direct replies to the caller. Handlers return its result so a
// failed write never turns into a second error reply.
func (s *Server) reply(sess *Session, lines ...string) error {
	s.send(sess, lines...)
	return nil
}

// dispatch routes a parsed command to its handler. Sign-up and sign-in are
// only accepted before authentication, everything else except quit only
// after.
func (s *Server) dispatch(sess *Session, cmd protocol.Command) error {
	if cmd.Verb == protocol.VerbQuit {
		return s.handleQuit(sess)
	}
	authenticated := sess.Authenticated()
	if cmd.Verb.IsAuthVerb() && authenticated {
		return errAlreadySignedIn
	}
	if !cmd.Verb.IsAuthVerb() && !authenticated {
		return errSignInFirst
	}

	switch cmd.Verb {
	case protocol.VerbSignUp:
		return s.handleSignUp(sess, cmd)
	case protocol.VerbSignIn:
		return s.handleSignIn(sess, cmd)
	case protocol.VerbWhisper:
		return s.handleWhisper(sess, cmd)
	case protocol.VerbSay:
		return s.handleSay(sess, cmd)
	case protocol.VerbAll:
		return s.handleAll(sess, cmd)
	case protocol.VerbRoom:
		return s.handleRoom(sess, cmd)
	case protocol.VerbCreateRoom:
		return s.handleCreateRoom(sess, cmd)
	case protocol.VerbJoinRoom:
		return s.handleJoinRoom(sess, cmd)
	case protocol.VerbLeaveRoom:
		return s.handleLeaveRoom(sess, cmd)
	case protocol.VerbListRooms:
		return s.handleListRooms(sess)
	case protocol.VerbLaunch:
		return s.handleLaunch(sess, cmd)
	case protocol.VerbListRequests:
		return s.handleListRequests(sess)
	case protocol.VerbAccept:
		return s.handleAcceptRequest(sess, cmd)
	case protocol.VerbReject:
		return s.handleRejectRequest(sess, cmd)
	case protocol.VerbPromote, protocol.VerbDemote:
		return s.handleSetRole(sess, cmd)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownVerb, cmd.Verb)
	}
}

func (s *Server) handleQuit(sess *Session) error {
	s.send(sess, protocol.Info("goodbye"))
	return ErrClientDisconnecting
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func (s *Server) handleSignUp(sess *Session, cmd protocol.Command) error {
	username, email, password := cmd.Arg(0), cmd.Arg(1), cmd.Arg(2)
	if !usernameRegex.MatchString(username) {
		return errInvalidUsername
	}
	if !strings.Contains(email, "@") {
		return errInvalidEmail
	}
	if len(password) > database.MaxPasswordBytes {
		return errPasswordTooLong
	}
	role, err := rank.Parse(cmd.Arg(3))
	if err != nil {
		return err
	}

	user, err := s.accounts.SignUp(username, email, password, role)
	if err != nil {
		logger.Error().Err(err).Str("username", username).Msg("sign-up failed")
		return errInternal
	}
	if user == nil {
		s.metrics.RecordAuth("sign-up", false)
		s.audit.Log(sess.RemoteAddr, database.ActionAuthFailed, "sign-up refused for "+username)
		return errAlreadyRegistered
	}
	return s.completeAuth(sess, user, "sign-up")
}

func (s *Server) handleSignIn(sess *Session, cmd protocol.Command) error {
	email, password := cmd.Arg(0), cmd.Arg(1)

	user, err := s.accounts.SignIn(email, password)
	if err != nil {
		logger.Error().Err(err).Msg("sign-in failed")
		return errInternal
	}
	if user == nil {
		s.metrics.RecordAuth("sign-in", false)
		s.audit.Log(sess.RemoteAddr, database.ActionAuthFailed, "sign-in failed for "+email)
		return errAuthFailed
	}
	return s.completeAuth(sess, user, "sign-in")
}

// completeAuth moves sess to the authenticated state and flushes the
// user's offline mailbox behind the welcome line.
func (s *Server) completeAuth(sess *Session, user *database.User, method string) error {
	greeting := protocol.Info("welcome %s, you are signed in as %s", user.Username, user.Role)
	queued, err := s.registry.Authenticate(sess, user, greeting)
	switch {
	case errors.Is(err, ErrAlreadyConnected):
		s.metrics.RecordAuth(method, false)
		s.audit.Log(sess.RemoteAddr, database.ActionAuthFailed, user.Username+" is already connected")
		return err
	case err != nil:
		logger.Debug().Uint64("session", sess.ID).Err(err).Msg("write failed during authentication")
		s.metrics.RecordSendFailure()
		s.closeSession(sess)
		return nil
	}

	s.metrics.RecordAuth(method, true)
	action := database.ActionSignIn
	if method == "sign-up" {
		action = database.ActionSignUp
	}
	s.audit.Log(sess.RemoteAddr, action, fmt.Sprintf("%s authenticated as %s", user.Username, user.Role))
	logger.Info().
		Uint64("session", sess.ID).
		Str("remote", sess.RemoteAddr).
		Str("user", user.Username).
		Str("role", user.Role.String()).
		Int("queued", queued).
		Msg("authenticated")
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Server) handleWhisper(sess *Session, cmd protocol.Command) error {
	me, _ := sess.User()
	to := cmd.Arg(0)
	line := protocol.Whisper(s.now(), me.Username, me.Role, cmd.Arg(1))
	online, err := s.unicast(to, line)
	if err != nil {
		return fmt.Errorf("%s is offline and their %w", to, err)
	}
	if online {
		return s.reply(sess, protocol.Info("message sent to %s", to))
	}
	return s.reply(sess, protocol.Info("%s is offline, message queued", to))
}

func (s *Server) handleSay(sess *Session, cmd protocol.Command) error {
	role, err := rank.Parse(cmd.Arg(0))
	if err != nil {
		return err
	}
	me, _ := sess.User()
	n := s.multicast(role, protocol.RankMessage(s.now(), me.Username, me.Role, cmd.Arg(1)))
	return s.reply(sess, protocol.Info("message sent to %d %s", n, role))
}

func (s *Server) handleAll(sess *Session, cmd protocol.Command) error {
	me, _ := sess.User()
	n := s.broadcast(protocol.AllMessage(s.now(), me.Username, me.Role, cmd.Arg(0)), sess)
	return s.reply(sess, protocol.Info("message sent to %d users", n))
}

func (s *Server) handleRoom(sess *Session, cmd protocol.Command) error {
	me, _ := sess.User()
	room := cmd.Arg(0)
	n, err := s.roomcast(room, protocol.RoomMessage(s.now(), room, me.Username, me.Role, cmd.Arg(1)), sess)
	if err != nil {
		return err
	}
	return s.reply(sess, protocol.Info("message sent to %d members of %s", n, room))
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (s *Server) handleCreateRoom(sess *Session, cmd protocol.Command) error {
	name := cmd.Arg(0)
	if !roomNameRegex.MatchString(name) {
		return errInvalidRoomName
	}
	if err := s.registry.CreateRoom(name, sess); err != nil {
		return err
	}
	s.audit.Log(sess.RemoteAddr, database.ActionCreateRoom, sess.Username()+" created "+name)
	return s.reply(sess, protocol.Info("room %s created, you are its first member", name))
}

func (s *Server) handleJoinRoom(sess *Session, cmd protocol.Command) error {
	name := cmd.Arg(0)
	if err := s.registry.JoinRoom(name, sess); err != nil {
		return err
	}
	me, _ := sess.User()
	s.roomcast(name, protocol.Notice(s.now(), "(%s)%s joined %s", me.Role, me.Username, name), sess)
	return s.reply(sess, protocol.Info("joined room %s", name))
}

func (s *Server) handleLeaveRoom(sess *Session, cmd protocol.Command) error {
	name := cmd.Arg(0)
	deleted, err := s.registry.LeaveRoom(name, sess)
	if err != nil {
		return err
	}
	if deleted {
		return s.reply(sess, protocol.Info("left room %s, it was empty and has been closed", name))
	}
	return s.reply(sess, protocol.Info("left room %s", name))
}

func (s *Server) handleListRooms(sess *Session) error {
	rooms := s.registry.ListRooms()
	if len(rooms) == 0 {
		return s.reply(sess, protocol.Info("no rooms"))
	}
	lines := make([]string, 0, len(rooms)+1)
	lines = append(lines, protocol.Info("%d rooms:", len(rooms)))
	for _, room := range rooms {
		lines = append(lines, fmt.Sprintf("  %s (%d members)", room.Name, room.Members))
	}
	return s.reply(sess, lines...)
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

// handleSetRole serves promote and demote. Any valid role is accepted in
// either direction; the verbs differ only in the audit action.
func (s *Server) handleSetRole(sess *Session, cmd protocol.Command) error {
	me, _ := sess.User()
	if me.Role != rank.General {
		return ErrPermissionDenied
	}
	target := cmd.Arg(0)
	role, err := rank.Parse(cmd.Arg(1))
	if err != nil {
		return err
	}

	// Store and live session are updated together so concurrent changes to
	// the same user resolve to one consistent winner.
	s.rolesMu.Lock()
	user, err := s.accounts.SetRole(target, role)
	if err == nil && user != nil {
		s.registry.SetOnlineRole(target, role)
	}
	s.rolesMu.Unlock()

	if err != nil {
		logger.Error().Err(err).Str("target", target).Msg("set role failed")
		return errInternal
	}
	if user == nil {
		return errUserNotFound
	}

	action := database.ActionPromote
	if cmd.Verb == protocol.VerbDemote {
		action = database.ActionDemote
	}
	s.audit.Log(sess.RemoteAddr, action, fmt.Sprintf("%s set %s to %s", me.Username, target, role))
	s.notify(target, protocol.Notice(s.now(), "your role is now %s (set by %s)", role, me.Username))
	return s.reply(sess, protocol.Info("%s is now %s", target, role))
}
