package server

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/warroom/pkg/database"
	"github.com/aeolun/warroom/pkg/rank"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomExists       = errors.New("room already exists")
	ErrAlreadyMember    = errors.New("already a member of this room")
	ErrNotMember        = errors.New("not a member of this room")
	ErrRequestNotFound  = errors.New("request not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyConnected = errors.New("user is already connected")
	ErrSessionClosed    = errors.New("session closed")
	ErrRegistryClosed   = errors.New("server is shutting down")
	ErrMailboxFull      = errors.New("mailbox is full")
)

// Offline mailbox limits. A line that would exceed either is refused.
const (
	DefaultMailboxLines = 100   // queued lines per username
	DefaultMailboxUsers = 10000 // usernames with a non-empty mailbox
)

// Room is a named set of member sessions.
type Room struct {
	Name      string
	CreatedAt time.Time
	members   map[uint64]*Session
}

// RoomInfo is a listing entry.
type RoomInfo struct {
	Name    string
	Members int
}

// Request is a pending launch request awaiting RequiredRole.
type Request struct {
	ID            string
	Requester     string
	RequesterRole rank.Role
	Location      string
	Reason        string
	RequiredRole  rank.Role
	CreatedAt     time.Time
}

// Registry owns the shared server state: sessions, rooms, pending requests
// and offline mailboxes, plus the request outcome counters.
//
// Each arena has its own mutex. When more than one is held they are taken
// in the order sessions, rooms, mailboxes. The requests arena is never held
// together with another arena lock. Network writes happen outside arena
// locks, with one exception: Authenticate takes the session's write lock
// before releasing the sessions lock so the mailbox backlog is written
// ahead of any later delivery.
type Registry struct {
	nextID atomic.Uint64

	sessionsMu sync.RWMutex
	sessions   map[uint64]*Session
	byUsername map[string]*Session
	closed     bool // set by Close; AddSession refuses afterwards

	roomsMu sync.Mutex
	rooms   map[string]*Room

	mailboxMu    sync.Mutex
	mailboxes    map[string][]string
	mailboxLines int
	mailboxUsers int

	requestsMu sync.Mutex
	requests   map[string]*Request

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[uint64]*Session),
		byUsername:   make(map[string]*Session),
		rooms:        make(map[string]*Room),
		mailboxes:    make(map[string][]string),
		mailboxLines: DefaultMailboxLines,
		mailboxUsers: DefaultMailboxUsers,
		requests:     make(map[string]*Request),
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// AddSession registers a new, unauthenticated session for conn. After
// Close it returns ErrRegistryClosed and the caller owns conn.
func (r *Registry) AddSession(conn *SafeConn, transport string) (*Session, error) {
	sess := &Session{
		ID:          r.nextID.Add(1),
		Conn:        conn,
		RemoteAddr:  conn.RemoteAddr(),
		Transport:   transport,
		ConnectedAt: time.Now(),
	}

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	r.sessions[sess.ID] = sess
	return sess, nil
}

// Close stops the registry from accepting sessions and returns the ones
// registered so far. Every session that will ever exist is in the result.
func (r *Registry) Close() []*Session {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	r.closed = true
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// RemoveSession purges sess from every arena. It returns false if the
// session was already removed, which makes closing idempotent. The names
// of rooms deleted because they became empty are returned.
func (r *Registry) RemoveSession(sess *Session) (bool, []string) {
	r.sessionsMu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.sessionsMu.Unlock()
		return false, nil
	}
	delete(r.sessions, sess.ID)
	if name := sess.Username(); name != "" && r.byUsername[name] == sess {
		delete(r.byUsername, name)
	}
	// Must be set before purging rooms so a racing join is refused
	sess.closed.Store(true)
	r.sessionsMu.Unlock()

	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	var deleted []string
	for name, room := range r.rooms {
		if _, member := room.members[sess.ID]; !member {
			continue
		}
		delete(room.members, sess.ID)
		if len(room.members) == 0 {
			delete(r.rooms, name)
			deleted = append(deleted, name)
		}
	}
	sort.Strings(deleted)
	return true, deleted
}

// Authenticate binds user to sess and writes greeting followed by the
// user's queued offline messages. At most one live session may hold a
// username.
func (r *Registry) Authenticate(sess *Session, user *database.User, greeting ...string) (int, error) {
	r.sessionsMu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.sessionsMu.Unlock()
		return 0, ErrSessionClosed
	}
	if other, ok := r.byUsername[user.Username]; ok && other != sess {
		r.sessionsMu.Unlock()
		return 0, ErrAlreadyConnected
	}
	sess.setUser(user)
	r.byUsername[user.Username] = sess

	r.mailboxMu.Lock()
	backlog := r.mailboxes[user.Username]
	delete(r.mailboxes, user.Username)
	r.mailboxMu.Unlock()

	sess.Conn.lockWrites()
	r.sessionsMu.Unlock()
	defer sess.Conn.unlockWrites()

	if err := sess.Conn.writeLocked(greeting); err != nil {
		r.requeue(user.Username, backlog)
		return 0, err
	}
	n, err := sess.Conn.writeLockedCount(backlog)
	if err != nil {
		r.requeue(user.Username, backlog[n:])
		return n, err
	}
	return n, nil
}

// requeue puts undelivered lines back at the front of a mailbox.
func (r *Registry) requeue(username string, lines []string) {
	if len(lines) == 0 {
		return
	}
	r.mailboxMu.Lock()
	defer r.mailboxMu.Unlock()
	r.mailboxes[username] = append(append([]string(nil), lines...), r.mailboxes[username]...)
}

// DeliverOrQueue returns the live session for username. When the user is
// not connected the line is appended to their mailbox instead and nil is
// returned, or ErrMailboxFull when a mailbox limit would be exceeded.
// Lookup and enqueue happen under the sessions lock, so a line is never
// queued for a user who has just finished authenticating.
func (r *Registry) DeliverOrQueue(username, line string) (*Session, error) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()

	if sess, ok := r.byUsername[username]; ok {
		return sess, nil
	}
	r.mailboxMu.Lock()
	defer r.mailboxMu.Unlock()
	queued, exists := r.mailboxes[username]
	if len(queued) >= r.mailboxLines || (!exists && len(r.mailboxes) >= r.mailboxUsers) {
		return nil, ErrMailboxFull
	}
	r.mailboxes[username] = append(queued, line)
	return nil, nil
}

// Mailbox returns a copy of the queued lines for username.
func (r *Registry) Mailbox(username string) []string {
	r.mailboxMu.Lock()
	defer r.mailboxMu.Unlock()
	return append([]string(nil), r.mailboxes[username]...)
}

// Online returns the authenticated session for username.
func (r *Registry) Online(username string) (*Session, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	sess, ok := r.byUsername[username]
	return sess, ok
}

// Authenticated returns every authenticated session.
func (r *Registry) Authenticated() []*Session {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	sessions := make([]*Session, 0, len(r.byUsername))
	for _, sess := range r.byUsername {
		sessions = append(sessions, sess)
	}
	return sessions
}

// WithRole returns the authenticated sessions whose role is exactly role.
func (r *Registry) WithRole(role rank.Role) []*Session {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	var sessions []*Session
	for _, sess := range r.byUsername {
		if sess.Role() == role {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// SetOnlineRole updates the role of username's live session, if any.
func (r *Registry) SetOnlineRole(username string, role rank.Role) bool {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	sess, ok := r.byUsername[username]
	if ok {
		sess.setRole(role)
	}
	return ok
}

// SessionCounts returns the number of connected and authenticated sessions.
func (r *Registry) SessionCounts() (total, authenticated int) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return len(r.sessions), len(r.byUsername)
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// CreateRoom creates name with sess as its first member.
func (r *Registry) CreateRoom(name string, sess *Session) error {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	if sess.isClosed() {
		return ErrSessionClosed
	}
	if _, exists := r.rooms[name]; exists {
		return ErrRoomExists
	}
	r.rooms[name] = &Room{
		Name:      name,
		CreatedAt: time.Now(),
		members:   map[uint64]*Session{sess.ID: sess},
	}
	return nil
}

// JoinRoom adds sess to an existing room.
func (r *Registry) JoinRoom(name string, sess *Session) error {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	if sess.isClosed() {
		return ErrSessionClosed
	}
	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if _, member := room.members[sess.ID]; member {
		return ErrAlreadyMember
	}
	room.members[sess.ID] = sess
	return nil
}

// LeaveRoom removes sess from a room and deletes the room if it is now
// empty. It reports whether the room was deleted.
func (r *Registry) LeaveRoom(name string, sess *Session) (bool, error) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return false, ErrRoomNotFound
	}
	if _, member := room.members[sess.ID]; !member {
		return false, ErrNotMember
	}
	delete(room.members, sess.ID)
	if len(room.members) == 0 {
		delete(r.rooms, name)
		return true, nil
	}
	return false, nil
}

// RoomRecipients returns the members of a room other than sender. Senders
// that are not members get ErrRoomNotFound.
func (r *Registry) RoomRecipients(name string, sender *Session) ([]*Session, error) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if _, member := room.members[sender.ID]; !member {
		return nil, ErrRoomNotFound
	}
	recipients := make([]*Session, 0, len(room.members)-1)
	for id, sess := range room.members {
		if id != sender.ID {
			recipients = append(recipients, sess)
		}
	}
	return recipients, nil
}

// IsMember reports whether sess belongs to room name.
func (r *Registry) IsMember(name string, sess *Session) bool {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return false
	}
	_, member := room.members[sess.ID]
	return member
}

// ListRooms returns every room sorted by name.
func (r *Registry) ListRooms() []RoomInfo {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	rooms := make([]RoomInfo, 0, len(r.rooms))
	for name, room := range r.rooms {
		rooms = append(rooms, RoomInfo{Name: name, Members: len(room.members)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}

// RoomCount returns the number of rooms.
func (r *Registry) RoomCount() int {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	return len(r.rooms)
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// AddRequest stores a pending request.
func (r *Registry) AddRequest(req Request) {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	r.requests[req.ID] = &req
}

// PendingRequests returns the requests awaiting viewer, or every pending
// request for a General, oldest first.
func (r *Registry) PendingRequests(viewer rank.Role) []Request {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	var out []Request
	for _, req := range r.requests {
		if viewer == rank.General || req.RequiredRole == viewer {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// takeRequest removes and returns request id if approver may act on it:
// approver must hold the required role or be a General.
func (r *Registry) takeRequest(id string, approver rank.Role) (Request, error) {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	if approver != rank.General && approver != req.RequiredRole {
		return Request{}, ErrPermissionDenied
	}
	delete(r.requests, id)
	return *req, nil
}

// AcceptRequest removes an approvable request and counts it as accepted.
func (r *Registry) AcceptRequest(id string, approver rank.Role) (Request, error) {
	req, err := r.takeRequest(id, approver)
	if err != nil {
		return Request{}, err
	}
	r.accepted.Add(1)
	return req, nil
}

// RejectRequest removes an approvable request and counts it as rejected.
func (r *Registry) RejectRequest(id string, approver rank.Role) (Request, error) {
	req, err := r.takeRequest(id, approver)
	if err != nil {
		return Request{}, err
	}
	r.rejected.Add(1)
	return req, nil
}

// RequestCounts returns the pending, accepted and rejected counts.
func (r *Registry) RequestCounts() (pending int, accepted, rejected int64) {
	r.requestsMu.Lock()
	pending = len(r.requests)
	r.requestsMu.Unlock()
	return pending, r.accepted.Load(), r.rejected.Load()
}
