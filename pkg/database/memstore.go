package database

import (
	"sort"
	"sync"

	"github.com/aeolun/warroom/pkg/rank"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MemStore is an in-memory account store and audit writer with the same
// semantics as DB. Used for ephemeral servers and tests.
type MemStore struct {
	mu         sync.RWMutex
	byEmail    map[string]*User
	byUsername map[string]*User
	audit      []AuditEvent
	bcryptCost int
}

// NewMemStore returns an empty store. A cost of 0 uses bcrypt.MinCost.
func NewMemStore(bcryptCost int) *MemStore {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.MinCost
	}
	return &MemStore{
		byEmail:    make(map[string]*User),
		byUsername: make(map[string]*User),
		bcryptCost: bcryptCost,
	}
}

func (m *MemStore) SignUp(username, email, password string, role rank.Role) (*User, error) {
	if err := checkSignUp(password, role); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return nil, err
	}

	email = normalizeEmail(email)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byEmail[email]; taken {
		return nil, nil
	}
	if _, taken := m.byUsername[username]; taken {
		return nil, nil
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    nowMillis(),
	}
	m.byEmail[email] = user
	m.byUsername[username] = user

	copied := *user
	return &copied, nil
}

func (m *MemStore) SignIn(email, password string) (*User, error) {
	m.mu.RLock()
	user, ok := m.byEmail[normalizeEmail(email)]
	var copied User
	if ok {
		copied = *user
	}
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(copied.PasswordHash), []byte(password)) != nil {
		return nil, nil
	}
	return &copied, nil
}

func (m *MemStore) SetRole(username string, role rank.Role) (*User, error) {
	if !role.Valid() {
		return nil, invalidRole(role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byUsername[username]
	if !ok {
		return nil, nil
	}
	user.Role = role
	copied := *user
	return &copied, nil
}

func (m *MemStore) ListUsers() ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.byUsername))
	for _, u := range m.byUsername {
		copied := *u
		users = append(users, &copied)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (m *MemStore) InsertAuditEvents(events []AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		ev.ID = int64(len(m.audit) + 1)
		m.audit = append(m.audit, ev)
	}
	return nil
}

// AuditEvents returns a copy of every audit event written so far.
func (m *MemStore) AuditEvents() []AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditEvent(nil), m.audit...)
}
