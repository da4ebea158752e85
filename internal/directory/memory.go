package directory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemory is a directory backend held in process memory. It backs tests and
// local development; failure injection is exposed so orchestration error
// paths can be exercised without a provider.
type InMemory struct {
	mu       sync.Mutex
	seq      int
	users    map[string]*User
	roles    map[string]Role
	sessions map[string][]Session
	userRole map[string][]Role

	// Err* fields, when set, are returned by the matching operation.
	ErrCreateUser error
	ErrAssignRole error
	ErrDeleteUser error
	ErrReset      error
}

func NewInMemory() *InMemory {
	return &InMemory{
		users:    make(map[string]*User),
		roles:    make(map[string]Role),
		sessions: make(map[string][]Session),
		userRole: make(map[string][]Role),
	}
}

// SeedRole registers a realm role so lookups succeed.
func (m *InMemory) SeedRole(name string, composite bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[name] = Role{ID: "role-" + name, Name: name, Composite: composite}
}

// SeedSessions installs active sessions for a user.
func (m *InMemory) SeedSessions(userID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]Session, 0, n)
	for i := 0; i < n; i++ {
		sessions = append(sessions, Session{ID: fmt.Sprintf("%s-sess-%d", userID, i), StartedAt: time.Now()})
	}
	m.sessions[userID] = sessions
}

func (m *InMemory) CreateUser(_ context.Context, u User) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrCreateUser != nil {
		return "", m.ErrCreateUser
	}
	for _, existing := range m.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return "", ErrConflict
		}
	}
	m.seq++
	id := fmt.Sprintf("dir-%04d", m.seq)
	stored := u
	stored.ID = id
	stored.CreatedAt = time.Now()
	m.users[id] = &stored
	return id, nil
}

func (m *InMemory) GetUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (m *InMemory) FindUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *InMemory) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Enabled = enabled
	return nil
}

func (m *InMemory) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrDeleteUser != nil {
		return m.ErrDeleteUser
	}
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.sessions, id)
	delete(m.userRole, id)
	return nil
}

func (m *InMemory) ResetPassword(_ context.Context, id, _ string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrReset != nil {
		return m.ErrReset
	}
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (m *InMemory) GetRealmRole(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[name]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *InMemory) AssignRealmRole(_ context.Context, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrAssignRole != nil {
		return m.ErrAssignRole
	}
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	m.userRole[userID] = append(m.userRole[userID], role)
	return nil
}

func (m *InMemory) UserRealmRoles(_ context.Context, userID string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Role(nil), m.userRole[userID]...), nil
}

func (m *InMemory) ListSessions(_ context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Session(nil), m.sessions[userID]...), nil
}

func (m *InMemory) RevokeSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, sessions := range m.sessions {
		for i, s := range sessions {
			if s.ID == sessionID {
				m.sessions[userID] = append(sessions[:i], sessions[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

var _ Client = (*InMemory)(nil)
