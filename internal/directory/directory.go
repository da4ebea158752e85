// Package directory defines the narrow surface this service needs from the
// external identity provider. One adapter exists per backend; tests use the
// in-memory implementation.
package directory

import (
	"context"
	"errors"
	"time"
)

// User is the provider-side identity linked to an employee record.
type User struct {
	ID              string
	Username        string
	Email           string
	FirstName       string
	LastName        string
	Enabled         bool
	Attributes      map[string][]string
	RequiredActions []string
	CreatedAt       time.Time
}

// Role is a realm-level role. Composite roles expand on the provider side.
type Role struct {
	ID        string
	Name      string
	Composite bool
}

// Session is an active authenticated session of a user.
type Session struct {
	ID        string
	IPAddress string
	StartedAt time.Time
}

var (
	// ErrNotFound: the user, role or session does not exist. Expected in
	// normal operation; callers decide skip-vs-abort.
	ErrNotFound = errors.New("directory: not found")
	// ErrConflict: an identity with the same username or email exists.
	ErrConflict = errors.New("directory: conflict")
	// ErrUnauthorized: the service account credentials were rejected.
	ErrUnauthorized = errors.New("directory: unauthorized")
	// ErrUnavailable: the provider could not be reached.
	ErrUnavailable = errors.New("directory: unavailable")
)

// Client covers the admin operations the lifecycle service performs. "Not
// found" is reported as ErrNotFound, never as a nil-result ambiguity.
type Client interface {
	CreateUser(ctx context.Context, u User) (string, error)
	GetUser(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	DeleteUser(ctx context.Context, id string) error
	ResetPassword(ctx context.Context, id, password string, temporary bool) error

	GetRealmRole(ctx context.Context, name string) (Role, error)
	AssignRealmRole(ctx context.Context, userID string, role Role) error
	UserRealmRoles(ctx context.Context, userID string) ([]Role, error)

	ListSessions(ctx context.Context, userID string) ([]Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
}
