package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nerzal/gocloak/v13"
)

// Keycloak adapts the gocloak admin SDK to the Client interface. The service
// account token is cached and refreshed shortly before it expires; the
// underlying HTTP client is shared and safe for concurrent use.
type Keycloak struct {
	gc           *gocloak.GoCloak
	realm        string
	clientID     string
	clientSecret string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	now func() time.Time
}

// tokenSlack is subtracted from the reported token lifetime so a token is
// never used in the last moments before expiry.
const tokenSlack = 30 * time.Second

func NewKeycloak(baseURL, realm, clientID, clientSecret string, requestTimeout time.Duration) *Keycloak {
	gc := gocloak.NewClient(baseURL)
	if requestTimeout > 0 {
		gc.RestyClient().SetTimeout(requestTimeout)
	}
	return &Keycloak{
		gc:           gc,
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

func (k *Keycloak) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.accessToken != "" && k.now().Before(k.tokenExpiry) {
		return k.accessToken, nil
	}
	jwt, err := k.gc.LoginClient(ctx, k.clientID, k.clientSecret, k.realm)
	if err != nil {
		return "", mapError("login", err)
	}
	k.accessToken = jwt.AccessToken
	k.tokenExpiry = k.now().Add(time.Duration(jwt.ExpiresIn)*time.Second - tokenSlack)
	return k.accessToken, nil
}

func (k *Keycloak) CreateUser(ctx context.Context, u User) (string, error) {
	token, err := k.token(ctx)
	if err != nil {
		return "", err
	}
	attrs := u.Attributes
	id, err := k.gc.CreateUser(ctx, token, k.realm, gocloak.User{
		Username:        gocloak.StringP(u.Username),
		Email:           gocloak.StringP(u.Email),
		FirstName:       gocloak.StringP(u.FirstName),
		LastName:        gocloak.StringP(u.LastName),
		Enabled:         gocloak.BoolP(u.Enabled),
		Attributes:      &attrs,
		RequiredActions: &u.RequiredActions,
	})
	if err != nil {
		return "", mapError("create user", err)
	}
	return id, nil
}

func (k *Keycloak) GetUser(ctx context.Context, id string) (User, error) {
	token, err := k.token(ctx)
	if err != nil {
		return User{}, err
	}
	u, err := k.gc.GetUserByID(ctx, token, k.realm, id)
	if err != nil {
		return User{}, mapError("get user", err)
	}
	return fromKeycloakUser(u), nil
}

func (k *Keycloak) FindUserByEmail(ctx context.Context, email string) (User, error) {
	token, err := k.token(ctx)
	if err != nil {
		return User{}, err
	}
	users, err := k.gc.GetUsers(ctx, token, k.realm, gocloak.GetUsersParams{
		Email: gocloak.StringP(email),
		Exact: gocloak.BoolP(true),
	})
	if err != nil {
		return User{}, mapError("find user", err)
	}
	if len(users) == 0 {
		return User{}, ErrNotFound
	}
	return fromKeycloakUser(users[0]), nil
}

func (k *Keycloak) SetEnabled(ctx context.Context, id string, enabled bool) error {
	token, err := k.token(ctx)
	if err != nil {
		return err
	}
	err = k.gc.UpdateUser(ctx, token, k.realm, gocloak.User{
		ID:      gocloak.StringP(id),
		Enabled: gocloak.BoolP(enabled),
	})
	return mapError("update user", err)
}

func (k *Keycloak) DeleteUser(ctx context.Context, id string) error {
	token, err := k.token(ctx)
	if err != nil {
		return err
	}
	return mapError("delete user", k.gc.DeleteUser(ctx, token, k.realm, id))
}

func (k *Keycloak) ResetPassword(ctx context.Context, id, password string, temporary bool) error {
	token, err := k.token(ctx)
	if err != nil {
		return err
	}
	return mapError("reset password", k.gc.SetPassword(ctx, token, id, k.realm, password, temporary))
}

func (k *Keycloak) GetRealmRole(ctx context.Context, name string) (Role, error) {
	token, err := k.token(ctx)
	if err != nil {
		return Role{}, err
	}
	role, err := k.gc.GetRealmRole(ctx, token, k.realm, name)
	if err != nil {
		return Role{}, mapError("get role", err)
	}
	return fromKeycloakRole(role), nil
}

func (k *Keycloak) AssignRealmRole(ctx context.Context, userID string, role Role) error {
	token, err := k.token(ctx)
	if err != nil {
		return err
	}
	kcRole := gocloak.Role{
		ID:        gocloak.StringP(role.ID),
		Name:      gocloak.StringP(role.Name),
		Composite: gocloak.BoolP(role.Composite),
	}
	return mapError("assign role", k.gc.AddRealmRoleToUser(ctx, token, k.realm, userID, []gocloak.Role{kcRole}))
}

func (k *Keycloak) UserRealmRoles(ctx context.Context, userID string) ([]Role, error) {
	token, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := k.gc.GetRealmRolesByUserID(ctx, token, k.realm, userID)
	if err != nil {
		return nil, mapError("list roles", err)
	}
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, fromKeycloakRole(r))
	}
	return out, nil
}

func (k *Keycloak) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	token, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := k.gc.GetUserSessions(ctx, token, k.realm, userID)
	if err != nil {
		return nil, mapError("list sessions", err)
	}
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		sess := Session{
			ID:        gocloak.PString(s.ID),
			IPAddress: gocloak.PString(s.IPAddress),
		}
		if s.Start != nil {
			sess.StartedAt = time.UnixMilli(*s.Start)
		}
		out = append(out, sess)
	}
	return out, nil
}

func (k *Keycloak) RevokeSession(ctx context.Context, sessionID string) error {
	token, err := k.token(ctx)
	if err != nil {
		return err
	}
	return mapError("revoke session", k.gc.LogoutUserSession(ctx, token, k.realm, sessionID))
}

func fromKeycloakUser(u *gocloak.User) User {
	out := User{
		ID:        gocloak.PString(u.ID),
		Username:  gocloak.PString(u.Username),
		Email:     gocloak.PString(u.Email),
		FirstName: gocloak.PString(u.FirstName),
		LastName:  gocloak.PString(u.LastName),
	}
	if u.Enabled != nil {
		out.Enabled = *u.Enabled
	}
	if u.Attributes != nil {
		out.Attributes = *u.Attributes
	}
	if u.RequiredActions != nil {
		out.RequiredActions = *u.RequiredActions
	}
	if u.CreatedTimestamp != nil {
		out.CreatedAt = time.UnixMilli(*u.CreatedTimestamp)
	}
	return out
}

func fromKeycloakRole(r *gocloak.Role) Role {
	out := Role{
		ID:   gocloak.PString(r.ID),
		Name: gocloak.PString(r.Name),
	}
	if r.Composite != nil {
		out.Composite = *r.Composite
	}
	return out
}

// mapError translates gocloak failures into the package taxonomy. Anything
// that never reached the provider (timeouts, refused connections) becomes
// ErrUnavailable.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *gocloak.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 404:
			return ErrNotFound
		case 409:
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case 401, 403:
			return fmt.Errorf("%s: %w", op, ErrUnauthorized)
		case 0:
			return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, apiErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
