package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"identra.org/internal/directory"
	"identra.org/internal/ids"
	"identra.org/internal/obs"
)

const (
	defaultDeletionDelay = 72 * time.Hour
	systemActor          = "identity-service"
)

// requiredActions the provider enforces on first login of a new user.
var requiredActions = []string{"UPDATE_PASSWORD", "VERIFY_EMAIL"}

// Service coordinates the directory, the relational store and the delayed
// queue. There is no distributed transaction between them; ordering and
// compensating actions keep the two sides recoverable (see Onboard and
// Terminate).
type Service struct {
	store     Store
	dir       directory.Client
	scheduler Scheduler

	limiter       *rate.Limiter
	log           zerolog.Logger
	now           func() time.Time
	deletionDelay time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDeletionDelay overrides the grace window before permanent deletion.
func WithDeletionDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.deletionDelay = d
		}
	}
}

// WithRateLimit throttles directory admin calls made by bulk operations.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Service) {
		if rps > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func NewService(store Store, dir directory.Client, scheduler Scheduler, opts ...Option) *Service {
	s := &Service{
		store:         store,
		dir:           dir,
		scheduler:     scheduler,
		limiter:       rate.NewLimiter(rate.Inf, 1),
		log:           obs.Component("identity"),
		now:           time.Now,
		deletionDelay: defaultDeletionDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Onboard provisions a directory identity for one employee inside its own
// transaction and returns the new directory user id.
func (s *Service) Onboard(ctx context.Context, employeeID string) (string, error) {
	emp, err := s.loadEmployee(ctx, employeeID)
	if err != nil {
		return "", err
	}
	if emp.DirectoryUserID != "" {
		return emp.DirectoryUserID, nil
	}
	dirID, err := s.onboardOne(ctx, emp)
	if err != nil {
		obs.IdentityOp("onboard", "error")
		return "", err
	}
	obs.IdentityOp("onboard", "ok")
	return dirID, nil
}

// onboardOne provisions a single employee in its own transaction. Every
// failure after the directory user exists funnels through one compensation
// path, so a failed onboarding leaves neither a linked employee row nor an
// orphaned enabled directory user.
func (s *Service) onboardOne(ctx context.Context, emp Employee) (string, error) {
	var dirID string
	err := s.store.InTx(ctx, func(tx Tx) error {
		var provErr error
		dirID, provErr = s.provision(ctx, tx, emp)
		return provErr
	})
	if err != nil {
		if dirID != "" {
			s.compensateDelete(ctx, emp.ID, dirID)
		}
		return "", err
	}
	return dirID, nil
}

// compensateDelete undoes a partially provisioned directory user. Best
// effort: its own failure is logged and never masks the original error.
func (s *Service) compensateDelete(ctx context.Context, employeeID, dirID string) {
	if err := s.dir.DeleteUser(ctx, dirID); err != nil && !errors.Is(err, directory.ErrNotFound) {
		s.log.Error().Err(err).
			Str("employee_id", employeeID).
			Str("directory_user_id", dirID).
			Msg("compensating delete failed, directory user may be orphaned")
	}
}

// provision creates the directory user and links it to the employee row
// within the caller's transaction. The transaction commits only after the
// directory side is fully set up, so no reader ever observes a
// half-provisioned employee. A non-empty id is returned alongside an error
// whenever the directory user was created and still exists; the caller is
// responsible for the compensating delete, and the rolled-back transaction
// leaves no USER_CREATED entry.
func (s *Service) provision(ctx context.Context, tx Tx, emp Employee) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	dirID, err := s.dir.CreateUser(ctx, directory.User{
		Username:  emp.Email,
		Email:     emp.Email,
		FirstName: emp.FirstName,
		LastName:  emp.LastName,
		Enabled:   true,
		Attributes: map[string][]string{
			"employeeId": {emp.ID},
			"department": {emp.Department},
		},
		RequiredActions: requiredActions,
	})
	if err != nil {
		return "", fmt.Errorf("create directory user for %s: %w", emp.ID, err)
	}

	roleName, assigned := "", false
	if name, ok := RoleForDepartment(emp.Department); ok {
		assigned, err = s.assignRole(ctx, dirID, name)
		if err != nil {
			return dirID, fmt.Errorf("assign role %s to %s: %w", name, emp.ID, err)
		}
		roleName = name
	}

	if err := tx.LinkDirectoryUser(ctx, emp.ID, dirID); err != nil {
		return dirID, err
	}
	detail := map[string]any{"email": emp.Email, "department": emp.Department}
	if assigned {
		detail["role"] = roleName
	}
	if err := tx.AppendAudit(ctx, s.entry(emp.ID, ActionUserCreated, dirID, detail)); err != nil {
		return dirID, err
	}
	s.log.Info().Str("employee_id", emp.ID).Str("directory_user_id", dirID).Msg("directory user provisioned")
	return dirID, nil
}

// assignRole resolves and assigns the realm role. A role missing on the
// provider is treated like a missing mapping: logged and skipped.
func (s *Service) assignRole(ctx context.Context, dirID, name string) (bool, error) {
	role, err := s.dir.GetRealmRole(ctx, name)
	if errors.Is(err, directory.ErrNotFound) {
		s.log.Warn().Str("role", name).Msg("mapped realm role does not exist, skipping assignment")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.dir.AssignRealmRole(ctx, dirID, role); err != nil {
		return false, err
	}
	return true, nil
}

// Terminate is the kill switch. Disabling directory access comes first and
// does not wait on bookkeeping; audit, relational state and the scheduled
// deletion follow.
func (s *Service) Terminate(ctx context.Context, employeeID string) (TerminationResult, error) {
	emp, err := s.loadEmployee(ctx, employeeID)
	if err != nil {
		return TerminationResult{}, err
	}
	if emp.DirectoryUserID == "" {
		return TerminationResult{}, fmt.Errorf("terminate %s: %w", employeeID, ErrNoDirectoryIdentity)
	}

	roles, err := s.dir.UserRealmRoles(ctx, emp.DirectoryUserID)
	if err != nil {
		return TerminationResult{}, fmt.Errorf("snapshot roles for %s: %w", employeeID, err)
	}
	roleNames := make([]string, 0, len(roles))
	for _, r := range roles {
		roleNames = append(roleNames, r.Name)
	}

	if err := s.dir.SetEnabled(ctx, emp.DirectoryUserID, false); err != nil {
		obs.IdentityOp("terminate", "error")
		return TerminationResult{}, fmt.Errorf("disable directory user for %s: %w", employeeID, err)
	}

	sessions, err := s.dir.ListSessions(ctx, emp.DirectoryUserID)
	if err != nil {
		return TerminationResult{}, fmt.Errorf("list sessions for %s: %w", employeeID, err)
	}
	revoked := 0
	for _, sess := range sessions {
		if err := s.dir.RevokeSession(ctx, sess.ID); err != nil {
			// Access is already cut by the disable above.
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("session revocation failed")
			continue
		}
		revoked++
	}

	now := s.now()
	err = s.store.InTx(ctx, func(tx Tx) error {
		entry := s.entry(emp.ID, ActionUserTerminated, emp.DirectoryUserID, map[string]any{
			"roles_snapshot":   roleNames,
			"sessions_revoked": revoked,
			"terminated_at":    now.UTC().Format(time.RFC3339),
		})
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		return tx.MarkTerminated(ctx, emp.ID, now)
	})
	if err != nil {
		obs.IdentityOp("terminate", "error")
		return TerminationResult{}, err
	}

	payload, err := json.Marshal(DeletionJob{DirectoryUserID: emp.DirectoryUserID, EmployeeID: emp.ID})
	if err != nil {
		return TerminationResult{}, err
	}
	if err := s.scheduler.Enqueue(ctx, JobDeleteUserFinal, payload, s.deletionDelay); err != nil {
		obs.IdentityOp("terminate", "error")
		return TerminationResult{}, fmt.Errorf("schedule deletion for %s: %w", employeeID, err)
	}

	obs.IdentityOp("terminate", "ok")
	s.log.Info().
		Str("employee_id", emp.ID).
		Str("directory_user_id", emp.DirectoryUserID).
		Int("sessions_revoked", revoked).
		Time("scheduled_deletion_at", now.Add(s.deletionDelay)).
		Msg("employee terminated")
	return TerminationResult{
		DirectoryUserID:     emp.DirectoryUserID,
		SessionsRevoked:     revoked,
		ScheduledDeletionAt: now.Add(s.deletionDelay),
	}, nil
}

// DeletePermanently removes the directory user after the grace window. It is
// invoked by the cleanup worker and tolerates duplicate delivery: an already
// absent user is a no-op. A re-enabled user signals a termination reversal,
// so deletion is refused and audited.
func (s *Service) DeletePermanently(ctx context.Context, job DeletionJob) error {
	u, err := s.dir.GetUser(ctx, job.DirectoryUserID)
	if errors.Is(err, directory.ErrNotFound) {
		s.log.Info().Str("directory_user_id", job.DirectoryUserID).Msg("directory user already gone")
		obs.IdentityOp("delete_permanent", "noop")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup directory user %s: %w", job.DirectoryUserID, err)
	}

	if u.Enabled {
		entry := s.entry(job.EmployeeID, ActionDeletionBlocked, job.DirectoryUserID, map[string]any{
			"reason": "directory user re-enabled within grace window",
		})
		if err := s.store.AppendAudit(ctx, entry); err != nil {
			s.log.Error().Err(err).Str("employee_id", job.EmployeeID).Msg("failed to audit blocked deletion")
		}
		obs.IdentityOp("delete_permanent", "blocked")
		return fmt.Errorf("delete %s: %w", job.DirectoryUserID, ErrDeletionBlocked)
	}

	if err := s.dir.DeleteUser(ctx, job.DirectoryUserID); err != nil && !errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("delete directory user %s: %w", job.DirectoryUserID, err)
	}

	now := s.now()
	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.MarkDeleted(ctx, job.EmployeeID, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, s.entry(job.EmployeeID, ActionUserDeleted, job.DirectoryUserID, nil))
	})
	if err != nil {
		return err
	}
	obs.IdentityOp("delete_permanent", "ok")
	s.log.Info().Str("employee_id", job.EmployeeID).Str("directory_user_id", job.DirectoryUserID).Msg("directory user permanently deleted")
	return nil
}

// SyncAll provisions every active employee that lacks a directory identity.
// Each employee runs in its own transaction so one failure cannot poison the
// batch; an authentication failure halts the run.
func (s *Service) SyncAll(ctx context.Context) (SyncReport, error) {
	start := s.now()
	if err := s.store.AppendAudit(ctx, s.entry("", ActionBulkSyncStarted, "", nil)); err != nil {
		return SyncReport{}, err
	}

	employees, err := s.store.ActiveEmployees(ctx)
	if err != nil {
		return SyncReport{}, err
	}

	report := SyncReport{Total: len(employees)}
	var halt error
	for _, emp := range employees {
		if emp.DirectoryUserID != "" {
			report.Skipped++
			continue
		}
		if _, err := s.onboardOne(ctx, emp); err != nil {
			report.Errors = append(report.Errors, ItemError{EmployeeID: emp.ID, Err: err})
			s.log.Error().Err(err).Str("employee_id", emp.ID).Msg("sync failed for employee")
			if errors.Is(err, directory.ErrUnauthorized) {
				halt = err
				break
			}
			continue
		}
		report.Created++
	}
	report.Duration = s.now().Sub(start)

	detail := map[string]any{
		"total":   report.Total,
		"created": report.Created,
		"skipped": report.Skipped,
		"errors":  len(report.Errors),
	}
	if err := s.store.AppendAudit(ctx, s.entry("", ActionBulkSyncCompleted, "", detail)); err != nil {
		s.log.Error().Err(err).Msg("failed to audit bulk sync completion")
	}
	if halt != nil {
		return report, halt
	}
	return report, nil
}

// ForcePasswordReset resets credentials for every employee that already holds
// a directory identity. A user missing on the provider side is stale linkage
// and only a warning; genuine errors flip the run's outcome.
func (s *Service) ForcePasswordReset(ctx context.Context) (ResetReport, error) {
	start := s.now()
	employees, err := s.store.LinkedEmployees(ctx)
	if err != nil {
		return ResetReport{}, err
	}

	report := ResetReport{Total: len(employees)}
	var halt error
	for _, emp := range employees {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		err := s.dir.ResetPassword(ctx, emp.DirectoryUserID, temporaryPassword(), true)
		switch {
		case errors.Is(err, directory.ErrNotFound):
			report.Warnings++
			s.log.Warn().Str("employee_id", emp.ID).Str("directory_user_id", emp.DirectoryUserID).
				Msg("stale directory linkage, user not found")
		case errors.Is(err, directory.ErrUnauthorized):
			report.Errors = append(report.Errors, ItemError{EmployeeID: emp.ID, Err: err})
			halt = err
		case err != nil:
			report.Errors = append(report.Errors, ItemError{EmployeeID: emp.ID, Err: err})
			s.log.Error().Err(err).Str("employee_id", emp.ID).Msg("password reset failed")
		default:
			report.Reset++
			entry := s.entry(emp.ID, ActionPasswordResetForced, emp.DirectoryUserID, nil)
			if err := s.store.AppendAudit(ctx, entry); err != nil {
				s.log.Error().Err(err).Str("employee_id", emp.ID).Msg("failed to audit password reset")
			}
		}
		if halt != nil {
			break
		}
	}
	report.OK = len(report.Errors) == 0
	report.Duration = s.now().Sub(start)
	if halt != nil {
		return report, halt
	}
	return report, nil
}

func (s *Service) loadEmployee(ctx context.Context, id string) (Employee, error) {
	emp, err := s.store.Employee(ctx, id)
	if errors.Is(err, ErrEmployeeNotFound) {
		return Employee{}, fmt.Errorf("employee %s: %w", id, ErrEmployeeNotFound)
	}
	if err != nil {
		return Employee{}, err
	}
	return emp, nil
}

func (s *Service) entry(employeeID, action, directoryUserID string, detail map[string]any) AuditEntry {
	return AuditEntry{
		ID:              ids.New(),
		EmployeeID:      employeeID,
		Action:          action,
		DirectoryUserID: directoryUserID,
		Actor:           systemActor,
		Detail:          detail,
		CreatedAt:       s.now(),
	}
}

// temporaryPassword returns a random one-time credential; the provider forces
// a change on first login.
func temporaryPassword() string {
	var b [18]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
