// Package identity orchestrates the employee lifecycle against the external
// directory: onboarding, the termination kill switch, delayed permanent
// deletion, bulk synchronization and forced password resets.
package identity

import (
	"context"
	"errors"
	"time"
)

// Employee statuses. Transitions are active -> terminated -> deleted.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
	StatusDeleted    = "deleted"
)

// Audit actions written to the append-only log.
const (
	ActionUserCreated         = "USER_CREATED"
	ActionUserTerminated      = "USER_TERMINATED"
	ActionUserDeleted         = "USER_DELETED"
	ActionDeletionBlocked     = "DELETION_BLOCKED"
	ActionBulkSyncStarted     = "BULK_SYNC_STARTED"
	ActionBulkSyncCompleted   = "BULK_SYNC_COMPLETED"
	ActionPasswordResetForced = "PASSWORD_RESET_FORCED"
)

// JobDeleteUserFinal is the queue name for scheduled permanent deletions.
const JobDeleteUserFinal = "delete_user_final"

// Employee mirrors the relational row this service owns.
type Employee struct {
	ID              string
	Email           string
	FirstName       string
	LastName        string
	Department      string
	Status          string
	DirectoryUserID string
	TerminatedAt    *time.Time
	DeletedAt       *time.Time
}

// AuditEntry is one immutable row of the audit trail.
type AuditEntry struct {
	ID              string
	EmployeeID      string
	Action          string
	DirectoryUserID string
	Actor           string
	Detail          map[string]any
	CreatedAt       time.Time
}

// Tx exposes the employee mutations available inside one transaction.
type Tx interface {
	LinkDirectoryUser(ctx context.Context, employeeID, directoryUserID string) error
	MarkTerminated(ctx context.Context, employeeID string, at time.Time) error
	MarkDeleted(ctx context.Context, employeeID string, at time.Time) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Store is the relational source of truth for employees and the audit log.
type Store interface {
	Employee(ctx context.Context, id string) (Employee, error)
	ActiveEmployees(ctx context.Context) ([]Employee, error)
	LinkedEmployees(ctx context.Context) ([]Employee, error)
	// AppendAudit writes outside any transaction. Used for intentionally
	// blocked actions and bulk-run markers, which are logged even when no
	// state changes.
	AppendAudit(ctx context.Context, entry AuditEntry) error
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Scheduler enqueues a one-shot job after a minimum delay. Delivery is
// at-least-once; handlers tolerate duplicates.
type Scheduler interface {
	Enqueue(ctx context.Context, name string, payload []byte, delay time.Duration) error
}

// DeletionJob is the payload of a delete_user_final job.
type DeletionJob struct {
	DirectoryUserID string `json:"directoryUserId"`
	EmployeeID      string `json:"employeeId"`
}

// TerminationResult reports what the kill switch did.
type TerminationResult struct {
	DirectoryUserID     string
	SessionsRevoked     int
	ScheduledDeletionAt time.Time
}

// ItemError records a per-employee failure inside a bulk run.
type ItemError struct {
	EmployeeID string
	Err        error
}

// SyncReport summarises one bulk synchronization run.
type SyncReport struct {
	Total    int
	Created  int
	Skipped  int
	Errors   []ItemError
	Duration time.Duration
}

// ResetReport summarises one forced password-reset run. Warnings count stale
// directory linkage (user gone on the provider side); only Errors flip OK.
type ResetReport struct {
	Total    int
	Reset    int
	Warnings int
	Errors   []ItemError
	OK       bool
	Duration time.Duration
}

var (
	// ErrEmployeeNotFound: no employee row with the given id.
	ErrEmployeeNotFound = errors.New("identity: employee not found")
	// ErrNoDirectoryIdentity: the employee has no linked directory user.
	ErrNoDirectoryIdentity = errors.New("identity: employee has no directory identity")
	// ErrDeletionBlocked: the directory user was re-enabled inside the grace
	// window, so permanent deletion is refused.
	ErrDeletionBlocked = errors.New("identity: deletion blocked, directory user is enabled")
)
