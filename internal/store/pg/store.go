// Package pg persists employees and the append-only audit log in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"identra.org/internal/identity"
)

type Store struct {
	db *sql.DB
}

var _ identity.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool; tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const employeeColumns = `id, email, first_name, last_name, department, status, directory_user_id, terminated_at, deleted_at`

func (s *Store) Employee(ctx context.Context, id string) (identity.Employee, error) {
	row := s.db.QueryRowContext(ctx, `select `+employeeColumns+` from employees where id = $1`, id)
	emp, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Employee{}, identity.ErrEmployeeNotFound
	}
	return emp, err
}

func (s *Store) ActiveEmployees(ctx context.Context) ([]identity.Employee, error) {
	return s.listEmployees(ctx, `select `+employeeColumns+` from employees where status = $1 order by id`, identity.StatusActive)
}

func (s *Store) LinkedEmployees(ctx context.Context) ([]identity.Employee, error) {
	return s.listEmployees(ctx,
		`select `+employeeColumns+` from employees where directory_user_id is not null and status <> $1 order by id`,
		identity.StatusDeleted)
}

func (s *Store) listEmployees(ctx context.Context, query string, args ...any) ([]identity.Employee, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, emp)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, entry identity.AuditEntry) error {
	return appendAudit(ctx, s.db, entry)
}

// InTx begins a transaction, runs fn and commits. Rollback is deferred so the
// connection is released on every exit path.
func (s *Store) InTx(ctx context.Context, fn func(tx identity.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) LinkDirectoryUser(ctx context.Context, employeeID, directoryUserID string) error {
	res, err := t.tx.ExecContext(ctx,
		`update employees set directory_user_id = $2, updated_at = now() where id = $1`,
		employeeID, directoryUserID)
	return requireRow(res, err)
}

func (t *sqlTx) MarkTerminated(ctx context.Context, employeeID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`update employees set status = $2, terminated_at = $3, updated_at = now() where id = $1`,
		employeeID, identity.StatusTerminated, at.UTC())
	return requireRow(res, err)
}

func (t *sqlTx) MarkDeleted(ctx context.Context, employeeID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`update employees set status = $2, deleted_at = $3, updated_at = now() where id = $1`,
		employeeID, identity.StatusDeleted, at.UTC())
	return requireRow(res, err)
}

func (t *sqlTx) AppendAudit(ctx context.Context, entry identity.AuditEntry) error {
	return appendAudit(ctx, t.tx, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendAudit(ctx context.Context, db execer, entry identity.AuditEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`insert into audit_log(id, employee_id, action, directory_user_id, detail, actor, created_at)
		 values ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, nullable(entry.EmployeeID), entry.Action, nullable(entry.DirectoryUserID), detail, entry.Actor, created.UTC())
	return err
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrEmployeeNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row scanner) (identity.Employee, error) {
	var (
		emp          identity.Employee
		dirID        sql.NullString
		terminatedAt sql.NullTime
		deletedAt    sql.NullTime
	)
	err := row.Scan(&emp.ID, &emp.Email, &emp.FirstName, &emp.LastName, &emp.Department,
		&emp.Status, &dirID, &terminatedAt, &deletedAt)
	if err != nil {
		return identity.Employee{}, err
	}
	if dirID.Valid {
		emp.DirectoryUserID = dirID.String
	}
	if terminatedAt.Valid {
		ts := terminatedAt.Time
		emp.TerminatedAt = &ts
	}
	if deletedAt.Valid {
		ts := deletedAt.Time
		emp.DeletedAt = &ts
	}
	return emp, nil
}
