package identity

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps employees and the audit trail in process memory. It
// implements the same Store contract as the postgres adapter and backs the
// service tests.
type InMemoryStore struct {
	mu        sync.Mutex
	employees map[string]*Employee
	audit     []AuditEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{employees: make(map[string]*Employee)}
}

// PutEmployee inserts or replaces an employee row.
func (s *InMemoryStore) PutEmployee(emp Employee) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := emp
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	s.employees[cp.ID] = &cp
}

// AuditEntries returns a copy of the audit trail, oldest first.
func (s *InMemoryStore) AuditEntries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *InMemoryStore) Employee(_ context.Context, id string) (Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emp, ok := s.employees[id]
	if !ok {
		return Employee{}, ErrEmployeeNotFound
	}
	return *emp, nil
}

func (s *InMemoryStore) ActiveEmployees(context.Context) ([]Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Employee
	for _, emp := range s.employees {
		if emp.Status == StatusActive {
			out = append(out, *emp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) LinkedEmployees(context.Context) ([]Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Employee
	for _, emp := range s.employees {
		if emp.DirectoryUserID != "" && emp.Status != StatusDeleted {
			out = append(out, *emp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// InTx runs fn against a buffered view and applies it on success, discarding
// everything on error so the rollback semantics match the SQL store.
func (s *InMemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	buf := &memTx{store: s}
	if err := fn(buf); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, apply := range buf.ops {
		apply()
	}
	return nil
}

type memTx struct {
	store *InMemoryStore
	ops   []func()
}

func (t *memTx) LinkDirectoryUser(_ context.Context, employeeID, directoryUserID string) error {
	t.ops = append(t.ops, func() {
		if emp, ok := t.store.employees[employeeID]; ok {
			emp.DirectoryUserID = directoryUserID
		}
	})
	return nil
}

func (t *memTx) MarkTerminated(_ context.Context, employeeID string, at time.Time) error {
	t.ops = append(t.ops, func() {
		if emp, ok := t.store.employees[employeeID]; ok {
			emp.Status = StatusTerminated
			ts := at
			emp.TerminatedAt = &ts
		}
	})
	return nil
}

func (t *memTx) MarkDeleted(_ context.Context, employeeID string, at time.Time) error {
	t.ops = append(t.ops, func() {
		if emp, ok := t.store.employees[employeeID]; ok {
			emp.Status = StatusDeleted
			ts := at
			emp.DeletedAt = &ts
		}
	})
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, entry AuditEntry) error {
	t.ops = append(t.ops, func() {
		t.store.audit = append(t.store.audit, entry)
	})
	return nil
}

var _ Store = (*InMemoryStore)(nil)
