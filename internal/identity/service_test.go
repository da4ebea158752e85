package identity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"identra.org/internal/directory"
)

type scheduled struct {
	name    string
	payload []byte
	delay   time.Duration
}

type fakeScheduler struct {
	jobs []scheduled
	err  error
}

func (f *fakeScheduler) Enqueue(_ context.Context, name string, payload []byte, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, scheduled{name: name, payload: payload, delay: delay})
	return nil
}

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *InMemoryStore, *directory.InMemory, *fakeScheduler) {
	t.Helper()
	store := NewInMemoryStore()
	dir := directory.NewInMemory()
	dir.SeedRole("hr-read", false)
	dir.SeedRole("executive-suite", true)
	sched := &fakeScheduler{}
	svc := NewService(store, dir, sched, WithClock(func() time.Time { return fixedNow }))
	return svc, store, dir, sched
}

func auditActions(store *InMemoryStore) []string {
	entries := store.AuditEntries()
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func countAction(store *InMemoryStore, action string) int {
	n := 0
	for _, a := range auditActions(store) {
		if a == action {
			n++
		}
	}
	return n
}

func TestOnboardProvisionsDirectoryUser(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-123", Email: "alice@x.com", FirstName: "Alice", LastName: "Ng", Department: "HR"})

	dirID, err := svc.Onboard(ctx, "emp-123")
	if err != nil {
		t.Fatal(err)
	}

	u, err := dir.GetUser(ctx, dirID)
	if err != nil {
		t.Fatal(err)
	}
	if !u.Enabled {
		t.Fatal("new directory user must be enabled")
	}
	if got := u.Attributes["employeeId"]; len(got) != 1 || got[0] != "emp-123" {
		t.Fatalf("employeeId attribute = %v", got)
	}
	if got := u.Attributes["department"]; len(got) != 1 || got[0] != "HR" {
		t.Fatalf("department attribute = %v", got)
	}
	roles, _ := dir.UserRealmRoles(ctx, dirID)
	if len(roles) != 1 || roles[0].Name != "hr-read" {
		t.Fatalf("expected hr-read assigned, got %v", roles)
	}

	emp, _ := store.Employee(ctx, "emp-123")
	if emp.DirectoryUserID != dirID {
		t.Fatalf("employee not linked: %q != %q", emp.DirectoryUserID, dirID)
	}
	if n := countAction(store, ActionUserCreated); n != 1 {
		t.Fatalf("expected exactly one USER_CREATED audit row, got %d", n)
	}
}

func TestOnboardMissingRoleMappingIsNonFatal(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	// LEGAL has no entry in the department table.
	store.PutEmployee(Employee{ID: "emp-9", Email: "l@x.com", Department: "LEGAL"})

	dirID, err := svc.Onboard(ctx, "emp-9")
	if err != nil {
		t.Fatal(err)
	}
	roles, _ := dir.UserRealmRoles(ctx, dirID)
	if len(roles) != 0 {
		t.Fatalf("expected no roles, got %v", roles)
	}
}

func TestOnboardRoleMissingInDirectoryIsNonFatal(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	// FINANCE is mapped but finance-read was never seeded in the directory.
	store.PutEmployee(Employee{ID: "emp-10", Email: "f@x.com", Department: "FINANCE"})

	dirID, err := svc.Onboard(ctx, "emp-10")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dir.GetUser(ctx, dirID); err != nil {
		t.Fatalf("user should exist: %v", err)
	}
}

func TestOnboardCompensatesFailedRoleAssignment(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-123", Email: "alice@x.com", Department: "HR"})
	boom := errors.New("boom")
	dir.ErrAssignRole = boom

	_, err := svc.Onboard(ctx, "emp-123")
	if !errors.Is(err, boom) {
		t.Fatalf("expected original assignment error, got %v", err)
	}

	// The created user must be gone again.
	if _, err := dir.FindUserByEmail(ctx, "alice@x.com"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("compensating delete did not run: %v", err)
	}
	if n := countAction(store, ActionUserCreated); n != 0 {
		t.Fatalf("no USER_CREATED row may survive a compensated failure, got %d", n)
	}
	emp, _ := store.Employee(ctx, "emp-123")
	if emp.DirectoryUserID != "" {
		t.Fatal("employee must stay unlinked")
	}
}

func TestOnboardCreateFailureHasNoSideEffects(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-123", Email: "alice@x.com", Department: "HR"})
	dir.ErrCreateUser = directory.ErrConflict

	if _, err := svc.Onboard(ctx, "emp-123"); !errors.Is(err, directory.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(store.AuditEntries()) != 0 {
		t.Fatal("no audit entries may exist after a failed create")
	}
}

func TestTerminateKillSwitch(t *testing.T) {
	svc, store, dir, sched := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-456", Email: "bob@x.com", Department: "HR"})
	dirID, err := svc.Onboard(ctx, "emp-456")
	if err != nil {
		t.Fatal(err)
	}
	dir.SeedSessions(dirID, 2)

	res, err := svc.Terminate(ctx, "emp-456")
	if err != nil {
		t.Fatal(err)
	}
	if res.DirectoryUserID != dirID {
		t.Fatalf("directory user id = %q", res.DirectoryUserID)
	}
	if res.SessionsRevoked != 2 {
		t.Fatalf("sessions revoked = %d, want 2", res.SessionsRevoked)
	}

	u, _ := dir.GetUser(ctx, dirID)
	if u.Enabled {
		t.Fatal("directory user must be disabled")
	}
	sessions, _ := dir.ListSessions(ctx, dirID)
	if len(sessions) != 0 {
		t.Fatalf("sessions remaining: %d", len(sessions))
	}

	emp, _ := store.Employee(ctx, "emp-456")
	if emp.Status != StatusTerminated || emp.TerminatedAt == nil {
		t.Fatalf("employee state: status=%s terminated_at=%v", emp.Status, emp.TerminatedAt)
	}
	if n := countAction(store, ActionUserTerminated); n != 1 {
		t.Fatalf("USER_TERMINATED rows = %d", n)
	}

	if len(sched.jobs) != 1 {
		t.Fatalf("jobs queued = %d", len(sched.jobs))
	}
	job := sched.jobs[0]
	if job.name != JobDeleteUserFinal {
		t.Fatalf("job name = %q", job.name)
	}
	if job.delay != 72*time.Hour {
		t.Fatalf("job delay = %v, want 72h", job.delay)
	}
	var payload DeletionJob
	if err := json.Unmarshal(job.payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.DirectoryUserID != dirID || payload.EmployeeID != "emp-456" {
		t.Fatalf("job payload = %+v", payload)
	}
	if want := fixedNow.Add(72 * time.Hour); !res.ScheduledDeletionAt.Equal(want) {
		t.Fatalf("scheduled deletion at %v, want %v", res.ScheduledDeletionAt, want)
	}
}

func TestTerminateRequiresDirectoryIdentity(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-1", Email: "a@x.com", Department: "HR"})

	if _, err := svc.Terminate(ctx, "emp-1"); !errors.Is(err, ErrNoDirectoryIdentity) {
		t.Fatalf("expected ErrNoDirectoryIdentity, got %v", err)
	}
	if _, err := svc.Terminate(ctx, "ghost"); !errors.Is(err, ErrEmployeeNotFound) {
		t.Fatalf("expected ErrEmployeeNotFound, got %v", err)
	}
}

func TestDeletePermanentlyIsIdempotentForAbsentUser(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	job := DeletionJob{DirectoryUserID: "never-existed", EmployeeID: "emp-1"}
	if err := svc.DeletePermanently(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeletePermanently(ctx, job); err != nil {
		t.Fatal(err)
	}
	if len(store.AuditEntries()) != 0 {
		t.Fatal("idempotent no-op must not write audit rows")
	}
}

func TestDeletePermanentlyRefusesEnabledUser(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-2", Email: "c@x.com", Department: "HR"})
	dirID, err := svc.Onboard(ctx, "emp-2")
	if err != nil {
		t.Fatal(err)
	}
	// User is still enabled: termination was reversed inside the window.

	err = svc.DeletePermanently(ctx, DeletionJob{DirectoryUserID: dirID, EmployeeID: "emp-2"})
	if !errors.Is(err, ErrDeletionBlocked) {
		t.Fatalf("expected ErrDeletionBlocked, got %v", err)
	}
	if n := countAction(store, ActionDeletionBlocked); n != 1 {
		t.Fatalf("DELETION_BLOCKED rows = %d", n)
	}
	if _, err := dir.GetUser(ctx, dirID); err != nil {
		t.Fatalf("enabled user must never be deleted: %v", err)
	}
	emp, _ := store.Employee(ctx, "emp-2")
	if emp.Status == StatusDeleted {
		t.Fatal("employee must not be marked deleted")
	}
}

func TestDeletePermanentlyDeletesDisabledUser(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-3", Email: "d@x.com", Department: "HR"})
	dirID, err := svc.Onboard(ctx, "emp-3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Terminate(ctx, "emp-3"); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeletePermanently(ctx, DeletionJob{DirectoryUserID: dirID, EmployeeID: "emp-3"}); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.GetUser(ctx, dirID); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("directory user should be gone: %v", err)
	}
	emp, _ := store.Employee(ctx, "emp-3")
	if emp.Status != StatusDeleted || emp.DeletedAt == nil {
		t.Fatalf("employee state: status=%s deleted_at=%v", emp.Status, emp.DeletedAt)
	}
	if n := countAction(store, ActionUserDeleted); n != 1 {
		t.Fatalf("USER_DELETED rows = %d", n)
	}

	// Duplicate delivery of the same job is a no-op.
	if err := svc.DeletePermanently(ctx, DeletionJob{DirectoryUserID: dirID, EmployeeID: "emp-3"}); err != nil {
		t.Fatal(err)
	}
	if n := countAction(store, ActionUserDeleted); n != 1 {
		t.Fatalf("duplicate delivery wrote another USER_DELETED row, total %d", n)
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()

	// Already linked: skipped.
	store.PutEmployee(Employee{ID: "emp-linked", Email: "x@x.com", Department: "HR", DirectoryUserID: "dir-existing"})
	// Will conflict: same email already provisioned directly in the directory.
	if _, err := dir.CreateUser(ctx, directory.User{Username: "dup@x.com", Email: "dup@x.com"}); err != nil {
		t.Fatal(err)
	}
	store.PutEmployee(Employee{ID: "emp-dup", Email: "dup@x.com", Department: "HR"})
	// Healthy candidates.
	store.PutEmployee(Employee{ID: "emp-a", Email: "a@x.com", Department: "HR"})
	store.PutEmployee(Employee{ID: "emp-b", Email: "b@x.com", Department: "EXEC"})

	report, err := svc.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 4 || report.Created != 2 || report.Skipped != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].EmployeeID != "emp-dup" {
		t.Fatalf("errors = %+v", report.Errors)
	}
	if !errors.Is(report.Errors[0].Err, directory.ErrConflict) {
		t.Fatalf("expected conflict for emp-dup, got %v", report.Errors[0].Err)
	}

	if countAction(store, ActionBulkSyncStarted) != 1 || countAction(store, ActionBulkSyncCompleted) != 1 {
		t.Fatalf("bulk sync audit brackets missing: %v", auditActions(store))
	}

	// The failed item left nothing behind; the healthy ones are linked.
	empDup, _ := store.Employee(ctx, "emp-dup")
	if empDup.DirectoryUserID != "" {
		t.Fatal("failed item must stay unlinked")
	}
	empA, _ := store.Employee(ctx, "emp-a")
	if empA.DirectoryUserID == "" {
		t.Fatal("healthy item must be linked")
	}
}

func TestSyncAllHaltsOnAuthenticationFailure(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-a", Email: "a@x.com", Department: "HR"})
	store.PutEmployee(Employee{ID: "emp-b", Email: "b@x.com", Department: "HR"})
	dir.ErrCreateUser = directory.ErrUnauthorized

	report, err := svc.SyncAll(ctx)
	if !errors.Is(err, directory.ErrUnauthorized) {
		t.Fatalf("expected auth failure to abort the run, got %v", err)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("run must halt after the first auth failure, errors = %d", len(report.Errors))
	}
}

func TestForcePasswordResetClassifiesStaleLinkage(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()

	store.PutEmployee(Employee{ID: "emp-ok", Email: "ok@x.com", Department: "HR"})
	if _, err := svc.Onboard(ctx, "emp-ok"); err != nil {
		t.Fatal(err)
	}
	store.PutEmployee(Employee{ID: "emp-stale", Email: "stale@x.com", Department: "HR"})
	staleID, err := svc.Onboard(ctx, "emp-stale")
	if err != nil {
		t.Fatal(err)
	}
	// Remove the stale user behind the service's back.
	if err := dir.DeleteUser(ctx, staleID); err != nil {
		t.Fatal(err)
	}

	report, err := svc.ForcePasswordReset(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 2 || report.Reset != 1 || report.Warnings != 1 {
		t.Fatalf("report = %+v", report)
	}
	if !report.OK {
		t.Fatal("stale linkage is a warning, not a failure")
	}
	if n := countAction(store, ActionPasswordResetForced); n != 1 {
		t.Fatalf("PASSWORD_RESET_FORCED rows = %d", n)
	}
}

func TestForcePasswordResetGenuineErrorFlipsOutcome(t *testing.T) {
	svc, store, dir, _ := newTestService(t)
	ctx := context.Background()
	store.PutEmployee(Employee{ID: "emp-ok", Email: "ok@x.com", Department: "HR"})
	if _, err := svc.Onboard(ctx, "emp-ok"); err != nil {
		t.Fatal(err)
	}
	dir.ErrReset = directory.ErrUnavailable

	report, err := svc.ForcePasswordReset(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK {
		t.Fatal("genuine errors must flip the outcome")
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %+v", report.Errors)
	}
}
