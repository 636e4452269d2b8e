package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGPoliciesCreateFirstVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT max\(version\) FROM policies`).
		WithArgs("tenant-1", "read-docs").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(`INSERT INTO policies`).
		WithArgs("pol-1", "tenant-1", "read-docs", EffectAllow, "document", 10, 1,
			StatusActive, `action == "read"`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	pol := &Policy{
		ID:           "pol-1",
		TenantID:     "tenant-1",
		Name:         "read-docs",
		Effect:       EffectAllow,
		ResourceType: "document",
		Priority:     10,
		Status:       StatusActive,
		Rule:         `action == "read"`,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	store := NewPGStore(db).Policies(context.Background())
	if err := store.Create(context.Background(), pol); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if pol.Version != 1 {
		t.Fatalf("version = %d, want 1", pol.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGPoliciesCreateArchivesPriorVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT max\(version\) FROM policies`).
		WithArgs("tenant-1", "read-docs").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectExec(`UPDATE policies SET status`).
		WithArgs(StatusArchived, sqlmock.AnyArg(), "tenant-1", "read-docs", StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO policies`).
		WithArgs("pol-2", "tenant-1", "read-docs", EffectAllow, "", 10, 4,
			StatusActive, `action == "read"`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	pol := &Policy{
		ID:       "pol-2",
		TenantID: "tenant-1",
		Name:     "read-docs",
		Effect:   EffectAllow,
		Priority: 10,
		Status:   StatusActive,
		Rule:     `action == "read"`,
	}
	store := NewPGStore(db).Policies(context.Background())
	if err := store.Create(context.Background(), pol); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if pol.Version != 4 {
		t.Fatalf("version = %d, want 4", pol.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGPoliciesSetStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE policies SET status`).
		WithArgs(StatusArchived, "tenant-1", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGStore(db).Policies(context.Background())
	err = store.SetStatus(context.Background(), "tenant-1", "missing", StatusArchived)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGRBACPermissionKeysRespectsValidityWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT DISTINCT p.key`).
		WithArgs("agent-1", "tenant-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("audit:read").
			AddRow("policy:manage"))

	rbac := NewPGStore(db).RBAC(context.Background())
	keys, err := rbac.PermissionKeys(context.Background(), "tenant-1", "agent-1", at)
	if err != nil {
		t.Fatalf("PermissionKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "audit:read" || keys[1] != "policy:manage" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
