package services

import (
	"context"
	"testing"
	"time"

	"github.com/certchain-labs/certchain-api/models"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

func TestAppendAuditOnce(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	ctx := context.Background()
	if err := svc.appendAuditOnce(ctx, 7, models.AuditApproved, "admin@certchain.test"); err != nil {
		t.Fatal(err)
	}
	if err := svc.appendAuditOnce(ctx, 7, models.AuditApproved, "other@certchain.test"); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.ListAuditLog(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].Actor != "admin@certchain.test" {
		t.Errorf("expected the first writer to win, got %q", entries[0].Actor)
	}

	// The schema itself rejects a second entry for the same transition, so
	// two concurrent writers cannot both land a row.
	_, err = svc.insertAuditStmt.ExecContext(ctx, uuid.NewString(), 7, models.AuditApproved, "x", 0)
	if !isConstraintError(err) {
		t.Errorf("expected a constraint violation, got %v", err)
	}

	// A different action on the same credential is a separate entry.
	if err := svc.appendAuditOnce(ctx, 7, models.AuditRejected, "admin@certchain.test"); err != nil {
		t.Fatal(err)
	}
	entries, err = svc.ListAuditLog(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected two entries, got %d", len(entries))
	}
}
