package services

import (
	"context"

	"github.com/certchain-labs/certchain-api/models"
	"github.com/google/uuid"
)

// appendAuditOnce records a state transition in the audit log. At most one
// entry exists per (credential, action), enforced by a unique constraint so
// that concurrent reconciliations of the same transition cannot both write.
// Retried decisions and resumed issuances reconcile to the same observable
// history as a single success.
func (s *Service) appendAuditOnce(ctx context.Context, credentialID uint64, action, actor string) error {
	err := s.withRetry("append_audit", func() error {
		_, err := s.insertAuditStmt.ExecContext(ctx,
			uuid.NewString(), credentialID, action, actor, s.clock.Now().Unix())
		return err
	})
	if isConstraintError(err) {
		return nil
	}
	return err
}

// ListAuditLog returns the transition history of a credential, oldest first.
func (s *Service) ListAuditLog(ctx context.Context, credentialID uint64) ([]models.AuditLogEntry, error) {
	rows, err := s.listAuditStmt.QueryContext(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.AuditLogEntry, 0, 4)
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.Action, &e.Actor, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
