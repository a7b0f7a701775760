package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/certchain-labs/certchain-api/ledger"
	"github.com/certchain-labs/certchain-api/models"
	"github.com/certchain-labs/certchain-api/util"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// draftRow is the persisted form of an issue request, keyed by the caller's
// idempotency key. credential_id stays 0 until a mint has been observed;
// mirrored flips once the off-chain document exists.
type draftRow struct {
	Key          string
	Draft        models.CredentialDraft
	CredentialID uint64
	Mirrored     bool
	IssuedBy     string
}

// IssueCredential drives a draft through mint and mirror creation.
//
// The idempotency key is checked before anything reaches the ledger: a key
// whose mint already happened short-circuits into mirror repair, and a key
// whose mint outcome is unknown (in flight, or timed out) is refused so the
// same logical request can never mint twice.
func (s *Service) IssueCredential(ctx context.Context, p models.Principal, key string, draft *models.CredentialDraft) (*models.Credential, error) {
	if !p.CanIssue() {
		s.m.Counter("issue_unauthorized").Inc()
		return nil, &AuthorizationError{"principal is not allowed to issue credentials"}
	}
	if key == "" {
		return nil, &ValidationError{"missing idempotency key"}
	}
	if err := validateDraft(draft); err != nil {
		s.m.Counter("issue_invalid_draft").Inc()
		return nil, err
	}

	existing, err := s.findDraft(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.CredentialID == 0 {
			s.m.Counter("issue_key_in_flight").Inc()
			return nil, &DuplicateError{"an issuance with this request key is already in flight"}
		}
		s.m.Counter("issue_short_circuit").Inc()
		s.logger.Info("Issue request short-circuited by idempotency key",
			zap.String("key", key),
			zap.Uint64("credentialID", existing.CredentialID))
		return s.completeMirror(ctx, existing)
	}

	payload, err := json.Marshal(draft)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if _, err := s.insertDraftStmt.ExecContext(ctx, key, string(payload), p.Email, now.Unix()); err != nil {
		if isConstraintError(err) {
			return nil, &DuplicateError{"an issuance with this request key is already in flight"}
		}
		return nil, err
	}

	res, err := s.ledger.Mint(ctx, draft.HolderAddress, draft.ContentRef)
	if err != nil {
		if errors.Is(err, &ledger.TimeoutError{}) {
			// Ambiguous: the mint may still land. The draft stays so this
			// key can never reach the ledger again; resolution is manual.
			s.m.Counter("issue_mint_timeout").Inc()
			s.logger.Error("Mint confirmation timed out, issuance frozen for key",
				zap.String("key", key),
				zap.Error(err))
			return nil, err
		}
		// Rejected or unreachable: nothing was minted. Release the key so
		// the caller may retry.
		s.m.Counter("issue_mint_failed").Inc()
		if _, derr := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE idempotency_key = ?;`, key); derr != nil {
			s.logger.Error("Failed to release idempotency key", zap.String("key", key), zap.Error(derr))
		}
		return nil, err
	}

	err = s.withRetry("mark_draft_minted", func() error {
		_, err := s.markDraftMintedStmt.ExecContext(ctx, res.ID, key)
		return err
	})
	if err != nil {
		// The token exists on-chain; the reconcile task cannot find it
		// without the recorded id, so surface loudly.
		s.logger.Error("Minted but failed to record credential id on draft",
			zap.String("key", key),
			zap.Uint64("credentialID", res.ID),
			zap.Error(err))
		return nil, err
	}

	row := &draftRow{Key: key, Draft: *draft, CredentialID: res.ID, IssuedBy: p.Email}
	cred, err := s.finishIssue(ctx, row)
	if err != nil {
		return nil, err
	}

	s.m.Counter("issue_minted").Inc()
	s.logger.Info("Issued credential",
		zap.Uint64("credentialID", res.ID),
		zap.String("holder", draft.HolderAddress.Hex()),
		zap.String("tx", res.TxHash.Hex()),
		zap.String("issuedBy", p.Email))
	return cred, nil
}

// finishIssue writes the mirror document and audit entry for a minted draft.
// The mirror write is a pure local write: it is retried, never re-minted.
func (s *Service) finishIssue(ctx context.Context, row *draftRow) (*models.Credential, error) {
	cred := mirrorFromDraft(row)
	cred.MintedAt = s.clock.Now().Unix()

	// Enrich with on-chain issuance facts; descriptive only, best effort.
	if snap, err := s.ledger.Read(ctx, row.CredentialID); err == nil {
		cred.IssuerAddress = snap.Issuer
		if snap.IssuedAt > 0 {
			cred.MintedAt = snap.IssuedAt
		}
	}

	attrs, err := json.Marshal(cred.Attributes)
	if err != nil {
		return nil, err
	}
	err = s.withRetry("create_mirror", func() error {
		_, err := s.createMirrorStmt.ExecContext(ctx,
			cred.ID, cred.HolderName, addrKey(cred.HolderAddress), addrKey(cred.IssuerAddress),
			cred.DateOfBirth, cred.GraduationDate, cred.Score, cred.Grade,
			cred.DegreeType, cred.DegreeNumber, cred.ContentRef, string(attrs),
			int(cred.Status), cred.IssuedBy, cred.MintedAt)
		return err
	})
	if err != nil && !isConstraintError(err) {
		// The reconcile task retries from the draft row later.
		s.m.Counter("issue_mirror_failed").Inc()
		s.logger.Error("Mint succeeded but mirror write failed",
			zap.Uint64("credentialID", cred.ID),
			zap.Error(err))
		return nil, err
	}
	// A duplicate id means the mirror already exists from an earlier try.

	err = s.withRetry("mark_draft_mirrored", func() error {
		_, err := s.markDraftMirroredStmt.ExecContext(ctx, row.Key)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.appendAuditOnce(ctx, cred.ID, models.AuditIssued, cred.IssuedBy); err != nil {
		return nil, err
	}
	return cred, nil
}

// completeMirror resumes an issuance whose mint is known but whose mirror
// may be missing.
func (s *Service) completeMirror(ctx context.Context, row *draftRow) (*models.Credential, error) {
	cred, err := s.GetCredential(ctx, row.CredentialID)
	if err == nil {
		if !row.Mirrored {
			merr := s.withRetry("mark_draft_mirrored", func() error {
				_, err := s.markDraftMirroredStmt.ExecContext(ctx, row.Key)
				return err
			})
			if merr != nil {
				return nil, merr
			}
		}
		return cred, nil
	}
	if !errors.Is(err, &NotFoundError{}) {
		return nil, err
	}
	return s.finishIssue(ctx, row)
}

// DecideCredential flips a pending credential to a terminal status, ledger
// first, then mirror, then audit. Safe to retry after ambiguous failures:
// the ledger pre-read detects the already-decided case and reconciles the
// mirror without a second transaction.
func (s *Service) DecideCredential(ctx context.Context, p models.Principal, id uint64, decision models.Status) (*models.Credential, error) {
	if !p.CanDecide() {
		s.m.Counter("decide_unauthorized").Inc()
		return nil, &AuthorizationError{"principal is not allowed to decide credentials"}
	}
	if !decision.Terminal() {
		return nil, &ValidationError{"decision must be approved or rejected"}
	}

	mirror, err := s.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}

	snap, err := s.ledger.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case snap.Status == decision:
		// Already in the target state on-chain; a previous call got there
		// (possibly one whose confirmation we never observed). Reconcile.
		s.m.Counter("decide_noop").Inc()
		return s.reconcileDecision(ctx, p, mirror, decision)
	case snap.Status.Terminal():
		s.m.Counter("decide_conflict").Inc()
		return nil, &InvalidTransitionError{
			fmt.Sprintf("credential %d is already %s", id, snap.Status)}
	}

	txHash, err := s.ledger.SetStatus(ctx, id, decision)
	if err != nil {
		if errors.Is(err, &ledger.RejectedError{}) {
			// Raced another decision to the ledger. Re-read and interpret.
			snap, rerr := s.ledger.Read(ctx, id)
			if rerr == nil && snap.Status == decision {
				s.m.Counter("decide_race_noop").Inc()
				return s.reconcileDecision(ctx, p, mirror, decision)
			}
			if rerr == nil && snap.Status.Terminal() {
				s.m.Counter("decide_conflict").Inc()
				return nil, &InvalidTransitionError{
					fmt.Sprintf("credential %d is already %s", id, snap.Status)}
			}
		}
		// Timeouts propagate as-is: decide is safe to re-invoke.
		return nil, err
	}

	s.logger.Info("Decided credential",
		zap.Uint64("credentialID", id),
		zap.String("decision", decision.String()),
		zap.String("tx", txHash.Hex()),
		zap.String("decidedBy", p.Email))
	s.m.Counter("decide_" + decision.String()).Inc()
	return s.reconcileDecision(ctx, p, mirror, decision)
}

// reconcileDecision brings the mirror in line with a ledger status that is
// already final, appending the audit entry for the transition exactly once.
func (s *Service) reconcileDecision(ctx context.Context, p models.Principal, mirror *models.Credential, decision models.Status) (*models.Credential, error) {
	if mirror.Status != decision {
		err := s.withRetry("update_mirror_status", func() error {
			_, err := s.updateMirrorStatusStmt.ExecContext(ctx, int(decision), mirror.ID)
			return err
		})
		if err != nil {
			return nil, err
		}
		mirror.Status = decision
	}

	action := models.AuditApproved
	if decision == ledger.StatusRejected {
		action = models.AuditRejected
	}
	if err := s.appendAuditOnce(ctx, mirror.ID, action, p.Email); err != nil {
		return nil, err
	}
	return mirror, nil
}

// GetCredential returns the mirror document for a credential id.
func (s *Service) GetCredential(ctx context.Context, id uint64) (*models.Credential, error) {
	row := s.findMirrorStmt.QueryRowContext(ctx, id)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{fmt.Sprintf("no credential with id %d", id)}
	}
	return cred, err
}

// ListCredentials returns mirror documents, optionally filtered by issuer
// address and/or status. Plain reads; last write visible.
func (s *Service) ListCredentials(ctx context.Context, issuer string, status *models.Status) ([]*models.Credential, error) {
	query := `
		SELECT id, holder_name, holder_address, issuer_address, date_of_birth,
			graduation_date, score, grade, degree_type, degree_number,
			content_ref, attributes, status, issued_by, minted_at
		FROM credentials WHERE 1=1`
	args := []interface{}{}

	if issuer != "" {
		addr, err := util.NormalizeAddress(issuer)
		if err != nil {
			return nil, &ValidationError{"invalid issuer address filter"}
		}
		query += ` AND issuer_address = ?`
		args = append(args, addrKey(addr))
	}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, int(*status))
	}
	query += ` ORDER BY id;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.Credential, 0, 16)
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// RepairUnmirrored retries mirror creation for drafts whose mint was
// recorded but whose mirror write never completed. Invoked by the
// background reconcile task. Returns the number of repaired credentials.
func (s *Service) RepairUnmirrored(ctx context.Context) (int, error) {
	rows, err := s.listUnmirroredDraftsStmt.QueryContext(ctx)
	if err != nil {
		return 0, err
	}

	pending := make([]*draftRow, 0, 4)
	for rows.Next() {
		var row draftRow
		var payload string
		var createdAt int64
		if err := rows.Scan(&row.Key, &payload, &row.CredentialID, &row.IssuedBy, &createdAt); err != nil {
			rows.Close()
			return 0, err
		}
		if err := json.Unmarshal([]byte(payload), &row.Draft); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, &row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	repaired := 0
	for _, row := range pending {
		if _, err := s.completeMirror(ctx, row); err != nil {
			s.logger.Warn("Mirror repair failed",
				zap.String("key", row.Key),
				zap.Uint64("credentialID", row.CredentialID),
				zap.Error(err))
			continue
		}
		repaired++
		s.m.Counter("mirror_repaired").Inc()
	}
	return repaired, nil
}

// RepairIssuerAddresses backfills mirror rows whose issuer address is still
// zero because the post-mint ledger read failed. Issuer-filtered listings
// miss such rows until this heals them. Invoked by the background reconcile
// task. Returns the number of backfilled credentials.
func (s *Service) RepairIssuerAddresses(ctx context.Context) (int, error) {
	rows, err := s.listZeroIssuerMirrorsStmt.QueryContext(ctx, addrKey(common.Address{}))
	if err != nil {
		return 0, err
	}

	ids := make([]uint64, 0, 4)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	repaired := 0
	for _, id := range ids {
		snap, err := s.ledger.Read(ctx, id)
		if err != nil {
			s.logger.Warn("Issuer backfill read failed",
				zap.Uint64("credentialID", id),
				zap.Error(err))
			continue
		}
		err = s.withRetry("backfill_issuer", func() error {
			_, err := s.updateMirrorIssuerStmt.ExecContext(ctx, addrKey(snap.Issuer), snap.IssuedAt, id)
			return err
		})
		if err != nil {
			return repaired, err
		}
		repaired++
		s.m.Counter("issuer_backfilled").Inc()
	}
	return repaired, nil
}

func (s *Service) findDraft(ctx context.Context, key string) (*draftRow, error) {
	var payload string
	var mirrored int
	row := &draftRow{Key: key}
	err := s.findDraftStmt.QueryRowContext(ctx, key).
		Scan(&payload, &row.CredentialID, &mirrored, &row.IssuedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &row.Draft); err != nil {
		return nil, err
	}
	row.Mirrored = mirrored != 0
	return row, nil
}

func mirrorFromDraft(row *draftRow) *models.Credential {
	return &models.Credential{
		ID:             row.CredentialID,
		HolderName:     row.Draft.HolderName,
		HolderAddress:  row.Draft.HolderAddress,
		DateOfBirth:    row.Draft.DateOfBirth,
		GraduationDate: row.Draft.GraduationDate,
		Score:          row.Draft.Score,
		Grade:          row.Draft.Grade,
		DegreeType:     row.Draft.DegreeType,
		DegreeNumber:   row.Draft.DegreeNumber,
		ContentRef:     row.Draft.ContentRef,
		Attributes:     row.Draft.Attributes,
		Status:         ledger.StatusPending,
		IssuedBy:       row.IssuedBy,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var cred models.Credential
	var holderAddr, issuerAddr, attrs string
	var status int
	err := row.Scan(&cred.ID, &cred.HolderName, &holderAddr, &issuerAddr,
		&cred.DateOfBirth, &cred.GraduationDate, &cred.Score, &cred.Grade,
		&cred.DegreeType, &cred.DegreeNumber, &cred.ContentRef, &attrs,
		&status, &cred.IssuedBy, &cred.MintedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &cred.Attributes); err != nil {
		return nil, err
	}
	cred.HolderAddress, _ = util.NormalizeAddress(holderAddr)
	cred.IssuerAddress, _ = util.NormalizeAddress(issuerAddr)
	cred.Status = models.Status(status)
	return &cred, nil
}

// validateDraft checks that every required descriptive field is present and
// that every display attribute carries both a label and a value. Nothing
// reaches the ledger when this fails.
func validateDraft(draft *models.CredentialDraft) error {
	if draft == nil {
		return &ValidationError{"missing credential draft"}
	}
	required := map[string]string{
		"holderName":     draft.HolderName,
		"dateOfBirth":    draft.DateOfBirth,
		"graduationDate": draft.GraduationDate,
		"grade":          draft.Grade,
		"degreeType":     draft.DegreeType,
		"degreeNumber":   draft.DegreeNumber,
		"contentRef":     draft.ContentRef,
	}
	for field, value := range required {
		if value == "" {
			return &ValidationError{"missing required field " + field}
		}
	}
	if util.IsZeroAddress(draft.HolderAddress) {
		return &ValidationError{"missing holder address"}
	}
	if draft.Score < 0 {
		return &ValidationError{"score must not be negative"}
	}
	for i, attr := range draft.Attributes {
		if attr.Label == "" || attr.Value == "" {
			return &ValidationError{fmt.Sprintf("display attribute %d needs both label and value", i)}
		}
	}
	return nil
}
