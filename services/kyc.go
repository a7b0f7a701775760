package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/certchain-labs/certchain-api/models"
	"github.com/certchain-labs/certchain-api/util"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const kycApprovedTemplate = "kyc_approved"

// SubmitKYC files an onboarding application. Registration number and email
// must be unique within the Pending set; terminal applications do not block
// a fresh submission.
func (s *Service) SubmitKYC(ctx context.Context, app *models.KYCApplication) (*models.KYCApplication, error) {
	if err := validateKYC(app); err != nil {
		s.m.Counter("kyc_invalid").Inc()
		return nil, err
	}

	refs, err := json.Marshal(app.DocumentRefs)
	if err != nil {
		return nil, err
	}

	app.Status = models.KYCPending
	app.SubmittedAt = s.clock.Now().Unix()
	res, err := s.insertKYCStmt.ExecContext(ctx,
		app.OrgName, app.RegistrationNumber, app.Email, app.Representative,
		addrKey(app.WalletAddress), string(refs), int(app.Status), app.SubmittedAt)
	if err != nil {
		if isConstraintError(err) {
			s.m.Counter("kyc_duplicate").Inc()
			return nil, &DuplicateError{
				"an application with this registration number or email is already pending"}
		}
		return nil, err
	}

	app.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	s.m.Counter("kyc_submitted").Inc()
	s.logger.Info("KYC application submitted",
		zap.Int64("applicationID", app.ID),
		zap.String("org", app.OrgName),
		zap.String("registrationNumber", app.RegistrationNumber))
	return app, nil
}

// ListPendingKYC returns applications awaiting a decision, oldest first.
func (s *Service) ListPendingKYC(ctx context.Context) ([]*models.KYCApplication, error) {
	rows, err := s.listPendingKYCStmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.KYCApplication, 0, 8)
	for rows.Next() {
		app, err := scanKYC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// DecideKYC approves or rejects an application. Approval creates the issuer
// record and a login principal with find-or-create semantics, so a retried
// approval converges on the same end state. The returned flag reports
// whether the applicant notification went out; a failed notice is a warning,
// never a rollback.
//
// Rejected applications are retained in a terminal state rather than
// deleted, so the trail of who applied and why stays available.
func (s *Service) DecideKYC(ctx context.Context, p models.Principal, id int64, approve bool) (*models.KYCApplication, bool, error) {
	if !p.IsAdmin() {
		s.m.Counter("kyc_decide_unauthorized").Inc()
		return nil, false, &AuthorizationError{"only admins may decide applications"}
	}

	app, err := s.getKYC(ctx, id)
	if err != nil {
		return nil, false, err
	}

	switch app.Status {
	case models.KYCApproved:
		if !approve {
			return nil, false, &InvalidTransitionError{
				fmt.Sprintf("application %d is already approved", id)}
		}
		// Re-run the side effects; find-or-create heals partial failures.
	case models.KYCRejected:
		if approve {
			return nil, false, &InvalidTransitionError{
				fmt.Sprintf("application %d is already rejected", id)}
		}
		return app, false, nil
	}

	if !approve {
		err := s.withRetry("kyc_reject", func() error {
			_, err := s.updateKYCStatusStmt.ExecContext(ctx, int(models.KYCRejected), id)
			return err
		})
		if err != nil {
			return nil, false, err
		}
		app.Status = models.KYCRejected
		s.m.Counter("kyc_rejected").Inc()
		s.logger.Info("KYC application rejected",
			zap.Int64("applicationID", id),
			zap.String("decidedBy", p.Email))
		return app, false, nil
	}

	// Approval side effects are off-chain only and run in one transaction.
	password, created, err := s.approveApplication(ctx, app)
	if err != nil {
		return nil, false, err
	}
	app.Status = models.KYCApproved
	s.m.Counter("kyc_approved").Inc()
	s.logger.Info("KYC application approved",
		zap.Int64("applicationID", id),
		zap.String("org", app.OrgName),
		zap.String("decidedBy", p.Email))

	// Best-effort notification; failure is logged and surfaced as a warning.
	data := map[string]string{"org": app.OrgName}
	if created {
		data["defaultPassword"] = password
	}
	if err := s.notifier.Send(ctx, app.Email, kycApprovedTemplate, data); err != nil {
		s.m.Counter("kyc_notify_failed").Inc()
		s.logger.Warn("Failed to notify applicant of approval",
			zap.Int64("applicationID", id),
			zap.String("email", app.Email),
			zap.Error(err))
		return app, false, nil
	}
	return app, true, nil
}

// approveApplication creates the issuer and principal records if absent and
// marks the application approved. Returns the principal's generated default
// password when a new principal was created.
func (s *Service) approveApplication(ctx context.Context, app *models.KYCApplication) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer rollback(tx)

	// Issuer: find-or-create by email.
	var existing string
	err = tx.Stmt(s.findIssuerByEmailStmt).QueryRowContext(ctx, app.Email).
		Scan(&existing, new(string), new(string), new(bool))
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.Stmt(s.insertIssuerStmt).ExecContext(ctx,
			addrKey(app.WalletAddress), app.OrgName, app.Email, true)
	}
	if err != nil {
		return "", false, err
	}

	// Principal: find-or-create by email, with a system-assigned password.
	var password string
	var created bool
	err = tx.Stmt(s.findPrincipalStmt).QueryRowContext(ctx, app.Email).
		Scan(new(string), new(string))
	if errors.Is(err, sql.ErrNoRows) {
		password, err = randomPassword()
		if err != nil {
			return "", false, err
		}
		var hash []byte
		hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", false, err
		}
		created = true
		_, err = tx.Stmt(s.insertPrincipalStmt).ExecContext(ctx,
			app.Email, string(models.RoleIssuer), hash, s.clock.Now().Unix())
	}
	if err != nil {
		return "", false, err
	}

	if _, err := tx.Stmt(s.updateKYCStatusStmt).ExecContext(ctx, int(models.KYCApproved), app.ID); err != nil {
		return "", false, err
	}

	return password, created, tx.Commit()
}

// ListIssuers returns all known issuers.
func (s *Service) ListIssuers(ctx context.Context) ([]*models.Issuer, error) {
	rows, err := s.listIssuersStmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.Issuer, 0, 8)
	for rows.Next() {
		var iss models.Issuer
		var addr string
		if err := rows.Scan(&addr, &iss.Name, &iss.Email, &iss.Authorized); err != nil {
			return nil, err
		}
		iss.Address, _ = util.NormalizeAddress(addr)
		out = append(out, &iss)
	}
	return out, rows.Err()
}

// GetIssuer returns the issuer registered under the given wallet address.
func (s *Service) GetIssuer(ctx context.Context, address models.Address) (*models.Issuer, error) {
	var iss models.Issuer
	var addr string
	err := s.findIssuerByAddressStmt.QueryRowContext(ctx, addrKey(address)).
		Scan(&addr, &iss.Name, &iss.Email, &iss.Authorized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{fmt.Sprintf("no issuer with address %s", address.Hex())}
	}
	if err != nil {
		return nil, err
	}
	iss.Address, _ = util.NormalizeAddress(addr)
	return &iss, nil
}

// SyncIssuerAuthorization refreshes each issuer's cached authorization flag
// from the ledger's per-address state. Invoked by the reconcile task.
// Returns the number of flags that changed.
func (s *Service) SyncIssuerAuthorization(ctx context.Context) (int, error) {
	issuers, err := s.ListIssuers(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, iss := range issuers {
		onChain, err := s.ledger.IssuerAuthorized(ctx, iss.Address)
		if err != nil {
			s.logger.Warn("Failed to read issuer authorization",
				zap.String("issuer", iss.Address.Hex()),
				zap.Error(err))
			continue
		}
		if onChain == iss.Authorized {
			continue
		}
		err = s.withRetry("sync_issuer_authorized", func() error {
			_, err := s.updateIssuerAuthorizedStmt.ExecContext(ctx, onChain, addrKey(iss.Address))
			return err
		})
		if err != nil {
			return changed, err
		}
		changed++
		s.m.Counter("issuer_flag_synced").Inc()
		s.logger.Info("Issuer authorization flag re-synced from ledger",
			zap.String("issuer", iss.Address.Hex()),
			zap.Bool("authorized", onChain))
	}
	return changed, nil
}

func (s *Service) getKYC(ctx context.Context, id int64) (*models.KYCApplication, error) {
	app, err := scanKYC(s.findKYCStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{fmt.Sprintf("no application with id %d", id)}
	}
	return app, err
}

func scanKYC(row rowScanner) (*models.KYCApplication, error) {
	var app models.KYCApplication
	var addr, refs string
	var status int
	err := row.Scan(&app.ID, &app.OrgName, &app.RegistrationNumber, &app.Email,
		&app.Representative, &addr, &refs, &status, &app.SubmittedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(refs), &app.DocumentRefs); err != nil {
		return nil, err
	}
	app.WalletAddress, _ = util.NormalizeAddress(addr)
	app.Status = models.KYCStatus(status)
	return &app, nil
}

func validateKYC(app *models.KYCApplication) error {
	if app == nil {
		return &ValidationError{"missing application"}
	}
	required := map[string]string{
		"orgName":            app.OrgName,
		"registrationNumber": app.RegistrationNumber,
		"email":              app.Email,
		"representative":     app.Representative,
	}
	for field, value := range required {
		if value == "" {
			return &ValidationError{"missing required field " + field}
		}
	}
	if util.IsZeroAddress(app.WalletAddress) {
		return &ValidationError{"missing wallet address"}
	}
	if len(app.DocumentRefs) == 0 {
		return &ValidationError{"at least one supporting document is required"}
	}
	return nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
