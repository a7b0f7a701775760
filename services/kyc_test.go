package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/certchain-labs/certchain-api/models"
	"github.com/certchain-labs/certchain-api/util"
	"github.com/jonboulle/clockwork"
)

func countRows(t *testing.T, svc *Service, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := svc.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSubmitKYC(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	app, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test"))
	if err != nil {
		t.Fatal(err)
	}
	if app.ID == 0 {
		t.Error("expected an assigned application id")
	}
	if app.Status != models.KYCPending {
		t.Errorf("expected pending status, got %d", app.Status)
	}

	pending, err := svc.ListPendingKYC(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != app.ID {
		t.Errorf("unexpected pending queue %v", pending)
	}
}

func TestSubmitKYCValidation(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}

	tests := map[string]func(a *models.KYCApplication){
		"missing org name":       func(a *models.KYCApplication) { a.OrgName = "" },
		"missing regno":          func(a *models.KYCApplication) { a.RegistrationNumber = "" },
		"missing email":          func(a *models.KYCApplication) { a.Email = "" },
		"missing representative": func(a *models.KYCApplication) { a.Representative = "" },
		"missing wallet":         func(a *models.KYCApplication) { a.WalletAddress = models.Address{} },
		"missing documents":      func(a *models.KYCApplication) { a.DocumentRefs = nil },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			app := testApplication(*wallet.Address, "REG-100", "registrar@university.test")
			mutate(app)
			if _, err := svc.SubmitKYC(context.Background(), app); !errors.Is(err, &ValidationError{}) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSubmitKYCDuplicatePending(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	app, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test"))
	if err != nil {
		t.Fatal(err)
	}

	// Same registration number, different email.
	_, err = svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "other@university.test"))
	if !errors.Is(err, &DuplicateError{}) {
		t.Errorf("expected DuplicateError for pending regno, got %v", err)
	}
	// Same email, different registration number.
	_, err = svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-200", "registrar@university.test"))
	if !errors.Is(err, &DuplicateError{}) {
		t.Errorf("expected DuplicateError for pending email, got %v", err)
	}

	// A terminal application stops blocking resubmission.
	if _, _, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test")); err != nil {
		t.Errorf("resubmission after rejection should succeed, got %v", err)
	}
}

func TestDecideKYCApprove(t *testing.T) {
	svc, _, notifier, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	app, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test"))
	if err != nil {
		t.Fatal(err)
	}

	decided, notified, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != models.KYCApproved {
		t.Errorf("expected approved, got %d", decided.Status)
	}
	if !notified {
		t.Error("expected applicant to be notified")
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != app.Email {
		t.Errorf("unexpected notifications %v", notifier.sent)
	}

	// Issuer and login principal exist.
	issuers, err := svc.ListIssuers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(issuers) != 1 || issuers[0].Email != app.Email || !issuers[0].Authorized {
		t.Errorf("unexpected issuer roster %v", issuers)
	}
	issuer, err := svc.GetIssuer(context.Background(), *wallet.Address)
	if err != nil {
		t.Fatal(err)
	}
	if issuer.Name != app.OrgName || issuer.Email != app.Email {
		t.Errorf("unexpected issuer record %+v", issuer)
	}

	// An unregistered address does not resolve.
	stranger, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetIssuer(context.Background(), *stranger.Address); !errors.Is(err, &NotFoundError{}) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	if n := countRows(t, svc, `SELECT COUNT(*) FROM principals WHERE email = ?;`, app.Email); n != 1 {
		t.Errorf("expected one principal, got %d", n)
	}

	// The pending queue is drained.
	pending, err := svc.ListPendingKYC(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected empty pending queue, got %v", pending)
	}
}

func TestDecideKYCApproveIdempotent(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	app, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test"))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, true); err != nil {
		t.Errorf("repeated approval should converge, got %v", err)
	}

	// Still exactly one issuer and one principal.
	if n := countRows(t, svc, `SELECT COUNT(*) FROM issuers;`); n != 1 {
		t.Errorf("expected one issuer, got %d", n)
	}
	if n := countRows(t, svc, `SELECT COUNT(*) FROM principals;`); n != 1 {
		t.Errorf("expected one principal, got %d", n)
	}

	// The opposite decision is refused.
	if _, _, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, false); !errors.Is(err, &InvalidTransitionError{}) {
		t.Errorf("expected InvalidTransitionError, got %v", err)
	}
}

func TestDecideKYCReject(t *testing.T) {
	svc, _, notifier, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	app, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test"))
	if err != nil {
		t.Fatal(err)
	}

	decided, notified, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != models.KYCRejected {
		t.Errorf("expected rejected, got %d", decided.Status)
	}
	if notified || len(notifier.sent) != 0 {
		t.Error("rejection must not notify")
	}

	// The application is retained in a terminal state, not deleted.
	if n := countRows(t, svc, `SELECT COUNT(*) FROM kyc_applications WHERE id = ?;`, app.ID); n != 1 {
		t.Errorf("expected application to be retained, got %d rows", n)
	}
	// No issuer or principal was created.
	if n := countRows(t, svc, `SELECT COUNT(*) FROM issuers;`); n != 0 {
		t.Errorf("expected no issuers, got %d", n)
	}

	// Repeating the rejection is a no-op; approving afterwards is refused.
	if _, _, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, false); err != nil {
		t.Errorf("repeated rejection should be a no-op, got %v", err)
	}
	if _, _, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, true); !errors.Is(err, &InvalidTransitionError{}) {
		t.Errorf("expected InvalidTransitionError, got %v", err)
	}
}

func TestDecideKYCNotifierFailure(t *testing.T) {
	svc, _, notifier, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	app, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test"))
	if err != nil {
		t.Fatal(err)
	}

	// A broken notifier must not roll back the approval.
	notifier.fail = errors.New("smtp relay down")
	decided, notified, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != models.KYCApproved {
		t.Errorf("expected approved, got %d", decided.Status)
	}
	if notified {
		t.Error("notified flag should be false when delivery fails")
	}
	if n := countRows(t, svc, `SELECT COUNT(*) FROM issuers;`); n != 1 {
		t.Errorf("expected one issuer, got %d", n)
	}
}

func TestDecideKYCErrors(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	app, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test"))
	if err != nil {
		t.Fatal(err)
	}

	// Only admins decide applications; issuing rights are not enough.
	if _, _, err := svc.DecideKYC(context.Background(), registrarPrincipal(), app.ID, true); !errors.Is(err, &AuthorizationError{}) {
		t.Errorf("expected AuthorizationError, got %v", err)
	}
	if _, _, err := svc.DecideKYC(context.Background(), adminPrincipal(), 99, true); !errors.Is(err, &NotFoundError{}) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestSyncIssuerAuthorization(t *testing.T) {
	svc, chain, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	app, err := svc.SubmitKYC(context.Background(), testApplication(*wallet.Address, "REG-100", "registrar@university.test"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.DecideKYC(context.Background(), adminPrincipal(), app.ID, true); err != nil {
		t.Fatal(err)
	}

	// The cached flag starts true; the ledger says otherwise.
	changed, err := svc.SyncIssuerAuthorization(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if changed != 1 {
		t.Errorf("expected one flag change, got %d", changed)
	}
	issuers, err := svc.ListIssuers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(issuers) != 1 || issuers[0].Authorized {
		t.Errorf("expected the issuer to be deauthorized, got %v", issuers)
	}

	// Authorize on-chain and sync again.
	chain.Authorize(*wallet.Address, true)
	changed, err = svc.SyncIssuerAuthorization(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if changed != 1 {
		t.Errorf("expected one flag change, got %d", changed)
	}
	issuers, err = svc.ListIssuers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !issuers[0].Authorized {
		t.Error("expected the issuer to be authorized after sync")
	}
}
