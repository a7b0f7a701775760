package services

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/certchain-labs/certchain-api/ledger"
	"github.com/certchain-labs/certchain-api/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

type ValidationError struct {
	msg string
}

func (v *ValidationError) Error() string {
	return v.msg
}

func (v *ValidationError) Is(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

type AuthorizationError struct {
	msg string
}

func (a *AuthorizationError) Error() string {
	return a.msg
}

func (a *AuthorizationError) Is(err error) bool {
	_, ok := err.(*AuthorizationError)
	return ok
}

type NotFoundError struct {
	msg string
}

func (n *NotFoundError) Error() string {
	return n.msg
}

func (n *NotFoundError) Is(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

type DuplicateError struct {
	msg string
}

func (d *DuplicateError) Error() string {
	return d.msg
}

func (d *DuplicateError) Is(err error) bool {
	_, ok := err.(*DuplicateError)
	return ok
}

type InvalidTransitionError struct {
	msg string
}

func (i *InvalidTransitionError) Error() string {
	return i.msg
}

func (i *InvalidTransitionError) Is(err error) bool {
	_, ok := err.(*InvalidTransitionError)
	return ok
}

type MalformedQueryError struct {
	msg string
}

func (m *MalformedQueryError) Error() string {
	return m.msg
}

func (m *MalformedQueryError) Is(err error) bool {
	_, ok := err.(*MalformedQueryError)
	return ok
}

// Notifier delivers best-effort notices to applicants. Failures are logged
// and never roll back the operation that triggered them.
type Notifier interface {
	Send(ctx context.Context, to, template string, data map[string]string) error
}

// ServiceConfig contains the configuration for a Service.
type ServiceConfig struct {
	DB       *sql.DB
	Ledger   ledger.Client
	Notifier Notifier
	Logger   *zap.Logger
	Clock    clockwork.Clock
}

// Services contain business logic, are responsible for interacting with the
// database and the on-chain registry. They are called by the API handlers.
//
// The service owns no lock of its own: correctness under concurrent calls
// relies on the ledger serializing writes per credential id and on the
// idempotent retry rules of the coordinator.
type Service struct {
	// On-chain registry; authoritative for status, ownership, issuance.
	ledger ledger.Client

	notifier Notifier

	// Verification term classification.
	credentialIDRegexp  *regexp.Regexp
	holderAddressRegexp *regexp.Regexp

	// Database
	db                         *sql.DB
	createMirrorStmt           *sql.Stmt
	updateMirrorStatusStmt     *sql.Stmt
	updateMirrorIssuerStmt     *sql.Stmt
	findMirrorStmt             *sql.Stmt
	listZeroIssuerMirrorsStmt  *sql.Stmt
	insertDraftStmt            *sql.Stmt
	findDraftStmt              *sql.Stmt
	markDraftMintedStmt        *sql.Stmt
	markDraftMirroredStmt      *sql.Stmt
	listUnmirroredDraftsStmt   *sql.Stmt
	insertAuditStmt            *sql.Stmt
	listAuditStmt              *sql.Stmt
	insertKYCStmt              *sql.Stmt
	findKYCStmt                *sql.Stmt
	listPendingKYCStmt         *sql.Stmt
	updateKYCStatusStmt        *sql.Stmt
	findIssuerByEmailStmt      *sql.Stmt
	findIssuerByAddressStmt    *sql.Stmt
	insertIssuerStmt           *sql.Stmt
	listIssuersStmt            *sql.Stmt
	updateIssuerAuthorizedStmt *sql.Stmt
	findPrincipalStmt          *sql.Stmt
	insertPrincipalStmt        *sql.Stmt

	m      *metrics.MetricsRegistry
	logger *zap.Logger

	clock clockwork.Clock
}

func NewService(config *ServiceConfig) *Service {
	return &Service{
		ledger:              config.Ledger,
		notifier:            config.Notifier,
		db:                  config.DB,
		credentialIDRegexp:  regexp.MustCompile(credentialIDPattern),
		holderAddressRegexp: regexp.MustCompile(holderAddressPattern),
		logger:              config.Logger,
		clock:               config.Clock,
	}
}

func (s *Service) Init() error {
	s.m = metrics.NewMetricsRegistry("service")
	if err := s.createTables(); err != nil {
		return err
	}
	return s.prepareStatements()
}

func (s *Service) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			id INTEGER PRIMARY KEY,
			holder_name TEXT NOT NULL,
			holder_address TEXT NOT NULL,
			issuer_address TEXT NOT NULL,
			date_of_birth TEXT NOT NULL,
			graduation_date TEXT NOT NULL,
			score REAL NOT NULL,
			grade TEXT NOT NULL,
			degree_type TEXT NOT NULL,
			degree_number TEXT NOT NULL,
			content_ref TEXT NOT NULL,
			attributes TEXT NOT NULL,
			status INTEGER CHECK (status >= 0 AND status <= 2) NOT NULL,
			issued_by TEXT NOT NULL,
			minted_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS drafts (
			idempotency_key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			credential_id INTEGER NOT NULL DEFAULT 0,
			mirrored INTEGER NOT NULL DEFAULT 0,
			issued_by TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS issuers (
			address TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			authorized INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS principals (
			email TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			password_hash BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS kyc_applications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			org_name TEXT NOT NULL,
			registration_number TEXT NOT NULL,
			email TEXT NOT NULL,
			representative TEXT NOT NULL,
			wallet_address TEXT NOT NULL,
			document_refs TEXT NOT NULL,
			status INTEGER CHECK (status >= 0 AND status <= 2) NOT NULL,
			submitted_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS kyc_pending_regno
			ON kyc_applications (registration_number) WHERE status = 0;
		CREATE UNIQUE INDEX IF NOT EXISTS kyc_pending_email
			ON kyc_applications (email) WHERE status = 0;
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			credential_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			UNIQUE (credential_id, action)
		);
		CREATE INDEX IF NOT EXISTS audit_log_credential
			ON audit_log (credential_id, timestamp);
	`)
	return err
}

func (s *Service) prepareStatements() error {
	var err error

	if s.createMirrorStmt, err = s.db.Prepare(`
		INSERT INTO credentials (
			id, holder_name, holder_address, issuer_address, date_of_birth,
			graduation_date, score, grade, degree_type, degree_number,
			content_ref, attributes, status, issued_by, minted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.updateMirrorStatusStmt, err = s.db.Prepare(`
		UPDATE credentials SET status = ? WHERE id = ?;
	`); err != nil {
		return err
	}

	if s.updateMirrorIssuerStmt, err = s.db.Prepare(`
		UPDATE credentials SET issuer_address = ?, minted_at = ? WHERE id = ?;
	`); err != nil {
		return err
	}

	if s.findMirrorStmt, err = s.db.Prepare(`
		SELECT id, holder_name, holder_address, issuer_address, date_of_birth,
			graduation_date, score, grade, degree_type, degree_number,
			content_ref, attributes, status, issued_by, minted_at
		FROM credentials WHERE id = ?;
	`); err != nil {
		return err
	}

	if s.listZeroIssuerMirrorsStmt, err = s.db.Prepare(`
		SELECT id FROM credentials WHERE issuer_address = ?;
	`); err != nil {
		return err
	}

	if s.insertDraftStmt, err = s.db.Prepare(`
		INSERT INTO drafts (idempotency_key, payload, issued_by, created_at)
		VALUES (?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.findDraftStmt, err = s.db.Prepare(`
		SELECT payload, credential_id, mirrored, issued_by FROM drafts
		WHERE idempotency_key = ?;
	`); err != nil {
		return err
	}

	if s.markDraftMintedStmt, err = s.db.Prepare(`
		UPDATE drafts SET credential_id = ? WHERE idempotency_key = ?;
	`); err != nil {
		return err
	}

	if s.markDraftMirroredStmt, err = s.db.Prepare(`
		UPDATE drafts SET mirrored = 1 WHERE idempotency_key = ?;
	`); err != nil {
		return err
	}

	if s.listUnmirroredDraftsStmt, err = s.db.Prepare(`
		SELECT idempotency_key, payload, credential_id, issued_by, created_at
		FROM drafts WHERE credential_id > 0 AND mirrored = 0;
	`); err != nil {
		return err
	}

	if s.insertAuditStmt, err = s.db.Prepare(`
		INSERT INTO audit_log (id, credential_id, action, actor, timestamp)
		VALUES (?, ?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.listAuditStmt, err = s.db.Prepare(`
		SELECT id, credential_id, action, actor, timestamp FROM audit_log
		WHERE credential_id = ? ORDER BY timestamp, id;
	`); err != nil {
		return err
	}

	if s.insertKYCStmt, err = s.db.Prepare(`
		INSERT INTO kyc_applications (
			org_name, registration_number, email, representative,
			wallet_address, document_refs, status, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.findKYCStmt, err = s.db.Prepare(`
		SELECT id, org_name, registration_number, email, representative,
			wallet_address, document_refs, status, submitted_at
		FROM kyc_applications WHERE id = ?;
	`); err != nil {
		return err
	}

	if s.listPendingKYCStmt, err = s.db.Prepare(`
		SELECT id, org_name, registration_number, email, representative,
			wallet_address, document_refs, status, submitted_at
		FROM kyc_applications WHERE status = 0 ORDER BY submitted_at, id;
	`); err != nil {
		return err
	}

	if s.updateKYCStatusStmt, err = s.db.Prepare(`
		UPDATE kyc_applications SET status = ? WHERE id = ?;
	`); err != nil {
		return err
	}

	if s.findIssuerByEmailStmt, err = s.db.Prepare(`
		SELECT address, name, email, authorized FROM issuers WHERE email = ?;
	`); err != nil {
		return err
	}

	if s.findIssuerByAddressStmt, err = s.db.Prepare(`
		SELECT address, name, email, authorized FROM issuers WHERE address = ?;
	`); err != nil {
		return err
	}

	if s.insertIssuerStmt, err = s.db.Prepare(`
		INSERT INTO issuers (address, name, email, authorized) VALUES (?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.listIssuersStmt, err = s.db.Prepare(`
		SELECT address, name, email, authorized FROM issuers ORDER BY name;
	`); err != nil {
		return err
	}

	if s.updateIssuerAuthorizedStmt, err = s.db.Prepare(`
		UPDATE issuers SET authorized = ? WHERE address = ?;
	`); err != nil {
		return err
	}

	if s.findPrincipalStmt, err = s.db.Prepare(`
		SELECT email, role FROM principals WHERE email = ?;
	`); err != nil {
		return err
	}

	if s.insertPrincipalStmt, err = s.db.Prepare(`
		INSERT INTO principals (email, role, password_hash, created_at)
		VALUES (?, ?, ?, ?);
	`); err != nil {
		return err
	}

	return nil
}

func (s *Service) Deinit() {
	// Close prepared statements
	for _, stmt := range []**sql.Stmt{
		&s.createMirrorStmt,
		&s.updateMirrorStatusStmt,
		&s.updateMirrorIssuerStmt,
		&s.findMirrorStmt,
		&s.listZeroIssuerMirrorsStmt,
		&s.insertDraftStmt,
		&s.findDraftStmt,
		&s.markDraftMintedStmt,
		&s.markDraftMirroredStmt,
		&s.listUnmirroredDraftsStmt,
		&s.insertAuditStmt,
		&s.listAuditStmt,
		&s.insertKYCStmt,
		&s.findKYCStmt,
		&s.listPendingKYCStmt,
		&s.updateKYCStatusStmt,
		&s.findIssuerByEmailStmt,
		&s.findIssuerByAddressStmt,
		&s.insertIssuerStmt,
		&s.listIssuersStmt,
		&s.updateIssuerAuthorizedStmt,
		&s.findPrincipalStmt,
		&s.insertPrincipalStmt,
	} {
		if *stmt == nil {
			continue
		}
		(*stmt).Close()
		*stmt = nil
	}
}

var (
	// The delay between retries for recoverable local writes.
	// Values are taken from SQLite's default busy handler.
	dbTryDelayMs = []int{1, 2, 5, 10, 15, 20, 25, 25, 25, 50, 50, 100}
)

// withRetry re-runs a local write while it fails with a recoverable SQLite
// error. Mirror writes after a successful mint go through here: they cannot
// fail for business reasons, only transiently, and must eventually land.
func (s *Service) withRetry(op string, fn func() error) error {
	var err error
	for try := range dbTryDelayMs {
		if err = fn(); err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if !errors.As(err, &sqliteErr) {
			return err
		}
		if sqliteErr.Code != sqlite3.ErrLocked &&
			sqliteErr.Code != sqlite3.ErrBusy {
			return err
		}

		sleepFor := dbTryDelayMs[try]
		s.logger.Warn("Local write failed. Retrying",
			zap.String("op", op),
			zap.Int("try", try),
			zap.Int("retryMs", sleepFor),
			zap.Error(err),
		)
		s.clock.Sleep(time.Duration(sleepFor) * time.Millisecond)
	}
	return err
}

// isConstraintError reports whether err is a SQLite uniqueness violation.
func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// addrKey normalizes an address for storage and comparison.
func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
