package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/certchain-labs/certchain-api/database"
	"github.com/certchain-labs/certchain-api/ledger"
	"github.com/certchain-labs/certchain-api/metrics"
	"github.com/certchain-labs/certchain-api/models"
	"github.com/certchain-labs/certchain-api/util"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// recordingNotifier captures notification sends, optionally failing them.
type recordingNotifier struct {
	sent []string
	fail error
}

func (n *recordingNotifier) Send(ctx context.Context, to, template string, data map[string]string) error {
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, to)
	return nil
}

// Create a new service using an in-memory database and an in-memory ledger.
func setupTestService(t *testing.T, clock clockwork.Clock) (*Service, *ledger.MemoryLedger, *recordingNotifier, error) {
	// Each connection to ":memory:" opens a brand new in-memory sql
	// database, so a shared cache name is needed for the pool to see one
	// database. The name is derived from the test so that tests do not
	// observe each other's rows. Make sure the max idle connection limit
	// is > 0 and the connection lifetime is infinite; the in-memory
	// database is deleted when the last connection closes.
	// Reference: https://pkg.go.dev/github.com/mattn/go-sqlite3#section-readme
	db, err := database.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		return nil, nil, nil, err
	}
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(0)
	t.Cleanup(func() {
		db.Close()
	})

	// In-memory ledger with a generated issuer identity.
	issuer, err := util.NewWallet()
	if err != nil {
		return nil, nil, nil, err
	}
	chain := ledger.NewMemoryLedger(*issuer.Address, func() int64 {
		return clock.Now().Unix()
	})

	// Logger
	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		return nil, nil, nil, err
	}

	notifier := &recordingNotifier{}
	config := &ServiceConfig{
		DB:       db,
		Ledger:   chain,
		Notifier: notifier,
		Logger:   logger,
		Clock:    clock,
	}

	_, err = metrics.Init(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		metrics.Deinit()
	})
	return NewService(config), chain, notifier, nil
}

func adminPrincipal() models.Principal {
	return models.Principal{Email: "admin@certchain.test", Role: models.RoleAdmin}
}

func registrarPrincipal() models.Principal {
	return models.Principal{Email: "registrar@university.test", Role: models.RoleIssuer}
}

func holderPrincipal() models.Principal {
	return models.Principal{Email: "student@example.test", Role: models.RoleHolder}
}

// testDraft builds a valid draft for the given holder address.
func testDraft(holder models.Address) *models.CredentialDraft {
	return &models.CredentialDraft{
		HolderName:     "Ada Lovelace",
		HolderAddress:  holder,
		DateOfBirth:    "1998-12-10",
		GraduationDate: "2021-06-15",
		Score:          87.5,
		Grade:          "First Class",
		DegreeType:     "BSc",
		DegreeNumber:   "CS-2021-0042",
		ContentRef:     "bafkreidegree0042",
		Attributes: []models.DisplayAttribute{
			{Label: "Major", Value: "Computer Science"},
			{Label: "Honours", Value: "Summa Cum Laude"},
		},
	}
}

// testApplication builds a valid KYC application.
func testApplication(wallet models.Address, regno, email string) *models.KYCApplication {
	return &models.KYCApplication{
		OrgName:            "University of Example",
		RegistrationNumber: regno,
		Email:              email,
		Representative:     "Grace Hopper",
		WalletAddress:      wallet,
		DocumentRefs:       []string{"bafkreicharter"},
	}
}
