package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/certchain-labs/certchain-api/ledger"
	"github.com/certchain-labs/certchain-api/models"
	"github.com/certchain-labs/certchain-api/util"
	"github.com/jonboulle/clockwork"
)

func TestResolveTermMalformed(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	terms := []string{
		"",
		"abc",
		"12x",
		"0x1234",
		"0xZZ5aAeb6053F3E94C9b9A09f33669435E7Ef1BeA",
		"degree-number-42",
	}
	for _, term := range terms {
		if _, err := svc.ResolveTerm(context.Background(), term); !errors.Is(err, &MalformedQueryError{}) {
			t.Errorf("term %q: expected MalformedQueryError, got %v", term, err)
		}
	}
}

func TestResolveTermByID(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	holder, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	cred, err := svc.IssueCredential(context.Background(), registrarPrincipal(), "req-001", testDraft(*holder.Address))
	if err != nil {
		t.Fatal(err)
	}

	// Register the minting address as a known issuer so the record can be
	// enriched with its institution details.
	_, err = svc.db.Exec(`INSERT INTO issuers (address, name, email, authorized) VALUES (?, ?, ?, ?);`,
		addrKey(cred.IssuerAddress), "University of Example", "registrar@university.test", true)
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.ResolveTerm(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != "credential" {
		t.Errorf("expected kind credential, got %q", result.Kind)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected one record, got %d", len(result.Records))
	}
	rec := result.Records[0]
	if rec.ID != cred.ID || rec.Holder != *holder.Address {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Status != ledger.StatusPending {
		t.Errorf("expected pending status, got %s", rec.Status)
	}
	if rec.Metadata == nil || rec.Metadata.HolderName != "Ada Lovelace" {
		t.Errorf("expected mirror metadata on record, got %+v", rec.Metadata)
	}
	if rec.IssuerInfo == nil || rec.IssuerInfo.Name != "University of Example" {
		t.Errorf("expected issuer details on record, got %+v", rec.IssuerInfo)
	}

	// Ids outside the issued population do not exist.
	for _, term := range []string{"0", "5"} {
		if _, err := svc.ResolveTerm(context.Background(), term); !errors.Is(err, &NotFoundError{}) {
			t.Errorf("term %q: expected NotFoundError, got %v", term, err)
		}
	}
}

func TestResolveTermByHolder(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	first, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	second, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	for i, holder := range []models.Address{*first.Address, *first.Address, *second.Address} {
		key := string(rune('a' + i))
		if _, err := svc.IssueCredential(context.Background(), registrarPrincipal(), "req-"+key, testDraft(holder)); err != nil {
			t.Fatal(err)
		}
	}

	result, err := svc.ResolveTerm(context.Background(), first.Address.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != "holder" {
		t.Errorf("expected kind holder, got %q", result.Kind)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected two records, got %d", len(result.Records))
	}
	for _, rec := range result.Records {
		if rec.Holder != *first.Address {
			t.Errorf("record %d held by %s", rec.ID, rec.Holder.Hex())
		}
	}

	// A holder with no credentials resolves to an empty, valid result.
	stranger, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	result, err = svc.ResolveTerm(context.Background(), stranger.Address.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Records) != 0 {
		t.Errorf("expected no records, got %d", len(result.Records))
	}
}

func TestResolveTermSkipsNeverIssued(t *testing.T) {
	svc, chain, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	holder, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.IssueCredential(context.Background(), registrarPrincipal(), "req-001", testDraft(*holder.Address)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.IssueCredential(context.Background(), registrarPrincipal(), "req-002", testDraft(*holder.Address)); err != nil {
		t.Fatal(err)
	}

	// A zero issuer marks the slot as never-issued.
	chain.SetTokenIssuer(1, models.Address{})

	if _, err := svc.ResolveTerm(context.Background(), "1"); !errors.Is(err, &NotFoundError{}) {
		t.Errorf("expected NotFoundError for never-issued slot, got %v", err)
	}

	result, err := svc.ResolveTerm(context.Background(), holder.Address.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Records) != 1 || result.Records[0].ID != 2 {
		t.Errorf("expected only credential 2, got %v", result.Records)
	}
}

func TestResolveTermWithoutMirror(t *testing.T) {
	svc, _, _, err := setupTestService(t, clockwork.NewFakeClockAt(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	defer svc.Deinit()

	holder, err := util.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	cred, err := svc.IssueCredential(context.Background(), registrarPrincipal(), "req-001", testDraft(*holder.Address))
	if err != nil {
		t.Fatal(err)
	}

	// Verification answers from the ledger even when the mirror is missing.
	if _, err := svc.db.Exec(`DELETE FROM credentials WHERE id = ?;`, cred.ID); err != nil {
		t.Fatal(err)
	}

	result, err := svc.ResolveTerm(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	rec := result.Records[0]
	if rec.Metadata != nil {
		t.Errorf("expected no metadata, got %+v", rec.Metadata)
	}
	if rec.Holder != *holder.Address || rec.Status != ledger.StatusPending {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.ContentRef == "" {
		t.Error("expected the on-chain content ref to survive")
	}
}
