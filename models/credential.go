package models

import (
	"fmt"

	"github.com/certchain-labs/certchain-api/ledger"
	"github.com/ethereum/go-ethereum/common"
)

type Address = common.Address

// Status mirrors the on-chain credential status. The ledger is authoritative;
// the value stored on a mirror document is a derived copy.
type Status = ledger.Status

// DisplayAttribute is a single label/value pair shown on the rendered
// certificate. Order is significant and must survive storage round-trips.
type DisplayAttribute struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Credential is the off-chain mirror document of a minted credential token.
// The ID is assigned by the ledger at mint time and never reused.
type Credential struct {
	ID             uint64             `json:"id"`
	HolderName     string             `json:"holderName"`
	HolderAddress  Address            `json:"holderAddress"`
	IssuerAddress  Address            `json:"issuerAddress"`
	DateOfBirth    string             `json:"dateOfBirth"`
	GraduationDate string             `json:"graduationDate"`
	Score          float64            `json:"score"`
	Grade          string             `json:"grade"`
	DegreeType     string             `json:"degreeType"`
	DegreeNumber   string             `json:"degreeNumber"`
	ContentRef     string             `json:"contentRef"`
	Attributes     []DisplayAttribute `json:"attributes"`
	Status         Status             `json:"status"`
	IssuedBy       string             `json:"issuedBy"`
	MintedAt       int64              `json:"mintedAt"`
}

// CredentialDraft is the pre-mint, off-chain only form of a credential.
// Drafts are keyed by a caller-supplied idempotency key so that a retried
// issue request is detected before any ledger write happens.
type CredentialDraft struct {
	HolderName     string             `json:"holderName"`
	HolderAddress  Address            `json:"holderAddress"`
	DateOfBirth    string             `json:"dateOfBirth"`
	GraduationDate string             `json:"graduationDate"`
	Score          float64            `json:"score"`
	Grade          string             `json:"grade"`
	DegreeType     string             `json:"degreeType"`
	DegreeNumber   string             `json:"degreeNumber"`
	ContentRef     string             `json:"contentRef"`
	Attributes     []DisplayAttribute `json:"attributes"`
}

// ParseDecision maps a request decision label to a terminal ledger status.
func ParseDecision(s string) (Status, error) {
	switch s {
	case "approve", "approved":
		return ledger.StatusApproved, nil
	case "reject", "rejected":
		return ledger.StatusRejected, nil
	default:
		return 0, fmt.Errorf("unknown decision %q", s)
	}
}
