package models

// VerificationRecord combines the authoritative on-chain state of one
// credential with best-effort descriptive metadata from the mirror.
// Validity and ownership come exclusively from the ledger fields; Metadata
// and IssuerInfo may be nil when no matching off-chain record exists.
type VerificationRecord struct {
	ID         uint64      `json:"id"`
	Holder     Address     `json:"holder"`
	Issuer     Address     `json:"issuer"`
	Status     Status      `json:"status"`
	ContentRef string      `json:"contentRef"`
	IssuedAt   int64       `json:"issuedAt"`
	Metadata   *Credential `json:"metadata,omitempty"`
	IssuerInfo *Issuer     `json:"issuerInfo,omitempty"`
}

// VerificationResult is the answer to a resolve query. Kind is "credential"
// for id lookups and "holder" for address lookups.
type VerificationResult struct {
	Kind    string                `json:"kind"`
	Records []*VerificationRecord `json:"records"`
}
