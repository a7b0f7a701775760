package models

// Audit actions recorded for credential state transitions.
const (
	AuditIssued   = "issued"
	AuditApproved = "approved"
	AuditRejected = "rejected"
)

// AuditLogEntry records a single credential state transition. Entries are
// append-only and never mutated through the normal API.
type AuditLogEntry struct {
	ID           string `json:"id"`
	CredentialID uint64 `json:"credentialId"`
	Action       string `json:"action"`
	Actor        string `json:"actor"`
	Timestamp    int64  `json:"timestamp"`
}
