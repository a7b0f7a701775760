package models

// Issuer is an institution permitted to mint credentials. The address is
// stored normalized (lower-case hex) and is unique. The Authorized flag is
// a cached copy of the ledger's per-address authorization state and is
// periodically re-synced by the reconcile task.
type Issuer struct {
	Name       string  `json:"name"`
	Address    Address `json:"address"`
	Email      string  `json:"email"`
	Authorized bool    `json:"authorized"`
}
