package models

type KYCStatus int

const (
	KYCPending KYCStatus = iota
	KYCApproved
	KYCRejected
)

func (s KYCStatus) String() string {
	switch s {
	case KYCPending:
		return "pending"
	case KYCApproved:
		return "approved"
	case KYCRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// KYCApplication is a request by an organization to become a credential
// issuer. Registration number and contact email are unique within the
// Pending set. Approval and rejection are both terminal; a new submission
// after a terminal decision is a new application.
type KYCApplication struct {
	ID                 int64     `json:"id"`
	OrgName            string    `json:"orgName"`
	RegistrationNumber string    `json:"registrationNumber"`
	Email              string    `json:"email"`
	Representative     string    `json:"representative"`
	WalletAddress      Address   `json:"walletAddress"`
	DocumentRefs       []string  `json:"documentRefs"`
	Status             KYCStatus `json:"status"`
	SubmittedAt        int64     `json:"submittedAt"`
}
