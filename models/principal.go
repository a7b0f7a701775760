package models

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleIssuer Role = "issuer"
	RoleHolder Role = "holder"
)

// Principal is the acting identity supplied by the session provider for
// every coordinator call. The engine trusts it for audit attribution and
// authorization checks; it never reads ambient request state itself.
type Principal struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// CanIssue reports whether the principal may issue credentials.
func (p Principal) CanIssue() bool {
	return p.Role == RoleAdmin || p.Role == RoleIssuer
}

// CanDecide reports whether the principal may approve or reject credentials.
func (p Principal) CanDecide() bool {
	return p.Role == RoleAdmin || p.Role == RoleIssuer
}

// IsAdmin reports whether the principal may decide KYC applications.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}
