package domain

// Role is derived state layered on top of channel presence. The transport
// only knows identities; roles travel in peer messages.
type Role int

const (
	RoleAudience Role = iota
	RoleCoHost
	RoleHost
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleCoHost:
		return "co-host"
	default:
		return "audience"
	}
}

// MemberInfo is a read-only view of one room member (no transport fields).
// Recomputed on every membership or role event.
type MemberInfo struct {
	ID         UserID `json:"id"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	HandRaised bool   `json:"handRaised"`
}
