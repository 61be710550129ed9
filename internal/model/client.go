package model

import (
	"time"

	"github.com/google/uuid"
)

// ClientRole determines what an API client may do.
type ClientRole string

const (
	// RoleAdmin can trigger lifecycle evaluation, spawning, and client management.
	RoleAdmin ClientRole = "admin"
	// RoleOperator can trigger health calculation and need detection.
	RoleOperator ClientRole = "operator"
	// RoleReadonly can only read health, events, and needs.
	RoleReadonly ClientRole = "readonly"
)

// ValidClientRole reports whether r is a known role.
func ValidClientRole(r ClientRole) bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleReadonly
}

// APIClient is a caller of the HTTP API. Credentials are stored as Argon2id
// hashes; the raw key is only ever seen at mint time.
type APIClient struct {
	ID        uuid.UUID  `json:"id"`
	ClientID  string     `json:"client_id"`
	KeyHash   string     `json:"-"`
	Role      ClientRole `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}
