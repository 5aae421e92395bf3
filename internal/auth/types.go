package auth

import "time"

// User is a back-office account. PasswordHash never leaves the package and is
// excluded from JSON output.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FirstName    string     `json:"first_name,omitempty"`
	LastName     string     `json:"last_name,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Active       bool       `json:"active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Role groups users for authorization purposes.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserRoleAssignment links a user to a role. The storage layer enforces at
// most one row per (user, role) pair.
type UserRoleAssignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Session purposes. Password-reset tokens reuse the session ledger because
// they share its single-use and expiry semantics.
const (
	SessionPurposeRefresh       = "refresh"
	SessionPurposePasswordReset = "password_reset"
)

// RefreshSession is one row of the session ledger. The opaque value handed to
// the client is "<id>.<secret>"; only the SHA-256 of the secret is stored.
// PredecessorID links a rotated session to the one it replaced.
type RefreshSession struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	TokenHash     string    `json:"-"`
	Purpose       string    `json:"purpose"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Revoked       bool      `json:"revoked"`
	PredecessorID string    `json:"predecessor_id,omitempty"`
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Origin captures where a request came from, for the audit trail.
type Origin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func (o Origin) String() string {
	switch {
	case o.IP == "" && o.UserAgent == "":
		return ""
	case o.UserAgent == "":
		return o.IP
	case o.IP == "":
		return o.UserAgent
	default:
		return o.IP + " " + o.UserAgent
	}
}

// RegisterInput carries the fields accepted at self-registration.
type RegisterInput struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// Principal is an authenticated user with the role claims carried by the
// access token. Role changes are visible on the next token issuance, not on
// tokens already in flight.
type Principal struct {
	User  *User
	Roles []string
}

// HasRole reports whether the principal's token carries the given role.
func (p Principal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}
