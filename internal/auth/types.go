package auth

import (
	"errors"
	"regexp"
	"time"
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// maxUsernameLength is the maximum allowed username length.
const maxUsernameLength = 64

// IsValidUsername checks if a username meets format requirements.
// Usernames must be 1-64 characters, alphanumeric with dots, hyphens, underscores.
func IsValidUsername(username string) bool {
	return len(username) <= maxUsernameLength && usernamePattern.MatchString(username)
}

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleViewer can read their own devices but never mutate or control them.
	RoleViewer Role = "viewer"

	// RoleUser owns devices and can create, configure and control them,
	// subject to the device limit of their subscription plan.
	RoleUser Role = "user"

	// RoleAdmin has full control over all devices and users, plus billing
	// and system administration. Bypasses ownership and plan limits.
	RoleAdmin Role = "admin"

	// RoleSystem is the internal identity for bus-originated operations
	// (telemetry ingestion, heartbeat processing). It is never assigned to
	// an account and never granted admin capabilities.
	RoleSystem Role = "system"
)

// ValidRoles is the set of roles assignable to user accounts
// (excludes system, which is an internal sentinel).
var ValidRoles = []Role{RoleViewer, RoleUser, RoleAdmin}

// IsValidUserRole returns true if the role is a valid role for a user account.
func IsValidUserRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User represents an authenticated human account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"` // never serialised
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Actor identifies who is performing an operation: a human account or the
// internal system identity for bus-originated work.
type Actor struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

// SystemActor is the sentinel actor attributed to operations that originate
// from the message bus rather than a human. Its ID is stored as NULL in
// event and command records.
var SystemActor = Actor{ID: 0, Role: RoleSystem}

// IsSystem reports whether the actor is the internal system identity.
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

// ActorForUser builds an actor from an authenticated user account.
func ActorForUser(u *User) Actor {
	return Actor{ID: u.ID, Role: u.Role}
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrUsernameExists     = errors.New("username already exists")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrForbidden          = errors.New("insufficient permissions")
	ErrDeviceLimitReached = errors.New("device limit for plan reached")
	ErrUnknownCapability  = errors.New("unknown capability")
)
