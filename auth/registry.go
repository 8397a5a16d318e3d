// Package auth gates protected routes on a valid access token and owns
// the login/refresh/logout/switch-tenant flows.
package auth

import (
	"context"
	"time"
)

// Session records one device's credentials lifecycle. Tokens themselves
// are stateless; the session row exists for revocation bookkeeping and
// the device inventory.
type Session struct {
	ID         string    `db:"session_id" json:"id"`
	UserID     string    `db:"user_id" json:"userId"`
	TenantID   string    `db:"tenant_id" json:"tenantId"`
	DeviceID   string    `db:"device_id" json:"deviceId"`
	DeviceName string    `db:"device_name" json:"deviceName"`
	Platform   string    `db:"platform" json:"platform"`
	AppVersion string    `db:"app_version" json:"appVersion"`
	Revoked    bool      `db:"revoked" json:"revoked"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	LastSeenAt time.Time `db:"last_seen_at" json:"lastSeenAt"`
}

// SessionRegistry is the persistent session/device store. Lookups return
// nil with no error when the session does not exist.
type SessionRegistry interface {
	CreateSession(ctx context.Context, s *Session) error
	Session(ctx context.Context, sessionID string) (*Session, error)
	// TouchSession bumps last_seen on successful refresh.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	// UpdateSessionTenant re-scopes an existing session after a tenant switch.
	UpdateSessionTenant(ctx context.Context, sessionID, tenantID string) error
	RevokeSession(ctx context.Context, sessionID string) error
	// SessionsForUser lists non-revoked sessions for the device inventory.
	SessionsForUser(ctx context.Context, tenantID, userID string) ([]Session, error)
	// RevokeDevice revokes every session for the device; reports whether
	// any session existed.
	RevokeDevice(ctx context.Context, tenantID, userID, deviceID string) (bool, error)
}

// User is the minimal slice of the tenant manager's user table this layer
// needs for login.
type User struct {
	ID           string `db:"user_id" json:"id"`
	Email        string `db:"email" json:"email"`
	Name         string `db:"name" json:"name"`
	PasswordHash []byte `db:"password_hash" json:"-"`
}

// TenantMembership grants a user a role within one tenant.
type TenantMembership struct {
	TenantID    string   `json:"tenantId"`
	TenantName  string   `json:"tenantName"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// UserDirectory resolves users and their tenant memberships. Backed by
// the tenant manager's datastore; lookups return nil with no error when
// the user does not exist.
type UserDirectory interface {
	UserByEmail(ctx context.Context, email string) (*User, error)
	Memberships(ctx context.Context, userID string) ([]TenantMembership, error)
}
