package models

import "time"

// UserRole represents the staff roles known to the clinic.
type UserRole string

const (
	RoleAdmin         UserRole = "ADMIN"
	RoleDoctor        UserRole = "DOCTOR"
	RoleNurse         UserRole = "NURSE"
	RoleReceptionist  UserRole = "RECEPTIONIST"
	RoleLabTechnician UserRole = "LAB_TECHNICIAN"
)

// User represents an application user stored in the users table.
//
// RefreshTokenHash, ResetTokenHash and ResetExpiresAt back the credential
// slot; read them through Slot.
type User struct {
	ID               string     `db:"id" json:"id"`
	Email            string     `db:"email" json:"email"`
	PasswordHash     string     `db:"password_hash" json:"-"`
	FirstName        string     `db:"first_name" json:"firstName"`
	LastName         string     `db:"last_name" json:"lastName"`
	Role             UserRole   `db:"role" json:"role"`
	SpecialtyID      *string    `db:"specialty_id" json:"specialtyId,omitempty"`
	Phone            *string    `db:"phone" json:"phone,omitempty"`
	Active           bool       `db:"active" json:"active"`
	RefreshTokenHash *string    `db:"refresh_token_hash" json:"-"`
	ResetTokenHash   *string    `db:"reset_token_hash" json:"-"`
	ResetExpiresAt   *time.Time `db:"reset_expires_at" json:"-"`
	LastLogin        *time.Time `db:"last_login" json:"lastLoginAt,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// Slot returns the current state of the user's credential slot.
func (u User) Slot() CredentialSlot {
	switch {
	case u.ResetTokenHash != nil && *u.ResetTokenHash != "":
		var expires time.Time
		if u.ResetExpiresAt != nil {
			expires = *u.ResetExpiresAt
		}
		return CredentialSlot{Kind: SlotPendingReset, Digest: *u.ResetTokenHash, ExpiresAt: expires}
	case u.RefreshTokenHash != nil && *u.RefreshTokenHash != "":
		return CredentialSlot{Kind: SlotRefreshToken, Digest: *u.RefreshTokenHash}
	default:
		return CredentialSlot{Kind: SlotEmpty}
	}
}

// Info projects the user for API responses.
func (u User) Info() UserInfo {
	return UserInfo{
		ID:          u.ID,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Role:        u.Role,
		SpecialtyID: u.SpecialtyID,
	}
}

// SlotKind tags which credential, if any, a user currently holds.
type SlotKind int

const (
	SlotEmpty SlotKind = iota
	SlotRefreshToken
	SlotPendingReset
)

func (k SlotKind) String() string {
	switch k {
	case SlotRefreshToken:
		return "refresh_token"
	case SlotPendingReset:
		return "pending_reset"
	default:
		return "empty"
	}
}

// CredentialSlot is the single per-user credential: nothing, the digest of the
// current refresh token, or the digest and expiry of a pending reset token.
// Writing one arm always clears the other.
type CredentialSlot struct {
	Kind      SlotKind
	Digest    string
	ExpiresAt time.Time
}

// Principal is the cached view of a user used to authorise bearer requests.
type Principal struct {
	ID     string   `json:"id"`
	Email  string   `json:"email"`
	Role   UserRole `json:"role"`
	Active bool     `json:"active"`
}
