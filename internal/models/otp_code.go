package models

import "time"

// OTP purposes. A code issued for one purpose cannot be consumed for another.
const (
	OTPPurposeRegistration  = "registration"
	OTPPurposePasswordReset = "password_reset"
)

// OTPCode is a single emailed verification code. Records are never deleted;
// consumed and expired codes are retained for audit.
type OTPCode struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Email   string `gorm:"index;not null" json:"email"`
	Code    string `gorm:"not null" json:"-"`
	Purpose string `gorm:"default:registration" json:"purpose"`

	// UserID is a weak reference used for lookup only; codes may outlive the
	// linkage (e.g. pre-registration flows leave it nil).
	UserID *uint `gorm:"index" json:"user_id"`
	User   *User `json:"-"`

	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	Used      bool      `gorm:"default:false" json:"used"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// Expired reports whether the code is past its validity window at now.
// The boundary instant itself still validates.
func (o *OTPCode) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
