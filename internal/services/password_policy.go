package services

import (
	"strings"
	"unicode"

	apperrors "github.com/sentinelsec/accountd/pkg/errors"
)

// PasswordPolicy judges whether a candidate password is acceptable for
// storage. Implementations return a descriptive AppError on rejection.
type PasswordPolicy interface {
	Validate(password string) error
}

// DefaultPasswordPolicy enforces a minimum length and rejects purely numeric
// passwords.
type DefaultPasswordPolicy struct {
	MinLength int
}

// NewDefaultPasswordPolicy returns the standard policy (8+ characters).
func NewDefaultPasswordPolicy() DefaultPasswordPolicy {
	return DefaultPasswordPolicy{MinLength: 8}
}

// Validate implements PasswordPolicy.
func (p DefaultPasswordPolicy) Validate(password string) error {
	minLength := p.MinLength
	if minLength <= 0 {
		minLength = 8
	}

	var reasons []string
	if len(password) < minLength {
		reasons = append(reasons, "password is too short")
	}
	if password != "" && allDigits(password) {
		reasons = append(reasons, "password is entirely numeric")
	}

	if len(reasons) > 0 {
		return apperrors.NewBadRequest(strings.Join(reasons, "; "))
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
