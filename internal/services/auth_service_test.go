package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/accountd/internal/models"
	"github.com/sentinelsec/accountd/pkg/crypto"
	apperrors "github.com/sentinelsec/accountd/pkg/errors"
)

func TestRegisterCreatesPendingAccount(t *testing.T) {
	f := newAuthFixture(t)

	user, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "Alice@Example.com",
		Username:        "alice",
		Password:        "Secr3t!pass",
		PasswordConfirm: "Secr3t!pass",
		FullName:        "Alice Doe",
	})
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)
	require.False(t, user.IsVerified)
	require.True(t, user.IsActive)
	require.Equal(t, models.RoleUser, user.Role)
	require.NotEqual(t, "Secr3t!pass", user.Password)

	verifier := crypto.NewVerifier()
	require.True(t, verifier.Verify("Secr3t!pass", user.Password))

	// Registration issues a code and dispatches one email.
	var count int64
	require.NoError(t, f.db.Model(&models.OTPCode{}).Where("email = ?", "alice@example.com").Count(&count).Error)
	require.EqualValues(t, 1, count)
	require.Len(t, f.mailer.sent, 1)
	require.Contains(t, f.mailer.sent[0].Body, f.latestCode(t, "alice@example.com", models.OTPPurposeRegistration))
}

func TestRegisterValidationFailures(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "mismatch@example.com",
		Username:        "mismatch",
		Password:        "Secr3t!pass",
		PasswordConfirm: "different",
	})
	requireAppCode(t, err, apperrors.ErrBadRequest.Code)

	_, err = f.svc.Register(context.Background(), RegisterInput{
		Email:           "short@example.com",
		Username:        "short",
		Password:        "tiny",
		PasswordConfirm: "tiny",
	})
	requireAppCode(t, err, apperrors.ErrBadRequest.Code)

	_, err = f.svc.Register(context.Background(), RegisterInput{
		Email:           "numeric@example.com",
		Username:        "numeric",
		Password:        "123456789",
		PasswordConfirm: "123456789",
	})
	requireAppCode(t, err, apperrors.ErrBadRequest.Code)
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	f := newAuthFixture(t)

	input := RegisterInput{
		Email:           "dupe@example.com",
		Username:        "dupe",
		Password:        "Secr3t!pass",
		PasswordConfirm: "Secr3t!pass",
	}
	_, err := f.svc.Register(context.Background(), input)
	require.NoError(t, err)

	input.Username = "dupe2"
	_, err = f.svc.Register(context.Background(), input)
	requireAppCode(t, err, apperrors.ErrConflict.Code)

	input.Email = "dupe2@example.com"
	input.Username = "dupe"
	_, err = f.svc.Register(context.Background(), input)
	requireAppCode(t, err, apperrors.ErrConflict.Code)
}

func TestRegisterSurvivesMailerFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.mailer.err = errors.New("smtp unreachable")

	user, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "nomail@example.com",
		Username:        "nomail",
		Password:        "Secr3t!pass",
		PasswordConfirm: "Secr3t!pass",
	})
	require.NoError(t, err)
	require.NotZero(t, user.ID)

	// The OTP record stands even though delivery failed.
	var count int64
	require.NoError(t, f.db.Model(&models.OTPCode{}).Where("email = ?", "nomail@example.com").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRegistrationVerificationLoginScenario(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "a@x.com",
		Username:        "scenario",
		Password:        "Secr3t!pass",
		PasswordConfirm: "Secr3t!pass",
	})
	require.NoError(t, err)

	// Login before verification is blocked even with the right password.
	_, _, err = f.svc.Login(context.Background(), "scenario", "Secr3t!pass")
	requireAppCode(t, err, apperrors.ErrAccountUnverified.Code)

	// Wrong code.
	_, _, err = f.svc.VerifyRegistration(context.Background(), "a@x.com", "000000")
	requireAppCode(t, err, apperrors.ErrOTPNotFound.Code)

	// Right code verifies the account and returns a token.
	code := f.latestCode(t, "a@x.com", models.OTPPurposeRegistration)
	token, user, err := f.svc.VerifyRegistration(context.Background(), "a@x.com", code)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.True(t, user.IsVerified)

	claims, err := f.jwt.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.UserID)
	require.Equal(t, "a@x.com", claims.Subject)

	// The code is single-use.
	_, _, err = f.svc.VerifyRegistration(context.Background(), "a@x.com", code)
	requireAppCode(t, err, apperrors.ErrOTPNotFound.Code)

	// Login by username and by email.
	token, logged, err := f.svc.Login(context.Background(), "scenario", "Secr3t!pass")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotNil(t, logged.LastLoginAt)
	require.True(t, logged.LastLoginAt.Equal(f.now))

	_, _, err = f.svc.Login(context.Background(), "A@X.com", "Secr3t!pass")
	require.NoError(t, err)

	// Wrong password after verification.
	_, _, err = f.svc.Login(context.Background(), "scenario", "wrong")
	requireAppCode(t, err, apperrors.ErrInvalidCredentials.Code)
}

func TestVerifyRegistrationExpiredCode(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "stale@example.com",
		Username:        "stale",
		Password:        "Secr3t!pass",
		PasswordConfirm: "Secr3t!pass",
	})
	require.NoError(t, err)

	code := f.latestCode(t, "stale@example.com", models.OTPPurposeRegistration)
	f.now = f.now.Add(11 * time.Minute)

	_, _, err = f.svc.VerifyRegistration(context.Background(), "stale@example.com", code)
	requireAppCode(t, err, apperrors.ErrOTPExpired.Code)
}

func TestVerifyRegistrationRequiresFields(t *testing.T) {
	f := newAuthFixture(t)

	_, _, err := f.svc.VerifyRegistration(context.Background(), "", "123456")
	requireAppCode(t, err, apperrors.ErrBadRequest.Code)

	_, _, err = f.svc.VerifyRegistration(context.Background(), "someone@example.com", "")
	requireAppCode(t, err, apperrors.ErrBadRequest.Code)
}

func TestLoginUnknownIdentifier(t *testing.T) {
	f := newAuthFixture(t)

	_, _, err := f.svc.Login(context.Background(), "ghost", "whatever")
	requireAppCode(t, err, apperrors.ErrInvalidCredentials.Code)

	_, _, err = f.svc.Login(context.Background(), "ghost@example.com", "whatever")
	requireAppCode(t, err, apperrors.ErrInvalidCredentials.Code)
}

func TestLoginAcceptsLegacyHashes(t *testing.T) {
	f := newAuthFixture(t)

	digest := sha256.Sum256([]byte("legacy-pass"))
	user := models.User{
		Email:      "legacy@example.com",
		Username:   "legacy",
		Password:   hex.EncodeToString(digest[:]),
		Role:       models.RoleUser,
		IsActive:   true,
		IsVerified: true,
	}
	require.NoError(t, f.db.Create(&user).Error)

	_, _, err := f.svc.Login(context.Background(), "legacy", "legacy-pass")
	require.NoError(t, err)
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	f := newAuthFixture(t)

	hashed, err := crypto.HashPassword("Secr3t!pass")
	require.NoError(t, err)

	user := models.User{
		Email:      "inactive@example.com",
		Username:   "inactive",
		Password:   hashed,
		Role:       models.RoleUser,
		IsActive:   false,
		IsVerified: true,
	}
	require.NoError(t, f.db.Create(&user).Error)

	_, _, err = f.svc.Login(context.Background(), "inactive", "Secr3t!pass")
	requireAppCode(t, err, apperrors.ErrInvalidCredentials.Code)
}

func TestSendOTPRequiresExistingAccount(t *testing.T) {
	f := newAuthFixture(t)

	err := f.svc.SendOTP(context.Background(), "missing@example.com")
	requireAppCode(t, err, apperrors.ErrNotFound.Code)
}

func TestSendOTPKeepsOlderCodesValid(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "resend@example.com",
		Username:        "resend",
		Password:        "Secr3t!pass",
		PasswordConfirm: "Secr3t!pass",
	})
	require.NoError(t, err)
	first := f.latestCode(t, "resend@example.com", models.OTPPurposeRegistration)

	require.NoError(t, f.svc.SendOTP(context.Background(), "resend@example.com"))

	var count int64
	require.NoError(t, f.db.Model(&models.OTPCode{}).
		Where("email = ? AND used = ?", "resend@example.com", false).
		Count(&count).Error)
	require.EqualValues(t, 2, count)

	// The first code still verifies even after a resend.
	_, _, err = f.svc.VerifyRegistration(context.Background(), "resend@example.com", first)
	require.NoError(t, err)
}

func TestForgotAndResetPassword(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "reset@example.com",
		Username:        "reset",
		Password:        "Origin4l!pass",
		PasswordConfirm: "Origin4l!pass",
	})
	require.NoError(t, err)

	code := f.latestCode(t, "reset@example.com", models.OTPPurposeRegistration)
	_, _, err = f.svc.VerifyRegistration(context.Background(), "reset@example.com", code)
	require.NoError(t, err)

	require.NoError(t, f.svc.ForgotPassword(context.Background(), "reset@example.com"))
	resetCode := f.latestCode(t, "reset@example.com", models.OTPPurposePasswordReset)

	// A registration code cannot reset a password.
	err = f.svc.ResetPassword(context.Background(), "reset@example.com", code, "Replac3d!pass")
	requireAppCode(t, err, apperrors.ErrOTPNotFound.Code)

	require.NoError(t, f.svc.ResetPassword(context.Background(), "reset@example.com", resetCode, "Replac3d!pass"))

	_, _, err = f.svc.Login(context.Background(), "reset", "Origin4l!pass")
	requireAppCode(t, err, apperrors.ErrInvalidCredentials.Code)

	_, _, err = f.svc.Login(context.Background(), "reset", "Replac3d!pass")
	require.NoError(t, err)
}

func TestChangePassword(t *testing.T) {
	f := newAuthFixture(t)

	user, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "change@example.com",
		Username:        "change",
		Password:        "Origin4l!pass",
		PasswordConfirm: "Origin4l!pass",
	})
	require.NoError(t, err)

	code := f.latestCode(t, "change@example.com", models.OTPPurposeRegistration)
	_, _, err = f.svc.VerifyRegistration(context.Background(), "change@example.com", code)
	require.NoError(t, err)

	err = f.svc.ChangePassword(context.Background(), user.ID, "wrong-current", "Replac3d!pass")
	requireAppCode(t, err, apperrors.ErrBadRequest.Code)

	require.NoError(t, f.svc.ChangePassword(context.Background(), user.ID, "Origin4l!pass", "Replac3d!pass"))

	_, _, err = f.svc.Login(context.Background(), "change", "Replac3d!pass")
	require.NoError(t, err)
}

func TestUserByID(t *testing.T) {
	f := newAuthFixture(t)

	user, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           "profile@example.com",
		Username:        "profile",
		Password:        "Secr3t!pass",
		PasswordConfirm: "Secr3t!pass",
	})
	require.NoError(t, err)

	got, err := f.svc.UserByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, "profile@example.com", got.Email)

	_, err = f.svc.UserByID(context.Background(), 999999)
	requireAppCode(t, err, apperrors.ErrNotFound.Code)
}
