package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sentinelsec/accountd/internal/auth"
	"github.com/sentinelsec/accountd/internal/models"
	"github.com/sentinelsec/accountd/pkg/crypto"
	apperrors "github.com/sentinelsec/accountd/pkg/errors"
	"github.com/sentinelsec/accountd/pkg/logger"
	"github.com/sentinelsec/accountd/pkg/mail"
	"github.com/sentinelsec/accountd/pkg/metrics"
)

const emailSendTimeout = 10 * time.Second

// RegisterInput captures the details required to register a new account.
type RegisterInput struct {
	Email           string
	Username        string
	Password        string
	PasswordConfirm string
	FullName        string
}

// AuthOption customises the AuthService.
type AuthOption func(*AuthService)

// WithAuthClock injects a custom time source.
func WithAuthClock(clock func() time.Time) AuthOption {
	return func(s *AuthService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithPasswordPolicy replaces the default strength policy.
func WithPasswordPolicy(policy PasswordPolicy) AuthOption {
	return func(s *AuthService) {
		if policy != nil {
			s.policy = policy
		}
	}
}

// WithPasswordVerifier replaces the stored-hash verifier.
func WithPasswordVerifier(verifier *crypto.Verifier) AuthOption {
	return func(s *AuthService) {
		if verifier != nil {
			s.verifier = verifier
		}
	}
}

// AuthService orchestrates registration, email verification and login.
// Accounts move Unregistered -> PendingVerification -> Verified; login is
// refused until the registration code has been consumed.
type AuthService struct {
	db       *gorm.DB
	jwt      *auth.JWTService
	otp      *OTPService
	mailer   mail.Mailer
	verifier *crypto.Verifier
	policy   PasswordPolicy
	now      func() time.Time
	log      *zap.Logger
}

// NewAuthService constructs the workflow service. The mailer may be nil, in
// which case no verification emails are dispatched (useful in tests).
func NewAuthService(db *gorm.DB, jwt *auth.JWTService, otp *OTPService, mailer mail.Mailer, opts ...AuthOption) (*AuthService, error) {
	if db == nil {
		return nil, errors.New("auth service: db is required")
	}
	if jwt == nil {
		return nil, errors.New("auth service: jwt service is required")
	}
	if otp == nil {
		return nil, errors.New("auth service: otp service is required")
	}

	service := &AuthService{
		db:       db,
		jwt:      jwt,
		otp:      otp,
		mailer:   mailer,
		verifier: crypto.NewVerifier(crypto.WithLegacySchemes()),
		policy:   NewDefaultPasswordPolicy(),
		now:      time.Now,
		log:      logger.WithModule("auth"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Register creates an unverified account and emails a registration code.
// Email delivery is best effort: a failed send never rolls back the account.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	username := strings.TrimSpace(input.Username)

	if email == "" || username == "" || input.Password == "" {
		metrics.Registrations.WithLabelValues("invalid").Inc()
		return nil, apperrors.NewBadRequest("email, username and password are required")
	}
	if input.Password != input.PasswordConfirm {
		metrics.Registrations.WithLabelValues("invalid").Inc()
		return nil, apperrors.NewBadRequest("password fields didn't match")
	}
	if err := s.policy.Validate(input.Password); err != nil {
		metrics.Registrations.WithLabelValues("invalid").Inc()
		return nil, err
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("auth service: hash password: %w", err)
	}

	user := &models.User{
		Email:      email,
		Username:   username,
		Password:   hashed,
		FullName:   strings.TrimSpace(input.FullName),
		Role:       models.RoleUser,
		IsActive:   true,
		IsVerified: false,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			metrics.Registrations.WithLabelValues("conflict").Inc()
			return nil, apperrors.ErrConflict.WithInternal(err)
		}
		return nil, fmt.Errorf("auth service: create user: %w", err)
	}

	record, err := s.otp.Issue(ctx, email, user, models.OTPPurposeRegistration)
	if err != nil {
		return nil, err
	}

	s.sendCode(ctx, email, record.Code)

	metrics.Registrations.WithLabelValues("success").Inc()
	return user, nil
}

// VerifyRegistration consumes a registration code and marks the account
// verified, returning a signed access token for the now-active user.
func (s *AuthService) VerifyRegistration(ctx context.Context, email, code string) (string, *models.User, error) {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(code) == "" {
		return "", nil, apperrors.NewBadRequest("email and code are required")
	}

	record, err := s.otp.Consume(ctx, email, code, models.OTPPurposeRegistration)
	if err != nil {
		return "", nil, translateOTPErr(err)
	}

	user, err := s.userForOTP(ctx, record)
	if err != nil {
		return "", nil, err
	}

	if !user.IsVerified {
		if err := s.db.WithContext(ctx).
			Model(user).
			Update("is_verified", true).Error; err != nil {
			return "", nil, fmt.Errorf("auth service: mark verified: %w", err)
		}
		user.IsVerified = true
	}

	token, err := s.jwt.IssueAccessToken(user)
	if err != nil {
		return "", nil, fmt.Errorf("auth service: issue token: %w", err)
	}

	s.log.Info("account verified", zap.Uint("user_id", user.ID))
	return token, user, nil
}

// Login authenticates by username or email (identifiers containing @ resolve
// as email) and returns a signed access token. Unknown identifiers and wrong
// passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, identifier, password string) (string, *models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", nil, apperrors.ErrInvalidCredentials
	}

	var user models.User
	var err error
	if strings.Contains(identifier, "@") {
		err = s.db.WithContext(ctx).Where("email = ?", strings.ToLower(identifier)).Take(&user).Error
	} else {
		err = s.db.WithContext(ctx).Where("username = ?", identifier).Take(&user).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, fmt.Errorf("auth service: query user: %w", err)
	}

	if !s.verifier.Verify(password, user.Password) || !user.IsActive {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", nil, apperrors.ErrInvalidCredentials
	}

	if !user.IsVerified {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", nil, apperrors.ErrAccountUnverified
	}

	now := s.now()
	if err := s.db.WithContext(ctx).
		Model(&user).
		Update("last_login_at", now).Error; err != nil {
		return "", nil, fmt.Errorf("auth service: update last login: %w", err)
	}
	user.LastLoginAt = &now

	token, err := s.jwt.IssueAccessToken(&user)
	if err != nil {
		return "", nil, fmt.Errorf("auth service: issue token: %w", err)
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return token, &user, nil
}

// SendOTP issues a fresh registration code for an existing account. Each call
// creates an independent code; earlier unused codes stay valid until expiry.
func (s *AuthService) SendOTP(ctx context.Context, email string) error {
	return s.issueAndSend(ctx, email, models.OTPPurposeRegistration)
}

// ForgotPassword issues a password-reset code for an existing account.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	return s.issueAndSend(ctx, email, models.OTPPurposePasswordReset)
}

// ResetPassword consumes a password-reset code and stores a bcrypt hash of
// the new password.
func (s *AuthService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(code) == "" || newPassword == "" {
		return apperrors.NewBadRequest("email, code and new password are required")
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}

	record, err := s.otp.Consume(ctx, email, code, models.OTPPurposePasswordReset)
	if err != nil {
		return translateOTPErr(err)
	}

	user, err := s.userForOTP(ctx, record)
	if err != nil {
		return err
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth service: hash password: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Model(user).
		Update("password", hashed).Error; err != nil {
		return fmt.Errorf("auth service: update password: %w", err)
	}

	s.log.Info("password reset", zap.Uint("user_id", user.ID))
	return nil
}

// ChangePassword verifies the current credential before storing a bcrypt
// hash of the replacement.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint, currentPassword, newPassword string) error {
	if currentPassword == "" || newPassword == "" {
		return apperrors.NewBadRequest("current and new passwords are required")
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}

	user, err := s.UserByID(ctx, userID)
	if err != nil {
		return err
	}

	if !s.verifier.Verify(currentPassword, user.Password) {
		return apperrors.NewBadRequest("current password is incorrect")
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth service: hash password: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Model(user).
		Update("password", hashed).Error; err != nil {
		return fmt.Errorf("auth service: update password: %w", err)
	}

	return nil
}

// UserByID resolves a user from token claims for the profile endpoint.
func (s *AuthService) UserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth service: query user: %w", err)
	}
	return &user, nil
}

func (s *AuthService) issueAndSend(ctx context.Context, email, purpose string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return apperrors.NewBadRequest("email is required")
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("auth service: query user: %w", err)
	}

	record, err := s.otp.Issue(ctx, email, &user, purpose)
	if err != nil {
		return err
	}

	s.sendCode(ctx, email, record.Code)
	return nil
}

// userForOTP resolves the account behind a consumed code, preferring the
// stored user reference and falling back to the email address.
func (s *AuthService) userForOTP(ctx context.Context, record *models.OTPCode) (*models.User, error) {
	var user models.User
	var err error
	if record.UserID != nil {
		err = s.db.WithContext(ctx).Take(&user, "id = ?", *record.UserID).Error
	} else {
		err = s.db.WithContext(ctx).Where("email = ?", record.Email).Take(&user).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth service: query user: %w", err)
	}
	return &user, nil
}

// sendCode dispatches the code email with a bounded timeout. Delivery is
// fire-and-forget: the enclosing operation has already committed and a send
// failure must not undo it, so errors are logged and counted only.
func (s *AuthService) sendCode(ctx context.Context, email, code string) {
	if s.mailer == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, emailSendTimeout)
	defer cancel()

	msg := mail.Message{
		To:      []string{email},
		Subject: "Account Verification",
		Body:    fmt.Sprintf("Your verification code is: %s. This code will expire in 10 minutes.\n", code),
	}

	if err := s.mailer.Send(sendCtx, msg); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
		metrics.EmailSendFailures.Inc()
		s.log.Warn("verification email delivery failed",
			zap.String("email", email),
			zap.Error(err),
		)
	}
}

func translateOTPErr(err error) error {
	switch {
	case errors.Is(err, ErrOTPNotFound):
		return apperrors.ErrOTPNotFound
	case errors.Is(err, ErrOTPExpired):
		return apperrors.ErrOTPExpired
	default:
		return err
	}
}

// isUniqueViolation detects unique-constraint failures across the supported
// drivers so concurrent duplicate registrations surface as a conflict.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}
