package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sentinelsec/accountd/internal/models"
	"github.com/sentinelsec/accountd/pkg/crypto"
	"github.com/sentinelsec/accountd/pkg/metrics"
)

const (
	defaultOTPWindow = 10 * time.Minute
	defaultOTPDigits = 6
)

var (
	// ErrOTPNotFound indicates no unused code matches the email/code pair.
	ErrOTPNotFound = errors.New("otp: not found")
	// ErrOTPExpired indicates the matching code is past its validity window.
	ErrOTPExpired = errors.New("otp: expired")
)

// OTPOption customises the OTPService.
type OTPOption func(*OTPService)

// WithOTPWindow overrides the code validity window.
func WithOTPWindow(d time.Duration) OTPOption {
	return func(s *OTPService) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithOTPDigits adjusts the number of digits in generated codes.
func WithOTPDigits(n int) OTPOption {
	return func(s *OTPService) {
		if n > 0 {
			s.digits = n
		}
	}
}

// WithOTPClock injects a custom time source.
func WithOTPClock(clock func() time.Time) OTPOption {
	return func(s *OTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// OTPService issues and consumes emailed one-time passwords. Codes are
// retained after use for audit; consumption only flips the used flag.
type OTPService struct {
	db     *gorm.DB
	window time.Duration
	digits int
	now    func() time.Time
}

// NewOTPService constructs an OTPService with the provided dependencies.
func NewOTPService(db *gorm.DB, opts ...OTPOption) (*OTPService, error) {
	if db == nil {
		return nil, errors.New("otp service: db is required")
	}

	service := &OTPService{
		db:     db,
		window: defaultOTPWindow,
		digits: defaultOTPDigits,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Issue creates a fresh code for the email address. Older unused codes stay
// valid until their own expiry; issuing never invalidates them.
func (s *OTPService) Issue(ctx context.Context, email string, user *models.User, purpose string) (*models.OTPCode, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("otp service: email is required")
	}
	if purpose == "" {
		purpose = models.OTPPurposeRegistration
	}

	code, err := crypto.GenerateNumericCode(s.digits)
	if err != nil {
		return nil, fmt.Errorf("otp service: generate code: %w", err)
	}

	record := models.OTPCode{
		Email:     email,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: s.now().Add(s.window),
	}
	if user != nil && user.ID != 0 {
		record.UserID = &user.ID
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("otp service: create code: %w", err)
	}

	metrics.OTPIssued.WithLabelValues(purpose).Inc()
	return &record, nil
}

// Consume validates and burns the most recent unused code matching the
// email/code pair. Codes compare as strings, exact match. At most one caller
// can win a race on the same record: the used flag is flipped with a
// conditional update, not read-then-write.
func (s *OTPService) Consume(ctx context.Context, email, code, purpose string) (*models.OTPCode, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return nil, ErrOTPNotFound
	}
	if purpose == "" {
		purpose = models.OTPPurposeRegistration
	}

	var record models.OTPCode
	err := s.db.WithContext(ctx).
		Where("email = ? AND code = ? AND purpose = ? AND used = ?", email, code, purpose, false).
		Order("created_at DESC, id DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.OTPConsumed.WithLabelValues("not_found").Inc()
		return nil, ErrOTPNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("otp service: find code: %w", err)
	}

	if record.Expired(s.now()) {
		// Expired records are left unused; they can never validate again
		// because the expiry check precedes consumption.
		metrics.OTPConsumed.WithLabelValues("expired").Inc()
		return nil, ErrOTPExpired
	}

	res := s.db.WithContext(ctx).
		Model(&models.OTPCode{}).
		Where("id = ? AND used = ?", record.ID, false).
		Update("used", true)
	if res.Error != nil {
		return nil, fmt.Errorf("otp service: mark used: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent consumer.
		metrics.OTPConsumed.WithLabelValues("not_found").Inc()
		return nil, ErrOTPNotFound
	}

	record.Used = true
	metrics.OTPConsumed.WithLabelValues("success").Inc()
	return &record, nil
}

// ListOptions controls pagination for the audit listing.
type ListOptions struct {
	Page     int
	PageSize int
	Email    string
}

// List returns OTP records newest first for the admin audit view.
func (s *OTPService) List(ctx context.Context, opts ListOptions) ([]models.OTPCode, int64, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).Model(&models.OTPCode{})
	if email := strings.ToLower(strings.TrimSpace(opts.Email)); email != "" {
		query = query.Where("email = ?", email)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("otp service: count codes: %w", err)
	}

	var records []models.OTPCode
	if err := query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("otp service: list codes: %w", err)
	}

	return records, total, nil
}
