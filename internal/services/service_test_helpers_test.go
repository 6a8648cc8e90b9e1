package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sentinelsec/accountd/internal/auth"
	"github.com/sentinelsec/accountd/internal/database"
	"github.com/sentinelsec/accountd/internal/models"
	apperrors "github.com/sentinelsec/accountd/pkg/errors"
	"github.com/sentinelsec/accountd/pkg/mail"
)

type mockMailer struct {
	sent []mail.Message
	err  error
}

func (m *mockMailer) Send(_ context.Context, msg mail.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func openServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(database.Config{Driver: "sqlite"})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single pooled connection keeps concurrent SQLite access serialised.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

type authFixture struct {
	svc    *AuthService
	otp    *OTPService
	jwt    *auth.JWTService
	db     *gorm.DB
	mailer *mockMailer
	now    time.Time
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	db := openServiceTestDB(t)

	f := &authFixture{
		db:     db,
		mailer: &mockMailer{},
		now:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{
		Secret: "test-secret",
		Issuer: "accountd",
		Clock:  clock,
	})
	require.NoError(t, err)
	f.jwt = jwtSvc

	otpSvc, err := NewOTPService(db, WithOTPClock(clock))
	require.NoError(t, err)
	f.otp = otpSvc

	svc, err := NewAuthService(db, jwtSvc, otpSvc, f.mailer, WithAuthClock(clock))
	require.NoError(t, err)
	f.svc = svc

	return f
}

// latestCode fetches the newest OTP issued for the address.
func (f *authFixture) latestCode(t *testing.T, email, purpose string) string {
	t.Helper()

	var record models.OTPCode
	err := f.db.Where("email = ? AND purpose = ?", email, purpose).
		Order("created_at DESC, id DESC").
		First(&record).Error
	require.NoError(t, err)
	return record.Code
}

// requireAppCode asserts that err carries the given application error code.
func requireAppCode(t *testing.T, err error, wantCode string) {
	t.Helper()
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	require.Equal(t, wantCode, appErr.Code)
}
