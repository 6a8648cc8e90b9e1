package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/accountd/internal/models"
)

func TestOTPIssueCreatesSixDigitCode(t *testing.T) {
	db := openServiceTestDB(t)
	current := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	svc, err := NewOTPService(db, WithOTPClock(func() time.Time { return current }))
	require.NoError(t, err)

	user := &models.User{Email: "issue@example.com", Username: "issue", Password: "x"}
	require.NoError(t, db.Create(user).Error)

	record, err := svc.Issue(context.Background(), "Issue@Example.com", user, models.OTPPurposeRegistration)
	require.NoError(t, err)
	require.Len(t, record.Code, 6)
	require.Equal(t, "issue@example.com", record.Email)
	require.False(t, record.Used)
	require.NotNil(t, record.UserID)
	require.Equal(t, user.ID, *record.UserID)
	require.True(t, record.ExpiresAt.Equal(current.Add(10*time.Minute)))
}

func TestOTPConsumeSucceedsAtMostOnce(t *testing.T) {
	db := openServiceTestDB(t)
	current := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	svc, err := NewOTPService(db, WithOTPClock(func() time.Time { return current }))
	require.NoError(t, err)

	record, err := svc.Issue(context.Background(), "once@example.com", nil, models.OTPPurposeRegistration)
	require.NoError(t, err)

	consumed, err := svc.Consume(context.Background(), "once@example.com", record.Code, models.OTPPurposeRegistration)
	require.NoError(t, err)
	require.True(t, consumed.Used)

	_, err = svc.Consume(context.Background(), "once@example.com", record.Code, models.OTPPurposeRegistration)
	require.ErrorIs(t, err, ErrOTPNotFound)
}

func TestOTPConsumeUnknownCode(t *testing.T) {
	db := openServiceTestDB(t)

	svc, err := NewOTPService(db)
	require.NoError(t, err)

	_, err = svc.Consume(context.Background(), "nobody@example.com", "123456", models.OTPPurposeRegistration)
	require.ErrorIs(t, err, ErrOTPNotFound)
}

func TestOTPConsumeExpiryWindow(t *testing.T) {
	db := openServiceTestDB(t)
	issued := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	current := issued

	svc, err := NewOTPService(db, WithOTPClock(func() time.Time { return current }))
	require.NoError(t, err)

	record, err := svc.Issue(context.Background(), "expiry@example.com", nil, models.OTPPurposeRegistration)
	require.NoError(t, err)

	// Just inside the window.
	current = issued.Add(10*time.Minute - time.Second)
	consumed, err := svc.Consume(context.Background(), "expiry@example.com", record.Code, models.OTPPurposeRegistration)
	require.NoError(t, err)
	require.True(t, consumed.Used)

	// Just past the window.
	record2, err := svc.Issue(context.Background(), "expiry2@example.com", nil, models.OTPPurposeRegistration)
	require.NoError(t, err)

	current = current.Add(10*time.Minute + time.Second)
	_, err = svc.Consume(context.Background(), "expiry2@example.com", record2.Code, models.OTPPurposeRegistration)
	require.ErrorIs(t, err, ErrOTPExpired)

	// Expired records stay unused but can never validate again.
	var stored models.OTPCode
	require.NoError(t, db.Where("id = ?", record2.ID).Take(&stored).Error)
	require.False(t, stored.Used)
}

func TestOTPConsumeExactBoundaryIsValid(t *testing.T) {
	db := openServiceTestDB(t)
	issued := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	current := issued

	svc, err := NewOTPService(db, WithOTPClock(func() time.Time { return current }))
	require.NoError(t, err)

	record, err := svc.Issue(context.Background(), "boundary@example.com", nil, models.OTPPurposeRegistration)
	require.NoError(t, err)

	current = issued.Add(10 * time.Minute)
	consumed, err := svc.Consume(context.Background(), "boundary@example.com", record.Code, models.OTPPurposeRegistration)
	require.NoError(t, err)
	require.True(t, consumed.Used)
}

func TestOTPMostRecentMatchingUnusedWins(t *testing.T) {
	db := openServiceTestDB(t)
	current := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	svc, err := NewOTPService(db, WithOTPClock(func() time.Time { return current }))
	require.NoError(t, err)

	// Two records with an identical code: consumption burns the newest.
	older := models.OTPCode{
		Email:     "recent@example.com",
		Code:      "424242",
		Purpose:   models.OTPPurposeRegistration,
		ExpiresAt: current.Add(10 * time.Minute),
		CreatedAt: current.Add(-2 * time.Minute),
	}
	newer := models.OTPCode{
		Email:     "recent@example.com",
		Code:      "424242",
		Purpose:   models.OTPPurposeRegistration,
		ExpiresAt: current.Add(10 * time.Minute),
		CreatedAt: current.Add(-1 * time.Minute),
	}
	require.NoError(t, db.Create(&older).Error)
	require.NoError(t, db.Create(&newer).Error)

	consumed, err := svc.Consume(context.Background(), "recent@example.com", "424242", models.OTPPurposeRegistration)
	require.NoError(t, err)
	require.Equal(t, newer.ID, consumed.ID)

	var stored models.OTPCode
	require.NoError(t, db.Where("id = ?", older.ID).Take(&stored).Error)
	require.False(t, stored.Used)
}

func TestOTPPurposesAreIsolated(t *testing.T) {
	db := openServiceTestDB(t)
	current := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	svc, err := NewOTPService(db, WithOTPClock(func() time.Time { return current }))
	require.NoError(t, err)

	record, err := svc.Issue(context.Background(), "purpose@example.com", nil, models.OTPPurposeRegistration)
	require.NoError(t, err)

	_, err = svc.Consume(context.Background(), "purpose@example.com", record.Code, models.OTPPurposePasswordReset)
	require.ErrorIs(t, err, ErrOTPNotFound)
}

func TestOTPConcurrentConsumeSingleWinner(t *testing.T) {
	db := openServiceTestDB(t)
	current := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	svc, err := NewOTPService(db, WithOTPClock(func() time.Time { return current }))
	require.NoError(t, err)

	record, err := svc.Issue(context.Background(), "race@example.com", nil, models.OTPPurposeRegistration)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(context.Background(), "race@example.com", record.Code, models.OTPPurposeRegistration)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, failures int
	for err := range results {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, ErrOTPNotFound)
			failures++
		}
	}

	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, failures)
}

func TestOTPListPaginatesNewestFirst(t *testing.T) {
	db := openServiceTestDB(t)
	current := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	svc, err := NewOTPService(db, WithOTPClock(func() time.Time { return current }))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.Issue(context.Background(), "list@example.com", nil, models.OTPPurposeRegistration)
		require.NoError(t, err)
	}

	records, total, err := svc.List(context.Background(), ListOptions{Email: "list@example.com", Page: 1, PageSize: 3})
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	require.Len(t, records, 3)

	records, _, err = svc.List(context.Background(), ListOptions{Email: "list@example.com", Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, records, 2)
}
