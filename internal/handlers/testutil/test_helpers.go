package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sentinelsec/accountd/internal/api"
	iauth "github.com/sentinelsec/accountd/internal/auth"
	sharedtestutil "github.com/sentinelsec/accountd/internal/database/testutil"
	"github.com/sentinelsec/accountd/internal/models"
	"github.com/sentinelsec/accountd/internal/services"
	"github.com/sentinelsec/accountd/pkg/crypto"
	"github.com/sentinelsec/accountd/pkg/mail"
	"github.com/sentinelsec/accountd/pkg/response"
)

// CapturingMailer records outbound messages instead of delivering them.
type CapturingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	Err  error
}

func (m *CapturingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the captured messages.
func (m *CapturingMailer) Sent() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.sent...)
}

// Env encapsulates a fully-wired API instance backed by an in-memory database
// for handler tests. Now is mutable so tests can advance the clock.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	JWT    *iauth.JWTService
	Auth   *services.AuthService
	OTP    *services.OTPService
	Mailer *CapturingMailer
	Now    time.Time
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t)

	env := &Env{
		T:      t,
		DB:     db,
		Mailer: &CapturingMailer{},
		Now:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.Now }

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "test-suite-super-secret-key-32-bytes!!",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
		Clock:          clock,
	})
	require.NoError(t, err)
	env.JWT = jwtSvc

	otpSvc, err := services.NewOTPService(db, services.WithOTPClock(clock))
	require.NoError(t, err)
	env.OTP = otpSvc

	authSvc, err := services.NewAuthService(db, jwtSvc, otpSvc, env.Mailer, services.WithAuthClock(clock))
	require.NoError(t, err)
	env.Auth = authSvc

	router, err := api.NewRouter(db, jwtSvc, authSvc, otpSvc)
	require.NoError(t, err)
	env.Router = router

	return env
}

// CreateUser inserts an active account with a bcrypt password hash.
func (e *Env) CreateUser(username, password, role string, verified bool) *models.User {
	e.T.Helper()

	hashed, err := crypto.HashPassword(password)
	require.NoError(e.T, err)

	user := &models.User{
		Username:   username,
		Email:      username + "@example.com",
		Password:   hashed,
		Role:       role,
		IsActive:   true,
		IsVerified: verified,
	}
	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// LatestCode fetches the newest OTP issued for the address.
func (e *Env) LatestCode(email, purpose string) string {
	e.T.Helper()

	var record models.OTPCode
	err := e.DB.Where("email = ? AND purpose = ?", email, purpose).
		Order("created_at DESC, id DESC").
		First(&record).Error
	require.NoError(e.T, err)
	return record.Code
}

// UserPayload captures the subset of user fields returned from auth endpoints.
type UserPayload struct {
	ID         uint   `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
	Role       string `json:"role"`
	IsActive   bool   `json:"is_active"`
	IsVerified bool   `json:"is_verified"`
}

// LoginResult bundles the JSON response from POST /api/auth/login.
type LoginResult struct {
	AccessToken string      `json:"access_token"`
	User        UserPayload `json:"user"`
}

// Login authenticates and returns the issued token.
func (e *Env) Login(identifier, password string) LoginResult {
	e.T.Helper()

	payload := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	w := e.Request(http.MethodPost, "/api/auth/login", payload, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.AccessToken)

	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON
// encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(e.T, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
