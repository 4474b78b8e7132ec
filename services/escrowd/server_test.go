package escrowd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestOpsHandler(t *testing.T) {
	handler := NewOpsHandler(nil, OpsConfig{Checks: []ReadinessCheck{
		{Name: "database", Check: func(context.Context) error { return nil }},
		{Name: "ledger", Check: func(context.Context) error { return errors.New("unreachable") }},
	}})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"database":"ok","ledger":"unreachable"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/sweep", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

type stubSweeper struct {
	advanced int
	err      error
	calls    int
}

func (s *stubSweeper) Sweep(context.Context) (int, error) {
	s.calls++
	return s.advanced, s.err
}

var testAdmin = AdminConfig{
	JWTSecret: strings.Repeat("s", 32),
	Issuer:    "escrowlane",
	Audience:  "escrowd-admin",
	ClockSkew: Duration{time.Minute},
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func adminClaims(scope string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   "escrowlane",
		"aud":   "escrowd-admin",
		"exp":   exp.Unix(),
		"scope": scope,
	}
}

func sweepRequest(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/sweep", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAdminSweepAuthorization(t *testing.T) {
	sweeper := &stubSweeper{advanced: 2}
	handler := NewOpsHandler(nil, OpsConfig{Auth: NewAuthenticator(testAdmin, nil), Sweeper: sweeper})
	future := time.Now().Add(time.Hour)

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized},
		{name: "wrong secret", token: signToken(t, strings.Repeat("x", 32), adminClaims(ScopeSweep, future)), status: http.StatusUnauthorized},
		{name: "expired", token: signToken(t, testAdmin.JWTSecret, adminClaims(ScopeSweep, time.Now().Add(-time.Hour))), status: http.StatusUnauthorized},
		{name: "no expiry", token: signToken(t, testAdmin.JWTSecret, jwt.MapClaims{"iss": "escrowlane", "aud": "escrowd-admin", "scope": ScopeSweep}), status: http.StatusUnauthorized},
		{name: "wrong audience", token: signToken(t, testAdmin.JWTSecret, jwt.MapClaims{"iss": "escrowlane", "aud": "other", "exp": future.Unix(), "scope": ScopeSweep}), status: http.StatusUnauthorized},
		{name: "missing scope", token: signToken(t, testAdmin.JWTSecret, adminClaims("escrow:read", future)), status: http.StatusForbidden},
		{name: "authorised", token: signToken(t, testAdmin.JWTSecret, adminClaims("escrow:read "+ScopeSweep, future)), status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := sweepRequest(handler, tc.token)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
	require.Equal(t, 1, sweeper.calls)
}

func TestAdminSweepReportsFailures(t *testing.T) {
	sweeper := &stubSweeper{advanced: 1, err: errors.New("horizon down")}
	handler := NewOpsHandler(nil, OpsConfig{Auth: NewAuthenticator(testAdmin, nil), Sweeper: sweeper})

	rec := sweepRequest(handler, signToken(t, testAdmin.JWTSecret, adminClaims(ScopeSweep, time.Now().Add(time.Hour))))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"advanced":1,"error":"horizon down"}`, rec.Body.String())
}

func TestNewAuthenticatorDisabledWithoutSecret(t *testing.T) {
	require.Nil(t, NewAuthenticator(AdminConfig{}, nil))
}
