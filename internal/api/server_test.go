package api

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bookforge/internal/app"
	"bookforge/internal/auth"
	"bookforge/internal/storage"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *app.Application) {
	t.Helper()
	a, err := app.New(t.TempDir(), io.Discard)
	require.NoError(t, err, "application construction")
	t.Cleanup(a.Close)
	return NewServer(a), a
}

func seedUser(t *testing.T, a *app.Application, username, password string) {
	t.Helper()
	const salt = "test-salt"
	hash, err := auth.HashPassword(password, salt)
	require.NoError(t, err)
	require.NoError(t, a.Storage.DB.Create(&storage.AuthUser{
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
	}).Error)
}

func postLogin(s *Server, username, password string) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, username, password)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:4000"
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestLogin_SuccessSetsSessionCookie(t *testing.T) {
	s, a := newTestServer(t)
	seedUser(t, a, "admin", "correct horse")

	rec := postLogin(s, "admin", "correct horse")
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	require.Contains(t, rec.Body.String(), `"success":true`)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies, "expected a session cookie")

	check := httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	check.AddCookie(cookies[0])
	checkRec := httptest.NewRecorder()
	s.Router().ServeHTTP(checkRec, check)
	require.Contains(t, checkRec.Body.String(), `"authenticated":true`)
}

func TestLogin_LockoutAfterMaxAttemptsThenRecovery(t *testing.T) {
	s, a := newTestServer(t)
	seedUser(t, a, "admin", "right")
	a.Lockout.SetLimits(3, 30*time.Minute)

	for i := 0; i < 3; i++ {
		rec := postLogin(s, "admin", "wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := postLogin(s, "admin", "right")
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "expected lockout regardless of password correctness")
	require.Contains(t, rec.Body.String(), "30 minutes")

	// An expired lockout clears on the next attempt; shrinking the duration
	// stands in for advancing the clock.
	a.Lockout.SetLimits(3, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	rec = postLogin(s, "admin", "right")
	require.Equal(t, http.StatusOK, rec.Code, "expected a correct password to succeed once the lockout expired")
}

func TestLogin_UnknownUserRejected(t *testing.T) {
	s, a := newTestServer(t)
	seedUser(t, a, "admin", "right")

	rec := postLogin(s, "ghost", "whatever")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestPrefixedAliasesServeTheSameRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/api/status", "/request/api/status"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}
