package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func runJWT(t *testing.T, cfg JWTConfig, header string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen echo.Context
	h := JWTMiddleware(cfg)(func(c echo.Context) error {
		seen = c
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)
	return seen, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d, got nil error", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "medclare", Audience: "medclare-api"}
	tok, err := IssueToken(cfg, "patient-7", []string{RolePatient}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	c, err := runJWT(t, cfg, "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "patient-7" {
		t.Errorf("expected user patient-7, got %q", got)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != RolePatient {
		t.Errorf("expected [patient] roles, got %v", roles)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}
	tok, err := IssueToken(cfg, "doc-1", []string{RoleDoctor}, -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	_, err = runJWT(t, cfg, "Bearer "+tok)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKeyOrIssuer(t *testing.T) {
	tok, _ := IssueToken(JWTConfig{SigningKey: []byte("other-key")}, "doc-1", nil, time.Hour)
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tok)
	expectStatus(t, err, http.StatusUnauthorized)

	tok, _ = IssueToken(JWTConfig{SigningKey: testSigningKey, Issuer: "someone-else"}, "doc-1", nil, time.Hour)
	_, err = runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "medclare"}, "Bearer "+tok)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_RejectsNoneAndMissingExpiry(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "doc-1"}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tok)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_QueryToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}
	tok, _ := IssueToken(cfg, "patient-9", []string{RolePatient}, time.Hour)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	var uid string
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "patient-9" {
		t.Errorf("expected patient-9, got %q", uid)
	}
}

func TestIssueToken_Validation(t *testing.T) {
	if _, err := IssueToken(JWTConfig{}, "x", nil, time.Hour); err == nil {
		t.Error("expected error without signing key")
	}
	if _, err := IssueToken(JWTConfig{SigningKey: testSigningKey}, "", nil, time.Hour); err == nil {
		t.Error("expected error without subject")
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var p Principal
	err := DevAuthMiddleware()(func(c echo.Context) error {
		p = PrincipalFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "dev-user" || !p.IsAdmin() {
		t.Errorf("expected admin dev-user, got %+v", p)
	}
}

func TestDevAuthMiddleware_Headers(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevUserHeader, "patient-1")
	req.Header.Set(DevRoleHeader, RolePatient)
	c := e.NewContext(req, httptest.NewRecorder())

	var p Principal
	_ = DevAuthMiddleware()(func(c echo.Context) error {
		p = PrincipalFromContext(c.Request().Context())
		return nil
	})(c)
	if p.ID != "patient-1" {
		t.Errorf("expected patient-1, got %q", p.ID)
	}
	if p.IsDoctor() || p.IsAdmin() {
		t.Errorf("patient should not be doctor or admin: %+v", p)
	}
}
