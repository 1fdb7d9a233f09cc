package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func run(t *testing.T, mw echo.MiddlewareFunc, authorization string) (*httptest.ResponseRecorder, *Claims) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	if authorization != "" {
		req.Header.Set(echo.HeaderAuthorization, authorization)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got *Claims
	handler := mw(func(c echo.Context) error {
		got = ClaimsFromContext(c)
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, got
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-1",
		"scope": "records.read records.write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	rec, claims := run(t, Middleware(testSecret, false), "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if claims == nil || claims.Subject != "user-1" {
		t.Fatalf("claims = %+v, want subject user-1", claims)
	}
	if len(claims.Scopes) != 2 {
		t.Errorf("Scopes = %v, want two entries", claims.Scopes)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	rec, _ := run(t, Middleware(testSecret, false), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	token := signToken(t, "other-secret", jwt.MapClaims{"sub": "user-1"})
	rec, _ := run(t, Middleware(testSecret, false), "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	rec, _ := run(t, Middleware(testSecret, false), "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDevBypassAllowsAnonymous(t *testing.T) {
	rec, claims := run(t, Middleware("", true), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if claims == nil || claims.Subject != "dev" {
		t.Fatalf("claims = %+v, want dev principal", claims)
	}
}
