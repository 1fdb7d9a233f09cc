// Package auth authenticates API requests with signed bearer tokens.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims are the token claims the API cares about.
type Claims struct {
	Subject string
	Scopes  []string
}

const claimsKey = "auth_claims"

// ClaimsFromContext returns the authenticated claims, or nil on an
// unauthenticated request (development mode only).
func ClaimsFromContext(c echo.Context) *Claims {
	claims, _ := c.Get(claimsKey).(*Claims)
	return claims
}

// Middleware verifies HS256 bearer tokens. With devBypass set, requests
// without a token pass through as an anonymous development principal.
func Middleware(secret string, devBypass bool) echo.MiddlewareFunc {
	key := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c.Request())
			if raw == "" {
				if devBypass {
					c.Set(claimsKey, &Claims{Subject: "dev"})
					return next(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}

			c.Set(claimsKey, claimsOf(token))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func claimsOf(token *jwt.Token) *Claims {
	claims := &Claims{}
	mapped, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return claims
	}
	claims.Subject, _ = mapped["sub"].(string)
	if scope, ok := mapped["scope"].(string); ok && scope != "" {
		claims.Scopes = strings.Fields(scope)
	}
	return claims
}
