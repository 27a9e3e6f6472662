package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/degentalk/dgt-wallet/internal/feature"
)

const subjectLocal = "subject"

// Claims are issued by the forum monolith. Subject carries the user id.
type Claims struct {
	Level int `json:"level"`
	jwt.RegisteredClaims
}

// JWTAuth validates HS256 bearer tokens and stores the caller's Subject.
func JWTAuth(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])

		claims := &Claims{}
		_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || claims.Subject == "" {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		c.Locals(subjectLocal, feature.Subject{UserID: claims.Subject, Level: claims.Level})
		return c.Next()
	}
}

// SubjectFrom returns the authenticated caller.
func SubjectFrom(c *fiber.Ctx) (feature.Subject, error) {
	s, ok := c.Locals(subjectLocal).(feature.Subject)
	if !ok || s.UserID == "" {
		return feature.Subject{}, errors.New("unauthenticated")
	}
	return s, nil
}

// IssueToken signs a token for userID. Used by tests and local tooling.
func IssueToken(secret []byte, userID string, level int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Level: level,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
