package middleware

import (
	"crypto/sha256"
	"net/http"
	"sync"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const (
	serviceKeyHeader = "X-Service-Key"
	callerLocal      = "caller"
)

// ServiceKey admits internal callers presenting a key that matches one of the
// bcrypt hashes. Verified keys are remembered by digest to skip bcrypt on
// later requests.
func ServiceKey(hashes []string) fiber.Handler {
	var verified sync.Map
	return func(c *fiber.Ctx) error {
		key := c.Get(serviceKeyHeader)
		if key == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing service key")
		}
		digest := sha256.Sum256([]byte(key))
		if _, ok := verified.Load(digest); ok {
			c.Locals(callerLocal, "service")
			return c.Next()
		}
		for _, h := range hashes {
			if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
				verified.Store(digest, struct{}{})
				c.Locals(callerLocal, "service")
				return c.Next()
			}
		}
		return fiber.NewError(http.StatusUnauthorized, "invalid service key")
	}
}
