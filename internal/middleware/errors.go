package middleware

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders handler errors as JSON {"error": ...}. Validation
// failures keep their field details; anything unclassified is a 500 without
// internals.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return c.Status(http.StatusBadRequest).JSON(reqErr)
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
