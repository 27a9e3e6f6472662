package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/degentalk/dgt-wallet/internal/postings"
)

// RegisterPostingRoutes wires the internal collaborator endpoints.
func RegisterPostingRoutes(r fiber.Router, h *postings.Handler) {
	r.Post("/postings/credit", h.Credit)
	r.Post("/postings/debit", h.Debit)
	r.Post("/postings/transfer", h.Transfer)
	r.Get("/balances/:userId", h.Balance)
}
