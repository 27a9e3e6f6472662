package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/degentalk/dgt-wallet/internal/wallet"
)

// RegisterWalletRoutes wires the user wallet endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, withdrawLimit, transferLimit fiber.Handler) {
	r.Post("/wallet/init", h.Init)
	r.Get("/wallet/balance", h.Balance)
	r.Get("/wallet/entries", h.Entries)
	r.Get("/wallet/features", h.Features)
	r.Post("/wallet/deposit-address", h.DepositAddress)
	r.Post("/wallet/withdrawals", withdrawLimit, h.RequestWithdrawal)
	r.Get("/wallet/withdrawals/:id", h.Withdrawal)
	r.Post("/wallet/transfers", transferLimit, h.Transfer)
}
