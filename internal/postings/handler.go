package postings

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/degentalk/dgt-wallet/internal/ledger"
	"github.com/degentalk/dgt-wallet/internal/middleware"
)

// Handler exposes the internal postings endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a postings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type postingRequest struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Reason      string `json:"reason" validate:"required,oneof=tip purchase reward adjustment"`
	ExternalRef string `json:"externalRef" validate:"required,max=200"`
}

type transferRequest struct {
	FromUserID  string `json:"fromUserId" validate:"required,max=64"`
	ToUserID    string `json:"toUserId" validate:"required,max=64"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Reason      string `json:"reason" validate:"omitempty,oneof=tip purchase transfer_out"`
	ExternalRef string `json:"externalRef" validate:"required,max=200"`
}

func (r postingRequest) input() PostingInput {
	return PostingInput{UserID: r.UserID, Amount: r.Amount, Reason: ledger.Reason(r.Reason), ExternalRef: r.ExternalRef}
}

// Credit books a credit for a collaborator.
func (h *Handler) Credit(c *fiber.Ctx) error {
	var req postingRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	entry, err := h.service.Credit(c.UserContext(), req.input())
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(entry)
}

// Debit books a debit for a collaborator.
func (h *Handler) Debit(c *fiber.Ctx) error {
	var req postingRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	entry, err := h.service.Debit(c.UserContext(), req.input())
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(entry)
}

// Transfer moves DGT between two users.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	res, err := h.service.Transfer(c.UserContext(), TransferInput{
		FromUserID:  req.FromUserID,
		ToUserID:    req.ToUserID,
		Amount:      req.Amount,
		Reason:      ledger.Reason(req.Reason),
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"debit":       res.Debit,
		"credit":      res.Credit,
		"fromBalance": res.FromBalance,
		"toBalance":   res.ToBalance,
	})
}

// Balance returns a user's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	userID := c.Params("userId")
	balance, err := h.service.Balance(c.UserContext(), userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"userId": userID, "balance": balance})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient balance")
	case errors.Is(err, ledger.ErrDuplicateRef):
		return fiber.NewError(http.StatusConflict, "duplicate external ref")
	case errors.Is(err, ledger.ErrSelfTransferNotAllowed):
		return fiber.NewError(http.StatusBadRequest, "self transfer not allowed")
	case errors.Is(err, ErrMissingRef), errors.Is(err, ErrReasonNotAllowed),
		errors.Is(err, ledger.ErrInvalidReason), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUser), errors.Is(err, ledger.ErrInvalidRef):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}
}
