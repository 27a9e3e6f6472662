package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/degentalk/dgt-wallet/internal/ledger"
	"github.com/degentalk/dgt-wallet/internal/middleware"
	"github.com/degentalk/dgt-wallet/internal/provider"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type depositAddressRequest struct {
	Currency string `json:"currency" validate:"required,max=16"`
	Chain    string `json:"chain" validate:"required,max=32"`
}

type withdrawalRequest struct {
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Currency string `json:"currency" validate:"required,max=16"`
	Chain    string `json:"chain" validate:"required,max=32"`
	Address  string `json:"destinationAddress" validate:"required,max=256"`
	Memo     string `json:"memo" validate:"max=128"`
}

type transferRequest struct {
	ToUserID string `json:"toUserId" validate:"required,max=64"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Kind     string `json:"kind" validate:"omitempty,oneof=transfer tip"`
	PostID   string `json:"postId" validate:"max=64"`
}

type transferResponse struct {
	DebitEntryID  string `json:"debitEntryId"`
	CreditEntryID string `json:"creditEntryId"`
	Balance       int64  `json:"balance"`
}

// Init creates the caller's wallet and credits the welcome bonus once.
func (h *Handler) Init(c *fiber.Ctx) error {
	subject, err := middleware.SubjectFrom(c)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	res, err := h.service.InitializeWallet(c.UserContext(), subject.UserID)
	if err != nil {
		return httpError(err)
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(res)
}

// Balance returns the caller's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	subject, err := middleware.SubjectFrom(c)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	balance, err := h.service.Balance(c.UserContext(), subject.UserID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"userId": subject.UserID, "balance": balance})
}

// Entries pages through the caller's ledger history, newest first.
func (h *Handler) Entries(c *fiber.Ctx) error {
	subject, err := middleware.SubjectFrom(c)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	page := ledger.Page{Limit: c.QueryInt("limit"), Before: c.Query("before")}
	entries, err := h.service.History(c.UserContext(), subject.UserID, page)
	if err != nil {
		return httpError(err)
	}
	next := ""
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	return c.JSON(fiber.Map{"entries": entries, "next": next})
}

// Features lists the gate decisions for the caller.
func (h *Handler) Features(c *fiber.Ctx) error {
	subject, err := middleware.SubjectFrom(c)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(fiber.Map{"features": h.service.Features(subject)})
}

// DepositAddress returns or issues the caller's deposit address.
func (h *Handler) DepositAddress(c *fiber.Ctx) error {
	subject, err := middleware.SubjectFrom(c)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	var req depositAddressRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	addr, err := h.service.DepositAddress(c.UserContext(), subject, req.Currency, req.Chain)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(addr)
}

// RequestWithdrawal starts a payout. A request rejected by the provider is
// returned with status failed.
func (h *Handler) RequestWithdrawal(c *fiber.Ctx) error {
	subject, err := middleware.SubjectFrom(c)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	var req withdrawalRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	w, err := h.service.RequestWithdrawal(c.UserContext(), subject, WithdrawalInput{
		Amount:   req.Amount,
		Currency: req.Currency,
		Chain:    req.Chain,
		Address:  req.Address,
		Memo:     req.Memo,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusAccepted).JSON(w)
}

// Withdrawal returns one of the caller's withdrawals.
func (h *Handler) Withdrawal(c *fiber.Ctx) error {
	subject, err := middleware.SubjectFrom(c)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	w, err := h.service.Withdrawal(c.UserContext(), subject, c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(w)
}

// Transfer sends DGT to another user. Plain transfers are keyed by the
// request's Idempotency-Key, tips by post.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	subject, err := middleware.SubjectFrom(c)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	var req transferRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	in := TransferInput{
		ToUserID: req.ToUserID,
		Amount:   req.Amount,
		Kind:     KindTransfer,
		PostID:   req.PostID,
	}
	if req.Kind == string(KindTip) {
		in.Kind = KindTip
	}
	if key := middleware.IdempotencyKey(c); key != "" {
		in.ExternalRef = "transfer:" + subject.UserID + ":" + key
	}
	res, err := h.service.TransferDgt(c.UserContext(), subject, in)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(transferResponse{
		DebitEntryID:  res.Debit.ID,
		CreditEntryID: res.Credit.ID,
		Balance:       res.FromBalance,
	})
}

// Webhook receives provider callbacks. Signature failures get a bare 401 so
// nothing about the check leaks to the caller.
func (h *Handler) Webhook(c *fiber.Ctx) error {
	headers := make(http.Header)
	c.Request().Header.VisitAll(func(k, v []byte) {
		headers.Add(string(k), string(v))
	})
	body := append([]byte(nil), c.Body()...)

	_, err := h.service.ProcessWebhook(c.UserContext(), c.Params("provider"), headers, body)
	switch {
	case err == nil:
		return c.Status(http.StatusOK).SendString("Success")
	case errors.Is(err, provider.ErrInvalidSignature):
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	case errors.Is(err, ErrUnknownProvider):
		return fiber.NewError(http.StatusNotFound, "unknown provider")
	case errors.Is(err, provider.ErrMalformedPayload):
		return fiber.NewError(http.StatusBadRequest, "malformed payload")
	case errors.Is(err, ErrDeliveryInFlight):
		return fiber.NewError(http.StatusServiceUnavailable, "delivery in progress")
	default:
		return fiber.NewError(http.StatusInternalServerError, "webhook processing failed")
	}
}

// httpError maps orchestrator and ledger errors to HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrFeatureNotEnabled):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrWithdrawalNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrDuplicateRef), errors.Is(err, ErrInvalidTransition):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAmountOutOfRange), errors.Is(err, ErrUnsupportedCurrency),
		errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrMissingPostID),
		errors.Is(err, ErrSelfTransferNotAllowed), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUser), errors.Is(err, ledger.ErrInvalidRef),
		errors.Is(err, provider.ErrRejected):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrTransient):
		return fiber.NewError(http.StatusBadGateway, "payment provider unavailable")
	}
	return fiber.NewError(http.StatusInternalServerError, "internal error")
}
