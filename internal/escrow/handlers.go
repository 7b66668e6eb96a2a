package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/count", h.GetCount)
	r.GET("/escrow/settings", h.GetSettings)
	r.GET("/escrow/custody/balance", h.GetCustodyBalance)
	r.GET("/escrow/claimable", h.ListClaimable)
	r.GET("/escrow/:id", h.GetTransaction)
	r.GET("/escrow/:id/events", h.GetEvents)
	r.GET("/escrow/:id/refund-eligibility", h.GetRefundEligibility)
	r.GET("/parties/:address/escrows", validation.AddressParamMiddleware(), h.ListByParty)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateTransaction)
	r.POST("/escrow/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrow/:id/approve", h.ApproveRelease)
	r.POST("/escrow/:id/dispute", h.RaiseDispute)
	r.POST("/escrow/:id/refund", h.ClaimRefund)
	r.POST("/escrow/:id/resolve", h.ResolveDispute)
}

// RegisterAdminRoutes sets up owner-only routes. Ownership is checked by
// the service against the authenticated address.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/admin/escrow/fee", h.SetFee)
	r.PUT("/admin/escrow/arbitrator", h.SetArbitrator)
	r.PUT("/admin/escrow/token", h.SetToken)
	r.PUT("/admin/escrow/platform-wallet", h.SetPlatformWallet)
	r.PUT("/admin/escrow/owner", h.TransferOwnership)
	r.POST("/admin/escrow/:id/emergency-withdraw", h.EmergencyWithdraw)
	r.POST("/admin/escrow/emergency-withdraw-all", h.EmergencyWithdrawAll)
}

// CreateRequestBody is the JSON body of POST /v1/escrow. Amount is a
// decimal token amount ("10.5"). Deadline is RFC 3339; DeadlineHours is
// relative to now. Both are ignored in fixed-window mode.
type CreateRequestBody struct {
	Recipient     string     `json:"recipient" binding:"required"`
	Amount        string     `json:"amount" binding:"required"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	DeadlineHours int        `json:"deadlineHours,omitempty"`
}

// maxDeadlineHours is the largest DeadlineHours a time.Duration can hold.
const maxDeadlineHours = math.MaxInt64 / int64(time.Hour)

// ResolveRequestBody is the arbitrator's ruling.
type ResolveRequestBody struct {
	ReleaseToRecipient *bool `json:"releaseToRecipient" binding:"required"`
}

// FeeRequestBody carries a decimal token amount.
type FeeRequestBody struct {
	Fee string `json:"fee" binding:"required"`
}

// AddressRequestBody carries one address.
type AddressRequestBody struct {
	Address string `json:"address" binding:"required"`
}

// CreateTransaction handles POST /v1/escrow
func (h *Handler) CreateTransaction(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}

	var req CreateRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("recipient", req.Recipient),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.DeadlineHours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "deadlineHours must be positive",
		})
		return
	}
	if int64(req.DeadlineHours) > maxDeadlineHours {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_deadline",
			"message": fmt.Sprintf("deadlineHours must be at most %d", maxDeadlineHours),
		})
		return
	}

	amount, _ := units.Parse(req.Amount)
	create := CreateRequest{
		Recipient: address.MustParse(req.Recipient),
		Amount:    amount,
	}
	switch {
	case req.Deadline != nil:
		create.Deadline = *req.Deadline
	case req.DeadlineHours > 0:
		create.Deadline = h.service.now().Add(time.Duration(req.DeadlineHours) * time.Hour)
	}

	tx, err := h.service.Create(c.Request.Context(), caller, create)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/escrow/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	tx, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetEvents handles GET /v1/escrow/:id/events
func (h *Handler) GetEvents(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	events, err := h.service.Events(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []Event{}
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetRefundEligibility handles GET /v1/escrow/:id/refund-eligibility
func (h *Handler) GetRefundEligibility(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	e, err := h.service.RefundEligibility(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"eligibility": e})
}

// GetCount handles GET /v1/escrow/count
func (h *Handler) GetCount(c *gin.Context) {
	n, err := h.service.Count(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// GetSettings handles GET /v1/escrow/settings
func (h *Handler) GetSettings(c *gin.Context) {
	s := h.service.Settings()
	cfg := h.service.Config()
	c.JSON(http.StatusOK, gin.H{
		"settings":     s,
		"feeFormatted": units.Format(s.Fee),
		"feeBounds": gin.H{
			"min": cfg.Fees.Min,
			"max": cfg.Fees.Max,
		},
		"custody":      h.service.Custody(),
		"deadlineMode": cfg.DeadlineMode,
		"eventPayload": cfg.EventPayload,
		"maxAmount":    cfg.MaxAmount,
	})
}

// GetCustodyBalance handles GET /v1/escrow/custody/balance
func (h *Handler) GetCustodyBalance(c *gin.Context) {
	bal, err := h.service.CustodialBalance(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"custody":   h.service.Custody(),
		"balance":   bal,
		"formatted": units.Format(bal),
	})
}

// ListByParty handles GET /v1/parties/:address/escrows
func (h *Handler) ListByParty(c *gin.Context) {
	party := address.MustParse(c.Param("address"))

	txs, err := h.service.ListByParty(c.Request.Context(), party, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// ListClaimable handles GET /v1/escrow/claimable
func (h *Handler) ListClaimable(c *gin.Context) {
	txs, err := h.service.ListClaimable(c.Request.Context(), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// ConfirmDelivery handles POST /v1/escrow/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.transition(c, h.service.ConfirmDelivery)
}

// ApproveRelease handles POST /v1/escrow/:id/approve
func (h *Handler) ApproveRelease(c *gin.Context) {
	h.transition(c, h.service.ApproveRelease)
}

// RaiseDispute handles POST /v1/escrow/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	h.transition(c, h.service.RaiseDispute)
}

// ClaimRefund handles POST /v1/escrow/:id/refund
func (h *Handler) ClaimRefund(c *gin.Context) {
	h.transition(c, h.service.ClaimRefundAfterDeadline)
}

// EmergencyWithdraw handles POST /v1/admin/escrow/:id/emergency-withdraw
func (h *Handler) EmergencyWithdraw(c *gin.Context) {
	h.transition(c, h.service.EmergencyWithdraw)
}

// ResolveDispute handles POST /v1/escrow/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req ResolveRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "releaseToRecipient is required",
		})
		return
	}

	tx, err := h.service.ResolveDispute(c.Request.Context(), caller, id, *req.ReleaseToRecipient)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// SetFee handles PUT /v1/admin/escrow/fee
func (h *Handler) SetFee(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}

	var req FeeRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	fee, err := units.Parse(req.Fee)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "fee: invalid amount format",
		})
		return
	}

	s, err := h.service.SetFee(c.Request.Context(), caller, fee)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// SetArbitrator handles PUT /v1/admin/escrow/arbitrator
func (h *Handler) SetArbitrator(c *gin.Context) {
	h.setAddress(c, h.service.SetArbitrator)
}

// SetToken handles PUT /v1/admin/escrow/token
func (h *Handler) SetToken(c *gin.Context) {
	h.setAddress(c, h.service.SetToken)
}

// SetPlatformWallet handles PUT /v1/admin/escrow/platform-wallet
func (h *Handler) SetPlatformWallet(c *gin.Context) {
	h.setAddress(c, h.service.SetPlatformWallet)
}

// TransferOwnership handles PUT /v1/admin/escrow/owner
func (h *Handler) TransferOwnership(c *gin.Context) {
	h.setAddress(c, h.service.TransferOwnership)
}

// EmergencyWithdrawAll handles POST /v1/admin/escrow/emergency-withdraw-all
func (h *Handler) EmergencyWithdrawAll(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}

	swept, err := h.service.EmergencyWithdrawAll(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"swept":     swept,
		"formatted": units.Format(swept),
	})
}

func (h *Handler) transition(c *gin.Context, fn func(context.Context, address.Address, uint64) (*Transaction, error)) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	tx, err := fn(c.Request.Context(), caller, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (h *Handler) setAddress(c *gin.Context, fn func(context.Context, address.Address, address.Address) (Settings, error)) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}

	var req AddressRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	target, err := address.Parse(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be base58 (T...) or hex (0x...)",
		})
		return
	}

	s, err := fn(c.Request.Context(), caller, target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// callerAddress reads the address set by the auth middleware.
func callerAddress(c *gin.Context) (address.Address, bool) {
	caller, err := address.Parse(c.GetString(auth.ContextKeyCaller))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return address.Zero, false
	}
	return caller, true
}

// queryLimit reads ?limit=, defaulting to 50 and capped at 200.
func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "id must be a non-negative integer",
		})
		return 0, false
	}
	return id, true
}

// writeError maps service errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrDeadlineNotPassed):
		status, code = http.StatusConflict, "deadline_not_passed"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidAddress):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrInvalidDeadline):
		status, code = http.StatusBadRequest, "invalid_deadline"
	case errors.Is(err, ErrOutOfBounds):
		status, code = http.StatusBadRequest, "out_of_bounds"
	case errors.Is(err, ErrReconciliationRequired):
		status, code = http.StatusBadGateway, "reconciliation_required"
	case errors.Is(err, ErrTransferFailed):
		status, code = http.StatusBadGateway, "transfer_failed"
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
