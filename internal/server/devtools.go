package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/units"
)

// maxFaucet caps one faucet grant.
const maxFaucet = 10_000 * units.One

// FaucetRequest mints test tokens on the in-memory ledger.
type FaucetRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// ApproveRequest lets the caller allow custody to pull their tokens.
type ApproveRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// registerDevRoutes exposes the approve-then-create flow without a chain.
// Only mounted for the in-memory ledger outside production.
func (s *Server) registerDevRoutes(public, protected *gin.RouterGroup) {
	public.POST("/dev/faucet", s.faucetHandler)
	public.GET("/dev/balances/:address", s.devBalanceHandler)
	protected.POST("/dev/approve", s.approveHandler)
}

func (s *Server) faucetHandler(c *gin.Context) {
	var req FaucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	to, err := address.Parse(req.Address)
	if err != nil || to.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid address"})
		return
	}
	amount, err := units.Parse(req.Amount)
	if err != nil || amount == 0 || amount > maxFaucet {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be between 0 and " + units.Format(maxFaucet)})
		return
	}

	ledger := s.tokens.ledger(s.escrowService.Settings().Token)
	if err := ledger.Mint(to, amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mint_failed", "message": err.Error()})
		return
	}
	logging.L(c.Request.Context()).Info("dev faucet", "to", to.String(), "amount", amount)
	c.JSON(http.StatusOK, gin.H{"address": to, "minted": units.Format(amount)})
}

func (s *Server) approveHandler(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := units.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	owner := auth.GetAuthenticatedAddress(c)
	custody := s.escrowService.Custody()
	ledger := s.tokens.ledger(s.escrowService.Settings().Token)
	if err := ledger.Approve(owner, custody, amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "approve_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "spender": custody, "allowance": units.Format(amount)})
}

func (s *Server) devBalanceHandler(c *gin.Context) {
	who, err := address.Parse(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid address"})
		return
	}
	ctx := c.Request.Context()
	ledger := s.tokens.ledger(s.escrowService.Settings().Token)
	balance, _ := ledger.BalanceOf(ctx, who)
	allowance, _ := ledger.Allowance(ctx, who, s.escrowService.Custody())
	c.JSON(http.StatusOK, gin.H{
		"address":   who,
		"balance":   units.Format(balance),
		"allowance": units.Format(allowance),
	})
}
