package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/allocation"
	"milestonepay/internal/service/binding"
	"milestonepay/internal/service/reconcile"
)

type EscrowHandler struct {
	binding  *binding.Service
	decimals int
	logger   *zap.Logger
}

// NewEscrowHandler builds the funding endpoints. decimals is the number of
// fractional digits of the ledger currency (18 for ETH).
func NewEscrowHandler(b *binding.Service, decimals int, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{
		binding:  b,
		decimals: decimals,
		logger:   logger,
	}
}

// Fund handles POST /projects/:id/fund
func (h *EscrowHandler) Fund(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	var body struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	total, err := allocation.ParseAmount(body.Amount, h.decimals)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	p, err := h.binding.Bind(c.Request.Context(), actor, c.Param("id"), total)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": reconcile.OffChainView(p)})
}

// Recover handles POST /projects/:id/escrow/recover. contract_address is
// optional when the interrupted deployment already recorded one.
func (h *EscrowHandler) Recover(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	var body struct {
		ContractAddress string `json:"contract_address"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	p, err := h.binding.RecoverBinding(c.Request.Context(), actor, c.Param("id"), body.ContractAddress)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}

// Abandon handles POST /projects/:id/escrow/abandon
func (h *EscrowHandler) Abandon(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	p, err := h.binding.AbandonBinding(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}
