package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/escrowerr"
	"milestonepay/internal/service/lifecycle"
	"milestonepay/internal/service/reconcile"
)

type MilestoneHandler struct {
	lifecycle *lifecycle.Service
	logger    *zap.Logger
}

func NewMilestoneHandler(l *lifecycle.Service, logger *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{
		lifecycle: l,
		logger:    logger,
	}
}

// SubmitProof handles POST /projects/:id/milestones/:index/proof. A
// multipart "proof" file is pinned first; a JSON body carries an existing
// proof_ref.
func (h *MilestoneHandler) SubmitProof(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	pos, err := parseIndex(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	ctx := c.Request.Context()

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
		f, name, err := readUpload(c, "proof")
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		if f == nil {
			writeError(c, h.logger, &escrowerr.ValidationError{Field: "proof", Reason: "file is required"})
			return
		}
		defer f.Close()

		p, err := h.lifecycle.SubmitFile(ctx, actor, c.Param("id"), pos, name, f)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
		return
	}

	var body struct {
		ProofRef string `json:"proof_ref"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	p, err := h.lifecycle.Submit(ctx, actor, c.Param("id"), pos, body.ProofRef)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}

// Approve handles POST /projects/:id/milestones/:index/approve. When the
// inline release hits a transient ledger failure the approval itself
// stands, so the response is 202 with the approved state.
func (h *MilestoneHandler) Approve(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	pos, err := parseIndex(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	p, err := h.lifecycle.Approve(c.Request.Context(), actor, c.Param("id"), pos)
	if err != nil {
		var cc *escrowerr.ChainCallError
		if p == nil || !errors.As(err, &cc) {
			writeError(c, h.logger, err)
			return
		}
		status := StatusFor(err)
		if cc.Transient {
			status = http.StatusAccepted
		}
		c.JSON(status, gin.H{
			"project": reconcile.OffChainView(p),
			"release": "pending",
			"error":   err.Error(),
			"kind":    escrowerr.KindChainCall,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}

// Reject handles POST /projects/:id/milestones/:index/reject
func (h *MilestoneHandler) Reject(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	pos, err := parseIndex(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	p, err := h.lifecycle.Reject(c.Request.Context(), actor, c.Param("id"), pos, body.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}

// Release handles POST /projects/:id/milestones/:index/release
func (h *MilestoneHandler) Release(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	pos, err := parseIndex(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	m, err := h.lifecycle.RetryRelease(c.Request.Context(), actor, c.Param("id"), pos)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": reconcile.OffChainMilestone(*m)})
}
