package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/allocation"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/service/project"
	"milestonepay/internal/service/reconcile"
)

// maxUploadBytes caps proposal documents and proof files.
const maxUploadBytes = 20 << 20

type milestoneRequest struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Percentage  json.Number `json:"percentage"`
}

func (r milestoneRequest) draft() (project.MilestoneDraft, error) {
	pct, err := allocation.ParsePercent(r.Percentage.String())
	if err != nil {
		return project.MilestoneDraft{}, err
	}
	return project.MilestoneDraft{Title: r.Title, Description: r.Description, Percentage: pct}, nil
}

type proposeRequest struct {
	Title      string             `json:"title"`
	Abstract   string             `json:"abstract"`
	ApproverID string             `json:"approver_id"`
	Milestones []milestoneRequest `json:"milestones"`
}

type ProjectHandler struct {
	projects *project.Service
	views    *reconcile.Service
	logger   *zap.Logger
}

func NewProjectHandler(projects *project.Service, views *reconcile.Service, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{
		projects: projects,
		views:    views,
		logger:   logger,
	}
}

// Propose handles POST /projects. It accepts either a JSON body or a
// multipart form with the JSON in "proposal" and an optional "document".
func (h *ProjectHandler) Propose(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}

	var body proposeRequest
	var req project.ProposeRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
		if err := json.Unmarshal([]byte(c.PostForm("proposal")), &body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal field"})
			return
		}
		doc, name, err := readUpload(c, "document")
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		if doc != nil {
			defer doc.Close()
			req.DocumentName = name
			req.Document = doc
		}
	} else if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	req.Title = body.Title
	req.Abstract = body.Abstract
	req.ApproverID = body.ApproverID
	for i, m := range body.Milestones {
		d, err := m.draft()
		if err != nil {
			writeError(c, h.logger, fmt.Errorf("milestone %d: %w", i, err))
			return
		}
		req.Milestones = append(req.Milestones, d)
	}

	p, err := h.projects.Propose(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": reconcile.OffChainView(p)})
}

// Get handles GET /projects/:id
func (h *ProjectHandler) Get(c *gin.Context) {
	if _, ok := getActor(c); !ok {
		return
	}
	v, err := h.views.View(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": v})
}

// Dashboard handles GET /dashboard
func (h *ProjectHandler) Dashboard(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	views, err := h.views.Dashboard(c.Request.Context(), actor)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if views == nil {
		views = []*reconcile.ProjectView{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": views})
}

// PublicDashboard handles GET /public/projects
func (h *ProjectHandler) PublicDashboard(c *gin.Context) {
	views, err := h.views.PublicDashboard(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if views == nil {
		views = []*reconcile.PublicProjectView{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": views})
}

// AddMilestone handles POST /projects/:id/milestones
func (h *ProjectHandler) AddMilestone(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	var body milestoneRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	d, err := body.draft()
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	p, err := h.projects.AddMilestone(c.Request.Context(), actor, c.Param("id"), d)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}

// RemoveMilestone handles DELETE /projects/:id/milestones/:index
func (h *ProjectHandler) RemoveMilestone(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	pos, err := parseIndex(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	p, err := h.projects.RemoveMilestone(c.Request.Context(), actor, c.Param("id"), pos)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}

// Verify handles POST /projects/:id/verify
func (h *ProjectHandler) Verify(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	p, err := h.projects.Verify(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}

// Reject handles POST /projects/:id/reject
func (h *ProjectHandler) Reject(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	p, err := h.projects.Reject(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": reconcile.OffChainView(p)})
}

// RegisterWallet handles PUT /me/wallet
func (h *ProjectHandler) RegisterWallet(c *gin.Context) {
	actor, ok := getActor(c)
	if !ok {
		return
	}
	var body struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	u, err := h.projects.RegisterWallet(c.Request.Context(), actor, body.WalletAddress)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":        u.ID,
		"role":           u.Role,
		"wallet_address": u.WalletAddress,
	})
}

// readUpload opens the named multipart file, or returns nil when absent.
func readUpload(c *gin.Context, field string) (io.ReadCloser, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, "", nil
		}
		return nil, "", &escrowerr.ValidationError{Field: field, Reason: err.Error()}
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", &escrowerr.ValidationError{Field: field, Reason: err.Error()}
	}
	return f, fh.Filename, nil
}
