package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/api"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/otel"
	"milestonepay/pkg/rbac"
)

// ReadyCheck is one dependency probed by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handlers struct {
	Projects   *api.ProjectHandler
	Escrow     *api.EscrowHandler
	Milestones *api.MilestoneHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, checks []ReadyCheck, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), RequestLogger(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for _, chk := range checks {
			if err := chk.Check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": chk.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// 公开的透明度看板，不需要登录
	r.GET("/public/projects", h.Projects.PublicDashboard)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.PUT("/me/wallet", RequirePermission(rbac.PermissionRegisterWallet), h.Projects.RegisterWallet)
		auth.GET("/dashboard", RequirePermission(rbac.PermissionReadProject), h.Projects.Dashboard)

		auth.POST("/projects", RequirePermission(rbac.PermissionProposeProject), h.Projects.Propose)
		auth.GET("/projects/:id", RequirePermission(rbac.PermissionReadProject), h.Projects.Get)
		auth.POST("/projects/:id/verify", RequirePermission(rbac.PermissionReviewProject), h.Projects.Verify)
		auth.POST("/projects/:id/reject", RequirePermission(rbac.PermissionReviewProject), h.Projects.Reject)
		auth.POST("/projects/:id/milestones", RequirePermission(rbac.PermissionEditMilestones), h.Projects.AddMilestone)
		auth.DELETE("/projects/:id/milestones/:index", RequirePermission(rbac.PermissionEditMilestones), h.Projects.RemoveMilestone)

		// Escrow binding
		auth.POST("/projects/:id/fund", RequirePermission(rbac.PermissionFundProject), h.Escrow.Fund)
		auth.POST("/projects/:id/escrow/recover", RequirePermission(rbac.PermissionRecoverEscrow), h.Escrow.Recover)
		auth.POST("/projects/:id/escrow/abandon", RequirePermission(rbac.PermissionRecoverEscrow), h.Escrow.Abandon)

		// Milestone lifecycle
		auth.POST("/projects/:id/milestones/:index/proof", RequirePermission(rbac.PermissionSubmitMilestone), h.Milestones.SubmitProof)
		auth.POST("/projects/:id/milestones/:index/approve", RequirePermission(rbac.PermissionReviewMilestone), h.Milestones.Approve)
		auth.POST("/projects/:id/milestones/:index/reject", RequirePermission(rbac.PermissionReviewMilestone), h.Milestones.Reject)
		auth.POST("/projects/:id/milestones/:index/release", RequirePermission(rbac.PermissionRetryRelease), h.Milestones.Release)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
