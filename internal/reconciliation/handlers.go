package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the sweeper to operators.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/sweep", h.Sweep)
}

// Sweep handles POST /admin/reconciliation/sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.service.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Failed to list stranded events",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}
