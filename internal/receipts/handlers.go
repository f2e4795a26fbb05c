package receipts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sessionpay/internal/validation"
)

// Handler provides HTTP endpoints for receipt operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new receipt handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up receipt routes. The group is expected to be
// behind the admin guard.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/receipts", h.ListByBuyer)
	r.GET("/receipts/:id", h.GetReceipt)
	r.POST("/receipts/:id/verify", h.VerifyReceipt)
	r.GET("/transactions/:id/receipt", h.GetByTransaction)
}

// GetReceipt handles GET /admin/receipts/:id
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// GetByTransaction handles GET /admin/transactions/:id/receipt
func (h *Handler) GetByTransaction(c *gin.Context) {
	receipt, err := h.service.GetByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// ListByBuyer handles GET /admin/receipts?buyer=&limit=&cursor=
func (h *Handler) ListByBuyer(c *gin.Context) {
	q, errs := validation.ParseListQuery(c)
	if len(errs) > 0 {
		validation.RespondInvalid(c, errs)
		return
	}

	page, err := h.service.ListByBuyer(c.Request.Context(), q.Buyer, q.Limit, q.Cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"receipts":    page.Receipts,
		"count":       len(page.Receipts),
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// VerifyReceipt handles POST /admin/receipts/:id/verify
func (h *Handler) VerifyReceipt(c *gin.Context) {
	resp, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verification": resp})
}

func respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrReceiptNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Receipt not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
