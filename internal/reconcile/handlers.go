package reconcile

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sessionpay/internal/validation"
)

// Handler provides the webhook intake and the operator endpoints.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new reconcile handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterRoutes sets up the provider-facing webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:provider", h.ReceiveWebhook)
}

// RegisterAdminRoutes sets up operator routes. The caller is responsible
// for guarding the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/regrant", h.Regrant)
	r.POST("/events/:provider/:eventId/replay", h.Replay)
}

// ReceiveWebhook handles POST /webhooks/:provider. The body is read raw:
// signatures are computed over the exact bytes the provider sent.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	name := c.Param("provider")

	payload, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"ok":      false,
				"error":   "payload_too_large",
				"message": "Webhook body exceeds the size limit",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	header := ""
	if p, err := h.orchestrator.providers.Get(name); err == nil {
		header = c.GetHeader(p.SignatureHeader())
	}

	resp, err := h.orchestrator.HandleWebhook(c.Request.Context(), name, payload, header)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction handles GET /admin/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.orchestrator.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /admin/transactions?buyer=&limit=&cursor=
func (h *Handler) ListTransactions(c *gin.Context) {
	q, errs := validation.ParseListQuery(c)
	if len(errs) > 0 {
		validation.RespondInvalid(c, errs)
		return
	}

	page, err := h.orchestrator.ListTransactions(c.Request.Context(), q.Buyer, q.Limit, q.Cursor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Transactions,
		"count":        len(page.Transactions),
		"next_cursor":  page.NextCursor,
		"has_more":     page.HasMore,
	})
}

// Regrant handles POST /admin/transactions/:id/regrant
func (h *Handler) Regrant(c *gin.Context) {
	grant, err := h.orchestrator.Regrant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "granted": grant})
}

// Replay handles POST /admin/events/:provider/:eventId/replay
func (h *Handler) Replay(c *gin.Context) {
	resp, err := h.orchestrator.Replay(c.Request.Context(), c.Param("provider"), c.Param("eventId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	var rerr *Error
	if !errors.As(err, &rerr) {
		rerr = fail(KindStorage, err)
	}
	status := rerr.HTTPStatus()

	message := rerr.Err.Error()
	if status >= http.StatusInternalServerError && rerr.Kind != KindUpstream {
		message = "Internal error, the delivery can be retried"
	}
	c.JSON(status, gin.H{
		"ok":      false,
		"error":   rerr.Kind.Code(),
		"message": message,
	})
}
