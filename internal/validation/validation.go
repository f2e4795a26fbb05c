// Package validation provides request validation middleware for the
// webhook and admin APIs.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sessionpay/internal/pagination"
)

// MaxRequestSize is the maximum request body size (1MB). Provider webhook
// payloads are well below this.
const MaxRequestSize = 1 << 20 // 1MB

// MaxIDLength bounds path identifiers (transaction ids, provider event ids).
const MaxIDLength = 255

// idRegex accepts the identifier alphabets used by providers and idgen:
// evt_..., pi_..., txn_<uuid>, hmac relay ids.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string is an acceptable resource identifier.
func IsValidID(s string) bool {
	return len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks if a field is a well-formed identifier
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be a valid identifier"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IDParamMiddleware validates the named URL parameters on routes that use
// them. Apply to route groups with :id style params to reject malformed
// identifiers before they reach a store.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			v := c.Param(name)
			if v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": name + " must be a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}

// List limits for the admin listing endpoints.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListQuery is the parsed query of a buyer-scoped admin listing.
type ListQuery struct {
	Buyer  string
	Limit  int
	Cursor *pagination.Cursor
}

// ParseListQuery reads ?buyer=&limit=&cursor=. A limit above MaxListLimit
// is clamped; a missing limit is DefaultListLimit.
func ParseListQuery(c *gin.Context) (ListQuery, ValidationErrors) {
	q := ListQuery{
		Buyer: strings.TrimSpace(c.Query("buyer")),
		Limit: DefaultListLimit,
	}
	rawLimit := c.Query("limit")
	rawCursor := c.Query("cursor")

	errs := Validate(
		Required("buyer", q.Buyer),
		ValidID("buyer", q.Buyer),
		MaxLength("cursor", rawCursor, pagination.MaxCursorLength),
		func() *ValidationError {
			if rawLimit == "" {
				return nil
			}
			n, err := strconv.Atoi(rawLimit)
			if err != nil || n <= 0 {
				return &ValidationError{Field: "limit", Message: "must be a positive integer"}
			}
			q.Limit = min(n, MaxListLimit)
			return nil
		},
		func() *ValidationError {
			cur, err := pagination.Decode(rawCursor)
			if err != nil {
				return &ValidationError{Field: "cursor", Message: "is not a valid cursor"}
			}
			q.Cursor = cur
			return nil
		},
	)
	return q, errs
}

// RespondInvalid writes a 400 with every failed rule.
func RespondInvalid(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}
