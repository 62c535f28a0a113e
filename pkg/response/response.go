package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes returned in the "error" field of a failed response.
const (
	ErrNotFound    = "not_found"
	ErrRateLimited = "rate_limited"
	ErrUnavailable = "service_unavailable"
	ErrBadRequest  = "bad_request"
	ErrInternal    = "internal_error"
)

// Success writes {"ok":true} merged with data.
func Success(c *gin.Context, data gin.H) {
	Result(c, http.StatusOK, data)
}

// Result writes {"ok":true} merged with data using the given status.
func Result(c *gin.Context, httpStatus int, data gin.H) {
	body := gin.H{"ok": true}
	for k, v := range data {
		if k == "ok" {
			continue
		}
		body[k] = v
	}
	c.JSON(httpStatus, body)
}

// Fail writes {"ok":false,"error":code}.
func Fail(c *gin.Context, httpStatus int, code string) {
	c.JSON(httpStatus, gin.H{
		"ok":    false,
		"error": code,
	})
}

// AbortWithError aborts the chain with {"ok":false,"error":code}.
func AbortWithError(c *gin.Context, httpStatus int, code string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"ok":    false,
		"error": code,
	})
}

// NotFound is the handler for unmatched routes.
func NotFound(c *gin.Context) {
	Fail(c, http.StatusNotFound, ErrNotFound)
}
