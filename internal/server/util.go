package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// statusFor maps lifecycle errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tunnel.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, tunnel.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, tunnel.ErrNotFound):
		return http.StatusNotFound
	default:
		// process, timeout and internal errors are all server-side failures
		return http.StatusInternalServerError
	}
}
