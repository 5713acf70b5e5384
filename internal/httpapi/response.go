package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Envelope is the response body of every JSON endpoint except /device.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type notifyResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jobCreatedResponse struct {
	JobID string `json:"job_id"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Envelope{Success: false, Error: msg})
}
