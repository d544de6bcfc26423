package utils

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ErrorResponse es el cuerpo estándar de error.
type ErrorResponse struct {
	Message string `json:"message"`
}

func SendSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"data": data,
	})
}

func SendError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error": ErrorResponse{
			Message: message,
		},
	})
}

// --- Helpers para errores comunes ---

func SendBadRequest(c *gin.Context, message string) {
	SendError(c, http.StatusBadRequest, message)
}

func SendNotFound(c *gin.Context, message string) {
	SendError(c, http.StatusNotFound, message)
}

func SendConflict(c *gin.Context, message string) {
	SendError(c, http.StatusConflict, message)
}

func SendInternalServerError(c *gin.Context, message string) {
	SendError(c, http.StatusInternalServerError, message)
}

// QueryInt lee un entero de la query; ausente o inválido devuelve fallback.
func QueryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
