package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Success returns a success response
func Success(message string, data interface{}) Response {
	if message == "" {
		message = "success"
	}
	return Response{
		Success: true,
		Message: message,
		Data:    data,
	}
}

// Error returns an error response
func Error(kind, message string) Response {
	return Response{
		Success:   false,
		Message:   message,
		ErrorKind: kind,
	}
}

// JSON sends a JSON response
func JSON(c *gin.Context, statusCode int, response Response) {
	c.JSON(statusCode, response)
}

// SuccessJSON sends a 200 success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, Success("", data))
}

// CreatedJSON sends a 201 success JSON response
func CreatedJSON(c *gin.Context, message string, data interface{}) {
	JSON(c, http.StatusCreated, Success(message, data))
}

// ErrorJSON sends an error JSON response and stops the handler chain
func ErrorJSON(c *gin.Context, statusCode int, kind, message string) {
	c.AbortWithStatusJSON(statusCode, Error(kind, message))
}
