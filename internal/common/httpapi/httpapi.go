// Package httpapi maps the error taxonomy onto HTTP responses. All handlers
// emit the same envelope so clients can branch on the code field.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgehook/forgehook/internal/errs"
)

// ErrorBody is the wire envelope for failures.
type ErrorBody struct {
	Code    errs.Code      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var statusByCode = map[errs.Code]int{
	errs.CodeValidation:        http.StatusBadRequest,
	errs.CodeNotFound:          http.StatusNotFound,
	errs.CodeConflict:          http.StatusConflict,
	errs.CodeEngineUnavailable: http.StatusServiceUnavailable,
	errs.CodeImageError:        http.StatusBadGateway,
	errs.CodeRuntimeError:      http.StatusBadGateway,
	errs.CodeLLMError:          http.StatusBadGateway,
	errs.CodeTimeout:           http.StatusGatewayTimeout,
	errs.CodeInternal:          http.StatusInternalServerError,
}

// Status returns the HTTP status for an error code.
func Status(code errs.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error writes the error envelope for err and aborts the request.
func Error(c *gin.Context, err error) {
	body := ErrorBody{
		Code:    errs.CodeOf(err),
		Message: err.Error(),
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		body.Message = coded.Message
		body.Details = coded.Details
	}
	c.AbortWithStatusJSON(Status(body.Code), body)
}

// BadRequest writes a validation envelope for malformed payloads.
func BadRequest(c *gin.Context, message string) {
	Error(c, errs.New(errs.CodeValidation, message))
}
