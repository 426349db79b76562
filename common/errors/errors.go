package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error represents an application error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates a new Error
func New(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wrap returns a copy of base carrying err as its cause. The copy keeps
// base's code and message so errors.Is(wrapped, base) still matches.
func Wrap(base *Error, err error) *Error {
	return &Error{
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// Is lets wrapped copies match their base error by code and message
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// Common error types
var (
	ErrBadRequest         = New(http.StatusBadRequest, "Bad request", nil)
	ErrNotFound           = New(http.StatusNotFound, "Not found", nil)
	ErrConflict           = New(http.StatusConflict, "Conflict", nil)
	ErrInternalServer     = New(http.StatusInternalServerError, "Internal server error", nil)
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "Service unavailable", nil)
)

// Error handlers
func HandleError(w http.ResponseWriter, err error) {
	var appErr *Error
	if e, ok := err.(*Error); ok {
		appErr = e
	} else {
		appErr = Wrap(ErrInternalServer, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Code)
	w.Write([]byte(appErr.JSON()))
}

// Error middleware for Gin
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err
			var appErr *Error
			if e, ok := err.(*Error); ok {
				appErr = e
			} else {
				appErr = Wrap(ErrInternalServer, err)
			}

			c.JSON(appErr.Code, appErr)
			c.Abort()
		}
	}
}

// Validation error types
var (
	ErrValidation   = New(http.StatusBadRequest, "Validation error", nil)
	ErrInvalidInput = New(http.StatusBadRequest, "Invalid input", nil)
)

// Saga error taxonomy. The first four are definitive outcomes that drive
// compensation; the transient pair must be retried, never compensated.
var (
	ErrInsufficientStock  = New(http.StatusConflict, "Insufficient stock", nil)
	ErrReservationExpired = New(http.StatusConflict, "Reservation expired", nil)
	ErrStaleVersion       = New(http.StatusConflict, "Stale order version", nil)
	ErrPaymentDeclined    = New(http.StatusPaymentRequired, "Payment declined", nil)

	ErrTransientBus     = New(http.StatusServiceUnavailable, "Transient bus error", nil)
	ErrTransientGateway = New(http.StatusBadGateway, "Transient gateway error", nil)
)

// Order lifecycle error types
var (
	ErrOrderNotFound        = New(http.StatusNotFound, "Order not found", nil)
	ErrCancelNotAllowed     = New(http.StatusConflict, "Order can no longer be cancelled", nil)
	ErrCancelRequiresReturn = New(http.StatusConflict, "Shipped order must go through the return flow", nil)
	ErrReservationNotFound  = New(http.StatusNotFound, "Reservation not found", nil)
	ErrPaymentNotFound      = New(http.StatusNotFound, "Payment not found", nil)
)
