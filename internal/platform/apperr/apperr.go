// Package apperr defines the error kinds shared by the directory,
// provisioning and authentication layers and their HTTP representation.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnavailable        = errors.New("tenant database unavailable")
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidToken       = errors.New("invalid token")
)

// Error pairs a kind with a message that is safe to show to callers.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// New returns an *Error of the given kind.
func New(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) error {
	return New(ErrConflict, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return New(ErrNotFound, format, args...)
}

func Validation(format string, args ...interface{}) error {
	return New(ErrValidation, format, args...)
}

// LockedError reports an account that is temporarily locked after repeated
// failed logins.
type LockedError struct {
	Until            time.Time
	RemainingSeconds int
}

// NewLocked builds a LockedError for a lock expiring at until, rounding the
// remaining time up to whole seconds.
func NewLocked(until, now time.Time) *LockedError {
	remaining := until.Sub(now)
	secs := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return &LockedError{Until: until, RemainingSeconds: secs}
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account is locked, try again in %d seconds", e.RemainingSeconds)
}

// HTTPError maps err onto an *echo.HTTPError. Authentication failures all
// collapse to the same 401 body; LockedError is the one deliberate exception.
func HTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var locked *LockedError
	if errors.As(err, &locked) {
		return echo.NewHTTPError(http.StatusLocked, map[string]interface{}{
			"error":            locked.Error(),
			"remainingSeconds": locked.RemainingSeconds,
		})
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, message(err))
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, message(err))
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, message(err))
	case errors.Is(err, ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tenant database unavailable")
	case errors.Is(err, ErrProvisioningFailed):
		return echo.NewHTTPError(http.StatusInternalServerError, provisioningMessage(err))
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// StepFailure is implemented by provisioning errors that know which step
// failed.
type StepFailure interface {
	FailedStep() string
}

// provisioningMessage names the failed step but never the driver-level cause.
func provisioningMessage(err error) string {
	var sf StepFailure
	if errors.As(err, &sf) {
		return "provisioning failed at " + sf.FailedStep()
	}
	return "provisioning failed"
}

// message returns the caller-facing text of the first *Error in the chain.
func message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// ErrorHandler renders every error as {"error": "..."} using HTTPError's
// mapping. Bodies that are already maps are sent as they are.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	he := HTTPError(err)
	var body interface{}
	switch m := he.Message.(type) {
	case map[string]interface{}:
		body = m
	case string:
		body = map[string]string{"error": m}
	default:
		body = map[string]string{"error": fmt.Sprint(m)}
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(he.Code)
	} else {
		werr = c.JSON(he.Code, body)
	}
	if werr != nil {
		c.Logger().Error(werr)
	}
}
