package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// codeUnknownGuild is returned when the bot was removed from the guild.
const codeUnknownGuild = 10004

// ErrSessionLost signals an authentication or connection failure that the
// loops cannot recover from. The supervisor restarts the session on it.
var ErrSessionLost = errors.New("platform: session lost")

// APIError is a structured error response from the platform API.
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 { ... }
type APIError struct {
	// Code is the platform's JSON error code, zero when absent.
	Code    int    `json:"code"`
	Message string `json:"message"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// RetryAfter is set on rate-limited responses.
	RetryAfter time.Duration `json:"-"`
	Global     bool          `json:"global"`
	Route      string        `json:"-"`
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("platform: %s: %d %s (retry after %s)", e.Route, e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("platform: %s: %d %s", e.Route, e.StatusCode, e.Message)
}

// Unwrap maps unauthorized and unknown-guild responses onto ErrSessionLost.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.Code == codeUnknownGuild {
		return ErrSessionLost
	}
	return nil
}

// IsSessionLost reports whether err requires a new session.
func IsSessionLost(err error) bool { return errors.Is(err, ErrSessionLost) }

// IsRateLimited reports whether err is a 429 from the platform.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether retrying on the next cycle may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
