package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
)

var (
	// ErrRateLimitExceeded is returned when a request keeps getting throttled.
	ErrRateLimitExceeded = errors.New("rate limit retries exhausted")
	// ErrTransport is returned when the network or upstream gateway keeps failing.
	ErrTransport = errors.New("discord transport failure")
)

// APIError is a non-retryable error response from the Discord API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Route      string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("discord api error: %s returned %d", e.Route, e.StatusCode)
	}

	return fmt.Sprintf("discord api error: %s returned %d (code %d): %s", e.Route, e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the Discord API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsForbidden reports whether err is a 403 from the Discord API.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden
}

// errorBody is the JSON error payload returned by Discord.
type errorBody struct {
	Code       int     `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func newAPIError(route string, resp *Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Route:      route,
	}

	var body errorBody
	if err := sonic.Unmarshal(resp.Body, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}

	return apiErr
}
