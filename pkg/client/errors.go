package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of failed attempts.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassThrottle represents 429 throttling.
	ErrorClassThrottle ErrorClass = "throttle"

	// ErrorClassNetwork represents transport failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuthExpired represents a 401 answered while the held
	// token had already expired.
	ErrorClassAuthExpired ErrorClass = "auth_expired"
)

// maxErrorBody bounds how much of a response body an error message shows.
const maxErrorBody = 512

// APIError is a non-success Graph response.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Method     string
	URL        string
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return fmt.Sprintf("graph %s error (status %d) on %s %s: %s",
		e.ErrorClass, e.StatusCode, e.Method, e.URL, body)
}

// ClassifyStatus maps a non-success status code to its error class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassThrottle
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// passThrough reports whether status is handed back to the caller without
// retry. 401 is handled separately since it depends on the token state.
func passThrough(status int) bool {
	switch status {
	case http.StatusNotFound, http.StatusPaymentRequired, http.StatusForbidden:
		return true
	default:
		return false
	}
}

// permanentError stops the retry loop immediately.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}
