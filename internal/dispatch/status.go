package dispatch

import (
	"errors"
	"net/http"
)

// Synthetic statuses for failures that never produced an HTTP response.
// They sit outside the HTTP range so callers can tell them apart.
const (
	StatusTimeout   = 600
	StatusQueueFull = 601
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrTimeout   = errors.New("request timed out")
	ErrNoURL     = errors.New("request url is empty")
)

// StatusText extends http.StatusText with the synthetic statuses.
func StatusText(code int) string {
	switch code {
	case StatusTimeout:
		return "Client Timeout"
	case StatusQueueFull:
		return "Queue Full"
	}
	return http.StatusText(code)
}

// IsSynthetic reports whether code was produced locally.
func IsSynthetic(code int) bool {
	return code == StatusTimeout || code == StatusQueueFull
}

// ExpectedStatuses returns the statuses treated as success for a verb.
func ExpectedStatuses(method string) []int {
	switch method {
	case http.MethodGet:
		return []int{http.StatusOK}
	case http.MethodPost, http.MethodPut:
		return []int{http.StatusOK, http.StatusCreated}
	case http.MethodDelete:
		return []int{http.StatusOK, http.StatusNoContent}
	}
	return []int{http.StatusOK}
}
