package draftapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// Sentinel errors for errors.Is checks at the call site.
	ErrDraftNotFound = errors.New("draftapi: draft not found")
	ErrRateLimited   = errors.New("draftapi: rate limited")
	ErrUnauthorized  = errors.New("draftapi: unauthorized")
	ErrConflict      = errors.New("draftapi: conflict")
	ErrBadRequest    = errors.New("draftapi: bad request")
	ErrServer        = errors.New("draftapi: server error")
	ErrBadResponse   = errors.New("draftapi: invalid response")
)

// MissingFields lists the required fields a file lacks.
type MissingFields struct {
	FileName      string   `json:"fileName"`
	MissingFields []string `json:"missingFields"`
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Sentinel   error
	Operation  string
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	Missing    []MissingFields
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("draftapi: %s: HTTP %d", e.Operation, e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}

// MissingFiles returns the names of files rejected for missing fields.
func (e *APIError) MissingFiles() []string {
	out := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		out = append(out, m.FileName)
	}
	return out
}

func sentinelFor(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrDraftNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusConflict:
		return ErrConflict
	case status >= 500:
		return ErrServer
	default:
		return ErrBadRequest
	}
}

// DuplicateConflictError is the structured 409 from finalization: the
// backend found existing requests the caller did not resolve.
type DuplicateConflictError struct {
	Mode       string
	Duplicates []Duplicate
	Message    string
}

func (e *DuplicateConflictError) Error() string {
	return fmt.Sprintf("draftapi: %d unresolved duplicate request(s) (%s)", len(e.Duplicates), e.Mode)
}

func (e *DuplicateConflictError) Unwrap() error {
	return ErrConflict
}
