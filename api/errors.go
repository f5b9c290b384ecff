package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrBadRequest indicates the server rejected the request as invalid.
	ErrBadRequest = errors.New("api: bad request")
	// ErrUnauthorized indicates a missing, expired or invalid session token.
	ErrUnauthorized = errors.New("api: unauthorized")
	// ErrForbidden indicates the caller is not a participant.
	ErrForbidden = errors.New("api: forbidden")
	// ErrNotFound indicates the conversation or message does not exist.
	ErrNotFound = errors.New("api: not found")
	// ErrPersistence indicates the server failed to read or write its store.
	ErrPersistence = errors.New("api: persistence error")
)

// StatusError is a non-2xx response. It unwraps to the sentinel matching
// its status code.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusBadRequest:
		return ErrBadRequest
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode >= http.StatusInternalServerError:
		return ErrPersistence
	default:
		return nil
	}
}
