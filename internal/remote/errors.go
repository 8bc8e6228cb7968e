package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Class partitions milestone service failures into the three recovery
// policies the sync engine knows about.
type Class int

const (
	// ClassTransient covers server errors and transport failures; the
	// engine retries these with backoff up to the retry cap.
	ClassTransient Class = iota
	// ClassConflict means a superseding write was already applied
	// server-side; the engine discards the update silently.
	ClassConflict
	// ClassAuth means the caller's session is no longer valid; the engine
	// aborts the drain and asks for re-authentication.
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassConflict:
		return "conflict"
	case ClassAuth:
		return "authentication"
	default:
		return "transient"
	}
}

// Error is a classified milestone service failure.
type Error struct {
	Class      Class
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("milestone service: %s (%d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("milestone service: %s: %s", e.Class, e.Message)
}

// classify maps an HTTP status to a failure class. Only 409 and 401 are
// special; every other non-success status is treated as transient and
// bounded by the retry cap.
func classify(statusCode int) Class {
	switch statusCode {
	case http.StatusConflict:
		return ClassConflict
	case http.StatusUnauthorized:
		return ClassAuth
	default:
		return ClassTransient
	}
}

// ClassOf extracts the failure class from err, defaulting to transient for
// anything that is not a classified remote error (network failures,
// timeouts, malformed responses).
func ClassOf(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassTransient
}

func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ClassConflict
}

func IsAuth(err error) bool {
	return err != nil && ClassOf(err) == ClassAuth
}
