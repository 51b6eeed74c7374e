package catalog

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound matches a *StatusError with code 404 via errors.Is.
var ErrNotFound = errors.New("catalog: not found")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog: http status %d", e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// transient reports whether err is worth retrying: transport failures, 429
// and 5xx. Other 4xx are final. Caller cancellation is checked separately.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}
