package downloader

import (
	"errors"
	"fmt"
)

// StatusTokenExpired is the non-standard status streaming portals answer
// with once the embedded play token is no longer accepted.
const StatusTokenExpired = 458

// ErrTokenExpired signals that the server rejected the play token. It is
// handled inside Download and only surfaces once attempts are exhausted.
var ErrTokenExpired = errors.New("play token expired")

// ErrShortBody indicates the body ended before content-length bytes arrived.
var ErrShortBody = errors.New("response body shorter than content-length")

// ErrStalled indicates no bytes arrived within the read timeout.
var ErrStalled = errors.New("transfer stalled")

// HTTPStatusError is returned for responses other than 200 and 206.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected status %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}
