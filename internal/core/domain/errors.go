package domain

import (
	"errors"
	"fmt"
)

// NetworkError is a transport-level fetch failure. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx upstream response. Retryable for 5xx and 429;
// other 4xx are anomalies for the current cycle only and never kill the
// owning session.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.Status)
}

// Retryable reports whether a fetch failure should be absorbed into
// connection-lost backoff rather than logged as an anomaly.
func Retryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500 || he.Status == 429
	}
	return false
}
