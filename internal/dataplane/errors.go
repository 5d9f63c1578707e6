// Package dataplane is the typed HTTP client for the REST data plane and its
// sibling services (RAG, calendar). Every call carries the ambient
// correlation id, retries transient failures with jittered backoff, and runs
// under a per-endpoint circuit breaker.
package dataplane

import (
	"errors"
	"fmt"
)

// ErrServiceTimeout marks a call that exceeded its deadline.
var ErrServiceTimeout = errors.New("service timeout")

// ErrServiceUnavailable marks fail-fast rejections: open circuit or
// connection-level failure after retries.
var ErrServiceUnavailable = errors.New("service unavailable")

// ServiceResponseError is a non-2xx response from a service.
type ServiceResponseError struct {
	Service string
	Status  int
	Detail  string
}

func (e *ServiceResponseError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Service, e.Status, e.Detail)
}

// IsNotFound reports whether err is a 404 from a service.
func IsNotFound(err error) bool {
	var re *ServiceResponseError
	return errors.As(err, &re) && re.Status == 404
}

// IsClientError reports whether err is any 4xx from a service.
func IsClientError(err error) bool {
	var re *ServiceResponseError
	return errors.As(err, &re) && re.Status >= 400 && re.Status < 500
}
