package controlplane

import "fmt"

// TransportError is a network-level failure (DNS, timeout, connection reset)
type TransportError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport failure: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is a non-2xx, non-redirect response from the control plane
type RemoteError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: control plane returned status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// RedirectError is returned for any 3xx response. Redirects are never
// followed so the bearer token cannot leak to another host.
type RedirectError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Location   string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s %s: refusing to follow redirect (status %d) to %q", e.Method, e.Endpoint, e.StatusCode, e.Location)
}

// OperationFailedError means the control plane reported the operation as failed
type OperationFailedError struct {
	OperationID string
	Action      string
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("operation %s (%s) failed", e.OperationID, e.Action)
}

// OperationTimeoutError means the attempt budget ran out while the operation
// was still pending. The remote state is unknown.
type OperationTimeoutError struct {
	OperationID string
	Attempts    int
	LastStatus  OperationStatus
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %s still %q after %d attempts", e.OperationID, e.LastStatus, e.Attempts)
}
