package remote

import "fmt"

// TransportError is a network-level failure: DNS, dial, TLS, timeout, or a
// truncated body. Callers treat it as transient.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure against %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError is an explicit rejection from the remote system (non-2xx). The
// message is remote-provided and safe to surface to the caller.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote rejected request (%d): %s", e.Op, e.StatusCode, e.Message)
}
