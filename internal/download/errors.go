package download

import "fmt"

// Error reports a failed transfer from the remote store.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IntegrityError reports a completed transfer whose content failed validation.
// The partial file is already removed when this is returned.
type IntegrityError struct {
	URL    string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifact from %s failed validation: %s", e.URL, e.Reason)
}
