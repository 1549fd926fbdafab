package download

import (
	"os"
	"sync/atomic"
)

type Status string

const (
	StatusDownloading Status = "downloading"
	StatusReady       Status = "ready"
	StatusInvalid     Status = "invalid"
	StatusDeleted     Status = "deleted"
)

// Artifact is a downloaded file on local disk. Dispose removes it and is safe
// to call any number of times, including when the file never made it to disk.
type Artifact struct {
	URL      string
	Path     string
	Size     int64
	Checksum string

	status   atomic.Value
	disposed atomic.Bool
}

func (a *Artifact) Status() Status {
	if s, ok := a.status.Load().(Status); ok {
		return s
	}
	return StatusDownloading
}

func (a *Artifact) setStatus(s Status) { a.status.Store(s) }

func (a *Artifact) Dispose() error {
	if a == nil || !a.disposed.CompareAndSwap(false, true) {
		return nil
	}
	a.setStatus(StatusDeleted)
	if a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Disposed reports whether Dispose has run.
func (a *Artifact) Disposed() bool {
	return a != nil && a.disposed.Load()
}
