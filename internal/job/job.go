// Package job starts remote asynchronous jobs and polls them to a terminal
// state. Status payloads vary in shape between deployments and calls fail
// transiently: extraction falls back through known field layouts, and
// transport failures count as "still pending".
package job

import (
	"sync"
	"time"
)

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further polls may run for a job in this state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Job is one remote asynchronous unit of work. All mutation goes through the
// poller; the mutex makes a poll result that lands after a terminal transition
// from another trigger a silent no-op.
type Job struct {
	QueueName string
	ID        string

	mu         sync.Mutex
	status     Status
	resultURL  string
	errMessage string
	attempts   int
	startedAt  time.Time
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Terminal() bool {
	return j.Status().Terminal()
}

// ResultURL is only populated once the job is Completed.
func (j *Job) ResultURL() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resultURL
}

// ErrorMessage is only populated once the job is Failed.
func (j *Job) ErrorMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errMessage
}

func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

func (j *Job) recordAttempt() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts++
	return j.attempts
}

// markPending returns false when the job is already terminal (stale result).
func (j *Job) markPending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = StatusPending
	return true
}

func (j *Job) markCompleted(resultURL string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = StatusCompleted
	j.resultURL = resultURL
	return true
}

func (j *Job) markFailed(message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = StatusFailed
	j.errMessage = message
	return true
}

func (j *Job) markTimedOut() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = StatusTimedOut
	return true
}

// View is an immutable snapshot for the API and session persistence.
type View struct {
	QueueName    string `json:"queue_name"`
	ID           string `json:"job_id"`
	Status       Status `json:"status"`
	ResultURL    string `json:"result_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Attempts     int    `json:"attempts"`
}

func (j *Job) View() View {
	j.mu.Lock()
	defer j.mu.Unlock()
	return View{
		QueueName:    j.QueueName,
		ID:           j.ID,
		Status:       j.status,
		ResultURL:    j.resultURL,
		ErrorMessage: j.errMessage,
		Attempts:     j.attempts,
	}
}
