package job

import "fmt"

// SubmissionError means the job-creation call itself failed; nothing was
// queued and the caller decides whether to retry.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ResultMissingError is a data-integrity failure: the remote reported the job
// completed but no result URL could be extracted from the payload. Terminal,
// never retried.
type ResultMissingError struct {
	QueueName string
	JobID     string
}

func (e *ResultMissingError) Error() string {
	return fmt.Sprintf("job %s/%s completed without a result URL", e.QueueName, e.JobID)
}

// FailedError carries the remote-provided failure reason for a Failed job.
type FailedError struct {
	QueueName string
	JobID     string
	Message   string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s/%s failed: %s", e.QueueName, e.JobID, e.Message)
}

// TimedOutError means the safety cap on poll attempts was hit while the remote
// still reported the job pending.
type TimedOutError struct {
	QueueName string
	JobID     string
	Attempts  int
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("job %s/%s still pending after %d polls", e.QueueName, e.JobID, e.Attempts)
}
