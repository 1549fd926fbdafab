package job

import (
	"context"
	"log/slog"
	"time"

	"transactgw/internal/events"
	"transactgw/internal/metrics"
	"transactgw/internal/remote"
)

// Endpoints binds the poller to the product-specific remote paths.
type Endpoints struct {
	// Submit creates the job. POST, no body.
	Submit remote.Operation
	// Status builds the status-check call for a job.
	Status func(queueName, jobID string) remote.Operation
}

// Config tunes the polling loop.
type Config struct {
	// Interval between polls while the job stays pending.
	Interval time.Duration
	// MaxAttempts caps total polls before the job is marked TimedOut.
	MaxAttempts int
}

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 120
)

// Poller drives one job at a time from submission to a terminal state.
type Poller struct {
	client remote.Client
	eps    Endpoints
	hub    *events.Hub
	m      *metrics.Metrics
	cfg    Config
	logger *slog.Logger
}

func New(client remote.Client, eps Endpoints, hub *events.Hub, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Poller {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Poller{
		client: client,
		eps:    eps,
		hub:    hub,
		m:      m,
		cfg:    cfg,
		logger: logger.With("component", "poller"),
	}
}

// Start issues the job-creation call and returns the new pending Job.
func (p *Poller) Start(ctx context.Context) (*Job, error) {
	doc, err := p.client.Do(ctx, p.eps.Submit)
	if err != nil {
		p.m.IncSubmission("error")
		return nil, &SubmissionError{Err: err}
	}

	queueName, _ := firstString(doc, "queueName", "queue_name", "queue")
	jobID, ok := firstString(doc, "jobId", "job_id", "id")
	if !ok || jobID == "" {
		p.m.IncSubmission("malformed")
		return nil, &SubmissionError{Err: &ResultMissingError{QueueName: queueName, JobID: "?"}}
	}

	j := &Job{
		QueueName: queueName,
		ID:        jobID,
		status:    StatusPending,
		startedAt: time.Now().UTC(),
	}

	p.m.IncSubmission("ok")
	p.hub.Publish(events.TypeJobSubmitted, map[string]any{
		"queue":  j.QueueName,
		"job_id": j.ID,
	})
	p.logger.Info("job submitted", "queue", j.QueueName, "job_id", j.ID)
	return j, nil
}

// Poll issues exactly one status check and applies the result to the job.
// Transport failures are treated the same as "still pending". The only errors
// returned are terminal extraction failures (ResultMissingError).
func (p *Poller) Poll(ctx context.Context, j *Job) error {
	if j.Terminal() {
		return nil
	}

	attempt := j.recordAttempt()
	doc, err := p.client.Do(ctx, p.eps.Status(j.QueueName, j.ID))
	if err != nil {
		// Availability over fast-fail: the next scheduled poll retries.
		p.m.IncPoll("transient_error")
		p.logger.Warn("poll failed, treating as pending",
			"queue", j.QueueName, "job_id", j.ID, "attempt", attempt, "error", err)
		return nil
	}

	return p.apply(j, doc)
}

func (p *Poller) apply(j *Job, doc remote.Document) error {
	switch extractStatus(doc) {
	case StatusCompleted:
		resultURL, ok := extractResultURL(doc)
		if !ok {
			err := &ResultMissingError{QueueName: j.QueueName, JobID: j.ID}
			if j.markFailed(err.Error()) {
				p.m.IncPoll("result_missing")
				p.hub.Publish(events.TypeJobFailed, map[string]any{
					"queue": j.QueueName, "job_id": j.ID, "reason": "result_missing",
				})
			}
			return err
		}
		if j.markCompleted(resultURL) {
			p.m.IncPoll("completed")
			p.hub.Publish(events.TypeJobCompleted, map[string]any{
				"queue": j.QueueName, "job_id": j.ID, "result_url": resultURL,
			})
			p.logger.Info("job completed", "queue", j.QueueName, "job_id", j.ID)
		} else {
			p.logger.Debug("stale poll result discarded", "queue", j.QueueName, "job_id", j.ID)
		}
		return nil

	case StatusFailed:
		message := extractFailureMessage(doc)
		if j.markFailed(message) {
			p.m.IncPoll("failed")
			p.hub.Publish(events.TypeJobFailed, map[string]any{
				"queue": j.QueueName, "job_id": j.ID, "message": message,
			})
			p.logger.Warn("job failed", "queue", j.QueueName, "job_id", j.ID, "message", message)
		} else {
			p.logger.Debug("stale poll result discarded", "queue", j.QueueName, "job_id", j.ID)
		}
		return nil

	default:
		if j.markPending() {
			p.m.IncPoll("pending")
			p.hub.Publish(events.TypeJobPending, map[string]any{
				"queue": j.QueueName, "job_id": j.ID, "attempts": j.Attempts(),
			})
		}
		return nil
	}
}

// Wait polls immediately, then on the configured cadence until the job reaches
// a terminal state, the attempt cap is hit, or ctx is cancelled. Cancellation
// is cooperative: no further polls are scheduled, the in-flight call follows
// ctx rules.
func (p *Poller) Wait(ctx context.Context, j *Job) error {
	if err := p.Poll(ctx, j); err != nil {
		return err
	}

	for !j.Terminal() {
		if j.Attempts() >= p.cfg.MaxAttempts {
			if j.markTimedOut() {
				p.m.IncPoll("timed_out")
				p.hub.Publish(events.TypeJobTimedOut, map[string]any{
					"queue": j.QueueName, "job_id": j.ID, "attempts": j.Attempts(),
				})
				p.logger.Error("job polling timed out", "queue", j.QueueName, "job_id", j.ID, "attempts", j.Attempts())
			}
			return &TimedOutError{QueueName: j.QueueName, JobID: j.ID, Attempts: j.Attempts()}
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := p.Poll(ctx, j); err != nil {
			return err
		}
	}

	switch j.Status() {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return &FailedError{QueueName: j.QueueName, JobID: j.ID, Message: j.ErrorMessage()}
	case StatusTimedOut:
		return &TimedOutError{QueueName: j.QueueName, JobID: j.ID, Attempts: j.Attempts()}
	default:
		return nil
	}
}

func firstString(doc remote.Document, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := doc.String(key); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
