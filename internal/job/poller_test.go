package job

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactgw/internal/events"
	"transactgw/internal/remote"
	"transactgw/internal/remote/mocks"
)

func testEndpoints() Endpoints {
	return Endpoints{
		Submit: remote.Operation{Name: "job.submit", Method: http.MethodPost, Path: "/jobs"},
		Status: func(queueName, jobID string) remote.Operation {
			return remote.Operation{Name: "job.status", Method: http.MethodGet, Path: "/jobs/" + queueName + "/" + jobID}
		},
	}
}

func testSlogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestPoller(t *testing.T, client remote.Client, cfg Config) *Poller {
	t.Helper()
	return New(client, testEndpoints(), events.NewHub(32), nil, cfg, testSlogger())
}

func TestStartReturnsPendingJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(remote.Document{"queueName": "q1", "jobId": "j1"}, nil)

	p := newTestPoller(t, client, Config{})
	j, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "q1", j.QueueName)
	assert.Equal(t, "j1", j.ID)
	assert.Equal(t, StatusPending, j.Status())
}

func TestStartAcceptsSnakeCaseKeys(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(remote.Document{"queue_name": "q1", "job_id": "j1"}, nil)

	p := newTestPoller(t, client, Config{})
	j, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "j1", j.ID)
}

func TestStartSubmissionError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(nil, &remote.TransportError{Op: "job.submit", URL: "https://x", Err: errors.New("refused")})

	p := newTestPoller(t, client, Config{})
	_, err := p.Start(context.Background())

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
}

func TestStartMissingJobID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(remote.Document{"queueName": "q1"}, nil)

	p := newTestPoller(t, client, Config{})
	_, err := p.Start(context.Background())

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
}

func TestPollPendingKeepsJobPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(remote.Document{"status": "pending"}, nil)

	p := newTestPoller(t, client, Config{})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	require.NoError(t, p.Poll(context.Background(), j))
	assert.Equal(t, StatusPending, j.Status())
	assert.Equal(t, 1, j.Attempts())
}

func TestPollCompletedExtractsURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(remote.Document{
		"result": map[string]any{
			"status": "completed",
			"uploadFileEcontractS3": map[string]any{
				"unsigned_file": map[string]any{"file_url": "https://x/f.pdf"},
			},
		},
	}, nil)

	p := newTestPoller(t, client, Config{})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	require.NoError(t, p.Poll(context.Background(), j))
	assert.Equal(t, StatusCompleted, j.Status())
	assert.Equal(t, "https://x/f.pdf", j.ResultURL())
}

func TestPollCompletedWithoutURLIsResultMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(remote.Document{"status": "completed"}, nil)

	p := newTestPoller(t, client, Config{})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	err := p.Poll(context.Background(), j)
	var missing *ResultMissingError
	require.ErrorAs(t, err, &missing)
	assert.True(t, j.Terminal())
}

func TestPollFailedExtractsMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(remote.Document{"status": "failed", "message": "quota exceeded"}, nil)

	p := newTestPoller(t, client, Config{})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	require.NoError(t, p.Poll(context.Background(), j))
	assert.Equal(t, StatusFailed, j.Status())
	assert.Equal(t, "quota exceeded", j.ErrorMessage())
}

func TestPollTransportErrorTreatedAsPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(nil, &remote.TransportError{Op: "job.status", URL: "https://x", Err: errors.New("timeout")})

	p := newTestPoller(t, client, Config{})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	require.NoError(t, p.Poll(context.Background(), j))
	assert.Equal(t, StatusPending, j.Status())
}

func TestPollOnTerminalJobMakesNoRemoteCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No EXPECT: any call to the client fails the test.
	client := mocks.NewMockClient(ctrl)

	p := newTestPoller(t, client, Config{})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusCompleted, resultURL: "https://x/f.pdf"}

	require.NoError(t, p.Poll(context.Background(), j))
	assert.Equal(t, 0, j.Attempts())
}

func TestStaleResultDiscardedAfterTerminalTransition(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	p := newTestPoller(t, client, Config{})

	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}
	require.True(t, j.markCompleted("https://x/f.pdf"))

	// A response that was in flight when the job went terminal elsewhere.
	require.NoError(t, p.apply(j, remote.Document{"status": "failed", "message": "late"}))
	assert.Equal(t, StatusCompleted, j.Status())
	assert.Empty(t, j.ErrorMessage())
}

func TestWaitPollsUntilCompleted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	gomock.InOrder(
		client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(remote.Document{"status": "pending"}, nil),
		client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(remote.Document{"status": "pending"}, nil),
		client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(remote.Document{
			"result": map[string]any{"status": "completed", "file_url": "https://x/f.pdf"},
		}, nil),
	)

	p := newTestPoller(t, client, Config{Interval: time.Millisecond})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	require.NoError(t, p.Wait(context.Background(), j))
	assert.Equal(t, StatusCompleted, j.Status())
	assert.Equal(t, 3, j.Attempts())
}

func TestWaitReturnsFailedError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(remote.Document{"status": "failed", "message": "quota exceeded"}, nil)

	p := newTestPoller(t, client, Config{Interval: time.Millisecond})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	err := p.Wait(context.Background(), j)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "quota exceeded", failed.Message)
}

func TestWaitTimesOutAfterMaxAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(remote.Document{"status": "pending"}, nil).Times(3)

	p := newTestPoller(t, client, Config{Interval: time.Millisecond, MaxAttempts: 3})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	err := p.Wait(context.Background(), j)
	var timedOut *TimedOutError
	require.ErrorAs(t, err, &timedOut)
	assert.Equal(t, StatusTimedOut, j.Status())
	assert.Equal(t, 3, timedOut.Attempts)
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(remote.Document{"status": "pending"}, nil).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	p := newTestPoller(t, client, Config{Interval: 5 * time.Millisecond})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	err := p.Wait(ctx, j)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, j.Terminal())
}

func TestNoFurtherPollsAfterTerminal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	// Exactly one call: the first poll completes the job and Wait must stop.
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(remote.Document{
		"result": map[string]any{"status": "completed", "file_url": "https://x/f.pdf"},
	}, nil).Times(1)

	p := newTestPoller(t, client, Config{Interval: time.Millisecond})
	j := &Job{QueueName: "q1", ID: "j1", status: StatusPending}

	require.NoError(t, p.Wait(context.Background(), j))
	require.NoError(t, p.Poll(context.Background(), j))
}
