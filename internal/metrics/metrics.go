package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	submissionsTotal   *prometheus.CounterVec
	pollsTotal         *prometheus.CounterVec
	verificationsTotal *prometheus.CounterVec
	downloadsTotal     *prometheus.CounterVec
	downloadBytes      prometheus.Counter
	activeSessions     prometheus.Gauge
}

func New() *Metrics {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transactgw_job_submissions_total",
		Help: "Job submissions against the remote queue",
	}, []string{"status"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transactgw_job_polls_total",
		Help: "Job status polls by resulting job state",
	}, []string{"status"})

	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transactgw_otp_verifications_total",
		Help: "OTP verification attempts by result",
	}, []string{"result"})

	downloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transactgw_artifact_downloads_total",
		Help: "Artifact downloads by final status",
	}, []string{"status"})

	bytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transactgw_artifact_download_bytes_total",
		Help: "Total bytes written to local artifact files",
	})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "transactgw_active_sessions",
		Help: "Number of open workflow sessions",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, polls, verifications, downloads, bytes, sessions)

	return &Metrics{
		registry:           r,
		submissionsTotal:   submissions,
		pollsTotal:         polls,
		verificationsTotal: verifications,
		downloadsTotal:     downloads,
		downloadBytes:      bytes,
		activeSessions:     sessions,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSubmission(status string) {
	m.submissionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncPoll(status string) {
	m.pollsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncVerification(result string) {
	m.verificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDownload(status string) {
	m.downloadsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AddDownloadBytes(n int64) {
	if n > 0 {
		m.downloadBytes.Add(float64(n))
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}
