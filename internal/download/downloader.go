package download

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/zeebo/blake3"

	"transactgw/internal/events"
	"transactgw/internal/metrics"
)

const (
	// DefaultTimeout bounds a single artifact transfer end to end.
	DefaultTimeout = 2 * time.Minute

	partSuffix = ".part"
)

type Config struct {
	Dir     string
	Timeout time.Duration
}

// Downloader streams artifacts to local disk. At most one transfer is in
// flight per destination name; concurrent fetches share it.
type Downloader struct {
	httpClient *http.Client
	dir        string
	hub        *events.Hub
	m          *metrics.Metrics
	logger     *slog.Logger
	group      singleflight.Group
}

func New(cfg Config, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) (*Downloader, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("download directory is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	if m == nil {
		m = metrics.New()
	}

	return &Downloader{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		dir:        filepath.Clean(dir),
		hub:        hub,
		m:          m,
		logger:     logger.With("component", "download"),
	}, nil
}

// ProgressFunc receives transfer progress. total is -1 when the remote does
// not announce a length.
type ProgressFunc func(written, total int64)

// Fetch downloads url into the manager's directory under name. The artifact is
// written to a temp file and only renamed into place after validation, so a
// half-written or empty artifact never appears at the final path. progress may
// be nil. On an integrity failure the rejected artifact is returned together
// with the error.
func (d *Downloader) Fetch(ctx context.Context, url, name string, progress ProgressFunc) (*Artifact, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("artifact URL is empty")
	}

	// Keyed by destination: two fetches aimed at the same local path must
	// never write through independent descriptors, even with different URLs.
	v, err, shared := d.group.Do(name, func() (any, error) {
		return d.fetch(ctx, url, name, progress)
	})
	if err != nil {
		// An integrity failure still yields the rejected artifact so the
		// caller can observe its status.
		if a, ok := v.(*Artifact); ok && a != nil {
			return a, err
		}
		return nil, err
	}
	if shared {
		d.logger.Debug("artifact fetch coalesced", "name", name)
	}
	return v.(*Artifact), nil
}

func (d *Downloader) fetch(ctx context.Context, url, name string, progress ProgressFunc) (*Artifact, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build artifact request: %w", err)
	}

	d.hub.Publish(events.TypeDownloadStarted, map[string]any{"name": name})
	d.logger.Info("artifact download started", "name", name)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.m.IncDownload("error")
		return nil, &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.m.IncDownload("error")
		return nil, &Error{URL: url, StatusCode: resp.StatusCode}
	}

	finalPath := filepath.Join(d.dir, name)
	partPath := finalPath + partSuffix

	tmp, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		d.m.IncDownload("error")
		return nil, fmt.Errorf("create temp artifact file: %w", err)
	}

	hasher := blake3.New()
	reporter := newProgressWriter(d.logger, name, resp.ContentLength, progress)

	written, copyErr := io.Copy(io.MultiWriter(tmp, hasher, reporter), resp.Body)
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partPath)
		d.m.IncDownload("error")
		if copyErr == nil {
			copyErr = closeErr
		}
		return nil, &Error{URL: url, Err: copyErr}
	}

	if written == 0 {
		_ = os.Remove(partPath)
		d.m.IncDownload("invalid")
		d.hub.Publish(events.TypeDownloadInvalid, map[string]any{"name": name, "reason": "empty body"})
		d.logger.Warn("artifact rejected", "name", name, "reason", "empty body")
		rejected := &Artifact{URL: url}
		rejected.setStatus(StatusInvalid)
		return rejected, &IntegrityError{URL: url, Reason: "remote returned an empty body"}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		d.m.IncDownload("error")
		return nil, fmt.Errorf("commit artifact file: %w", err)
	}

	artifact := &Artifact{
		URL:      url,
		Path:     finalPath,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}
	artifact.setStatus(StatusReady)

	d.m.IncDownload("ok")
	d.m.AddDownloadBytes(written)
	d.hub.Publish(events.TypeDownloadReady, map[string]any{
		"name":     name,
		"size":     written,
		"checksum": artifact.Checksum,
	})
	d.logger.Info("artifact ready", "name", name, "size", written, "checksum", artifact.Checksum)

	return artifact, nil
}

// progressWriter reports transfer progress. With a known total it reports
// every 10% step; without one it falls back to rate-limited byte counts.
type progressWriter struct {
	logger   *slog.Logger
	name     string
	total    int64
	written  int64
	lastStep int64
	limiter  *rate.Limiter
	fn       ProgressFunc
}

func newProgressWriter(logger *slog.Logger, name string, total int64, fn ProgressFunc) *progressWriter {
	return &progressWriter{
		logger:  logger,
		name:    name,
		total:   total,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		fn:      fn,
	}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))

	if w.total > 0 {
		step := w.written * 10 / w.total
		if step > w.lastStep {
			w.lastStep = step
			w.logger.Debug("artifact progress", "name", w.name, "percent", step*10)
			w.report()
		}
		return len(p), nil
	}

	if w.limiter.Allow() {
		w.logger.Debug("artifact progress", "name", w.name, "bytes", w.written)
		w.report()
	}
	return len(p), nil
}

func (w *progressWriter) report() {
	if w.fn == nil {
		return
	}
	total := w.total
	if total <= 0 {
		total = -1
	}
	w.fn(w.written, total)
}

func validateArtifactName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("artifact name is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("artifact name %q is invalid", name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("artifact name %q is invalid", name)
	}
	return nil
}
