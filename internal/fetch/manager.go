package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/kioskmedia/asset_refresher/internal/fetch/progress"
	"github.com/kioskmedia/asset_refresher/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"
)

const (
	dirPerm = 0755

	// Give up on numbered duplicate names after this many attempts.
	maxDuplicateNames = 100
)

// JobID identifies one submitted download job.
type JobID string

type Status int

const (
	StatusUnknown Status = iota
	StatusSuccessful
	StatusFailed
)

// Result is the queryable outcome of a job. LocalPath is only meaningful when
// Status is StatusSuccessful; it may differ from the requested destination if
// the destination already existed at submit time.
type Result struct {
	Status    Status
	LocalPath string
}

// Manager runs download jobs asynchronously. Submit is fire-and-forget;
// completed job ids are delivered on the Completions channel and the outcome
// is available through QueryResult.
type Manager struct {
	client      *http.Client
	sem         *semaphore.Weighted
	completions chan JobID

	mu      sync.Mutex
	results map[JobID]Result
}

func NewManager(maxParallel int, timeout time.Duration) *Manager {
	return &Manager{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		completions: make(chan JobID),
		results:     make(map[JobID]Result),
	}
}

// Completions delivers the id of every job that reached a terminal state,
// successful or not. The channel is never closed; delivery stops when the
// context passed to Submit is cancelled.
func (m *Manager) Completions() <-chan JobID {
	return m.completions
}

// Submit enqueues a download of url to destPath and returns immediately.
// If destPath already exists the file is written next to it under a numbered
// name (asset-1.mp4, asset-2.mp4, ...), mirroring how system download services
// avoid clobbering an existing destination.
func (m *Manager) Submit(ctx context.Context, url, destPath string) JobID {
	id := JobID(uuid.NewString())

	m.mu.Lock()
	m.results[id] = Result{Status: StatusUnknown}
	m.mu.Unlock()

	go m.run(ctx, id, url, destPath)

	return id
}

// QueryResult reports the current outcome of a job. Unknown ids and jobs
// still in flight both report StatusUnknown.
func (m *Manager) QueryResult(id JobID) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.results[id]
}

func (m *Manager) run(ctx context.Context, id JobID, url, destPath string) {
	logger := logctx.LoggerFromContext(ctx).With("job_id", string(id))

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(ctx, id, Result{Status: StatusFailed})

		return
	}
	defer m.sem.Release(1)

	localPath, err := m.download(ctx, url, destPath)
	if err != nil {
		logger.Error("download job failed", "url", url, "err", err)
		m.finish(ctx, id, Result{Status: StatusFailed})

		return
	}

	logger.Info("download job finished", "target", localPath)
	m.finish(ctx, id, Result{Status: StatusSuccessful, LocalPath: localPath})
}

func (m *Manager) finish(ctx context.Context, id JobID, res Result) {
	m.mu.Lock()
	m.results[id] = res
	m.mu.Unlock()

	select {
	case m.completions <- id:
	case <-ctx.Done():
	}
}

func (m *Manager) download(ctx context.Context, url, destPath string) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(destPath), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create target directory: %w", err)
	}

	localPath, err := resolveDestination(destPath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	totalBytes := resp.ContentLength

	logger.Info("downloading file", "file_path", localPath, "file_size", humanize.Bytes(uint64(max(totalBytes, 0))))

	progressInterval := int64(10 * 1024 * 1024) // 10MB
	pr := progress.NewReader(resp.Body, totalBytes, progressInterval, func(written, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"url", url,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "url", url, "downloaded", humanize.Bytes(uint64(written)))
		}
	})

	if _, err := io.Copy(out, pr); err != nil {
		os.Remove(localPath)

		return "", fmt.Errorf("failed to copy file: %w", err)
	}

	return localPath, nil
}

// resolveDestination returns destPath when it is free, otherwise the first
// available numbered sibling (name-1.ext, name-2.ext, ...).
func resolveDestination(destPath string) (string, error) {
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destPath, nil
	}

	ext := filepath.Ext(destPath)
	base := strings.TrimSuffix(destPath, ext)

	for i := 1; i <= maxDuplicateNames; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no free destination name for %s", destPath)
}
