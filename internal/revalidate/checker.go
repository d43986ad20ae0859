package revalidate

import (
	"context"
	"net/http"
	"time"

	"github.com/kioskmedia/asset_refresher/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Outcome int

const (
	// Unchanged means the remote content is not newer than what we have,
	// or the probe could not tell. No download should follow.
	Unchanged Outcome = iota
	// Stale means the server explicitly reported newer content.
	Stale
)

func (o Outcome) String() string {
	if o == Stale {
		return "stale"
	}

	return "unchanged"
}

// Checker performs the conditional probe that decides whether a full
// re-download is worth it.
type Checker struct {
	client *http.Client
}

func NewChecker(timeout time.Duration) *Checker {
	return &Checker{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

// Check sends a conditional GET with If-Modified-Since and reports whether
// the remote asset is newer. The server clock is authoritative. Transport
// errors and unexpected statuses are logged and reported as Unchanged so a
// flaky connection never triggers a spurious re-download.
func (c *Checker) Check(ctx context.Context, url string, ifModifiedSince time.Time) Outcome {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Error("failed to build revalidation request", "url", url, "err", err)

		return Unchanged
	}

	req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))

	resp, err := c.client.Do(req)
	if err != nil {
		logger.Error("error while checking for an updated asset", "url", url, "err", err)

		return Unchanged
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return Unchanged
	case http.StatusOK:
		return Stale
	default:
		logger.Warn("unexpected status during revalidation", "url", url, "status", resp.StatusCode)

		return Unchanged
	}
}
