package coordinator

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/kioskmedia/asset_refresher/internal/fetch"
	"github.com/kioskmedia/asset_refresher/internal/logctx"
	"github.com/kioskmedia/asset_refresher/internal/revalidate"
	"github.com/kioskmedia/asset_refresher/internal/storage"
	"github.com/kioskmedia/asset_refresher/internal/swap"
	"github.com/kioskmedia/asset_refresher/internal/telemetry"
)

// State is the coordinator's position in the refresh cycle. Transitions
// happen only on the worker goroutine; reads are safe from anywhere.
type State int32

const (
	StateIdle State = iota
	StateAwaitingNetworkForInitialDownload
	StateDownloadingInitial
	StateCheckingForUpdate
	StateAwaitingNetworkForUpdateCheck
	StateDownloadingUpdate
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingNetworkForInitialDownload:
		return "awaiting_network_for_initial_download"
	case StateDownloadingInitial:
		return "downloading_initial"
	case StateCheckingForUpdate:
		return "checking_for_update"
	case StateAwaitingNetworkForUpdateCheck:
		return "awaiting_network_for_update_check"
	case StateDownloadingUpdate:
		return "downloading_update"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// ResultListener receives the coordinator's terminal outcomes.
type ResultListener interface {
	OnFileDownloaded(path string)
	OnError()
}

// NetworkMonitor is the connectivity surface the coordinator depends on.
type NetworkMonitor interface {
	IsConnected(ctx context.Context) bool
	SubscribeOnConnect(fn func())
}

// JobSubmitter is the asynchronous download subsystem. Completions delivers
// job ids out-of-band; QueryResult reports the outcome.
type JobSubmitter interface {
	Submit(ctx context.Context, url, destPath string) fetch.JobID
	QueryResult(id fetch.JobID) fetch.Result
	Completions() <-chan fetch.JobID
}

// UpdateChecker performs the conditional probe.
type UpdateChecker interface {
	Check(ctx context.Context, url string, ifModifiedSince time.Time) revalidate.Outcome
}

// RefreshRecorder persists terminal fetch outcomes. Optional.
type RefreshRecorder interface {
	RecordRefresh(rec storage.RefreshRecord) error
}

// Serialized worker events. Every state transition is driven by exactly one
// of these, processed in arrival order.
type event interface{ isEvent() }

type initialDownloadEvent struct{}
type checkForUpdateEvent struct{}
type downloadCompleteEvent struct{ id fetch.JobID }
type cleanupEvent struct{}
type networkUpEvent struct{}

func (initialDownloadEvent) isEvent()  {}
func (checkForUpdateEvent) isEvent()   {}
func (downloadCompleteEvent) isEvent() {}
func (cleanupEvent) isEvent()          {}
func (networkUpEvent) isEvent()        {}

type jobKind int

const (
	jobNone jobKind = iota
	jobInitial
	jobUpdate
)

func (k jobKind) storageKind() string {
	if k == jobUpdate {
		return storage.KindUpdate
	}

	return storage.KindInitial
}

// activeJob is the single outstanding download slot. At most one job is in
// flight at a time; a completion for any other id is ignored.
type activeJob struct {
	kind jobKind
	id   fetch.JobID
}

type Options struct {
	AssetURL         string
	AssetPath        string
	PreloadAssetPath string
	CleanupDelay     time.Duration
}

// Coordinator ensures a single asset exists at AssetPath and is kept fresh.
// All state lives on one worker goroutine fed by a serialized event queue.
type Coordinator struct {
	opts     Options
	monitor  NetworkMonitor
	jobs     JobSubmitter
	checker  UpdateChecker
	listener ResultListener
	recorder RefreshRecorder
	tel      *telemetry.Telemetry

	events chan event
	state  atomic.Int32

	// Worker-owned fields. assetAlreadySet is additionally written once in
	// Start, before the worker goroutine is launched.
	active          activeJob
	assetAlreadySet bool
}

func New(
	opts Options,
	monitor NetworkMonitor,
	jobs JobSubmitter,
	checker UpdateChecker,
	listener ResultListener,
) *Coordinator {
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = 2 * time.Second
	}

	return &Coordinator{
		opts:     opts,
		monitor:  monitor,
		jobs:     jobs,
		checker:  checker,
		listener: listener,
		events:   make(chan event, 16),
	}
}

// WithRecorder attaches a refresh history sink.
func (c *Coordinator) WithRecorder(r RefreshRecorder) *Coordinator {
	c.recorder = r

	return c
}

// WithTelemetry attaches metrics instruments.
func (c *Coordinator) WithTelemetry(t *telemetry.Telemetry) *Coordinator {
	c.tel = t

	return c
}

// CurrentState reports the coordinator's state for observers.
func (c *Coordinator) CurrentState() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// Start begins the refresh cycle. It decides synchronously whether the asset
// already exists and enqueues the first step accordingly; the job submission
// and all other state mutation happen on the worker goroutine, so a
// completion can never race the bookkeeping of the job it belongs to.
func (c *Coordinator) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	c.assetAlreadySet = c.assetExists()

	switch {
	case c.assetAlreadySet:
		logger.Debug("asset already present, checking for an update",
			"asset_path", c.opts.AssetPath,
			"preload_path", c.opts.PreloadAssetPath,
		)
		c.push(ctx, checkForUpdateEvent{})
	case !c.monitor.IsConnected(ctx):
		c.listener.OnError()
		c.subscribeNetwork(ctx)
		c.setState(StateAwaitingNetworkForInitialDownload)
	default:
		c.push(ctx, initialDownloadEvent{})
	}

	go c.forwardCompletions(ctx)
	go c.worker(ctx)
}

func (c *Coordinator) worker(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("coordinator shutting down")

			return
		case e := <-c.events:
			switch e := e.(type) {
			case initialDownloadEvent:
				c.startInitialDownload(ctx)
			case checkForUpdateEvent:
				c.handleCheckForUpdate(ctx)
			case downloadCompleteEvent:
				c.handleDownloadComplete(ctx, e.id)
			case cleanupEvent:
				c.handleCleanup(ctx)
			case networkUpEvent:
				c.handleNetworkUp(ctx)
			}
		}
	}
}

func (c *Coordinator) push(ctx context.Context, e event) {
	select {
	case c.events <- e:
	case <-ctx.Done():
	}
}

func (c *Coordinator) forwardCompletions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-c.jobs.Completions():
			if !ok {
				return
			}

			c.push(ctx, downloadCompleteEvent{id: id})
		}
	}
}

func (c *Coordinator) subscribeNetwork(ctx context.Context) {
	c.monitor.SubscribeOnConnect(func() {
		c.push(ctx, networkUpEvent{})
	})
}

func (c *Coordinator) assetExists() bool {
	if _, err := os.Stat(c.opts.AssetPath); err == nil {
		return true
	}

	if c.opts.PreloadAssetPath != "" {
		if _, err := os.Stat(c.opts.PreloadAssetPath); err == nil {
			return true
		}
	}

	return false
}

func (c *Coordinator) startInitialDownload(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	id := c.jobs.Submit(ctx, c.opts.AssetURL, c.opts.AssetPath)
	c.active = activeJob{kind: jobInitial, id: id}
	c.setState(StateDownloadingInitial)

	logger.Info("started initial asset download", "url", c.opts.AssetURL, "job_id", string(id))
}

func (c *Coordinator) handleNetworkUp(ctx context.Context) {
	if c.assetAlreadySet {
		c.handleCheckForUpdate(ctx)

		return
	}

	c.startInitialDownload(ctx)
}

func (c *Coordinator) handleCheckForUpdate(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if c.active.kind != jobNone {
		logger.Debug("download already in flight, skipping update check", "job_id", string(c.active.id))

		return
	}

	c.setState(StateCheckingForUpdate)

	if !c.monitor.IsConnected(ctx) {
		c.subscribeNetwork(ctx)
		c.setState(StateAwaitingNetworkForUpdateCheck)

		return
	}

	outcome := c.checker.Check(ctx, c.opts.AssetURL, c.assetLastModified())
	c.tel.RecordRevalidation(ctx, outcome.String())

	if outcome == revalidate.Unchanged {
		logger.Debug("asset is current, nothing to do")
		c.setState(StateSettled)

		return
	}

	id := c.jobs.Submit(ctx, c.opts.AssetURL, c.opts.AssetPath)
	c.active = activeJob{kind: jobUpdate, id: id}
	c.setState(StateDownloadingUpdate)

	logger.Info("started updated asset download", "url", c.opts.AssetURL, "job_id", string(id))
}

func (c *Coordinator) handleDownloadComplete(ctx context.Context, id fetch.JobID) {
	logger := logctx.LoggerFromContext(ctx)

	if c.active.kind == jobNone || c.active.id != id {
		logger.Debug("ignoring completion for unrelated job", "job_id", string(id))

		return
	}

	kind := c.active.kind
	c.active = activeJob{}

	res := c.jobs.QueryResult(id)
	c.record(ctx, id, kind, res)
	c.tel.RecordDownload(ctx, kind.storageKind(), res.Status == fetch.StatusSuccessful)

	if res.Status != fetch.StatusSuccessful {
		// A failed first download is dropped without notifying the caller;
		// the asset simply stays absent until the next start.
		logger.Error("download job did not succeed", "job_id", string(id), "kind", kind.storageKind())

		if kind == jobInitial {
			c.setState(StateIdle)
		} else {
			c.setState(StateSettled)
		}

		return
	}

	promoted := swap.Promote(ctx, res.LocalPath, c.opts.AssetPath)
	c.tel.RecordPromotion(ctx, promoted)

	if !promoted {
		// The old asset, if any, remains valid; do not report success.
		if kind == jobInitial {
			c.setState(StateIdle)
		} else {
			c.setState(StateSettled)
		}

		return
	}

	c.assetAlreadySet = true
	c.listener.OnFileDownloaded(c.opts.AssetPath)
	c.setState(StateSettled)

	// Let the filesystem settle before purging stale duplicates.
	time.AfterFunc(c.opts.CleanupDelay, func() {
		c.push(ctx, cleanupEvent{})
	})
}

func (c *Coordinator) handleCleanup(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if err := swap.PurgeSiblings(ctx, c.opts.AssetPath); err != nil {
		logger.Error("failed to purge stale duplicates", "err", err)
	}
}

func (c *Coordinator) assetLastModified() time.Time {
	if info, err := os.Stat(c.opts.AssetPath); err == nil {
		return info.ModTime()
	}

	if c.opts.PreloadAssetPath != "" {
		if info, err := os.Stat(c.opts.PreloadAssetPath); err == nil {
			return info.ModTime()
		}
	}

	return time.Time{}
}

func (c *Coordinator) record(ctx context.Context, id fetch.JobID, kind jobKind, res fetch.Result) {
	if c.recorder == nil {
		return
	}

	status := storage.StatusFailed
	if res.Status == fetch.StatusSuccessful {
		status = storage.StatusSuccessful
	}

	rec := storage.RefreshRecord{
		JobID:     string(id),
		Kind:      kind.storageKind(),
		URL:       c.opts.AssetURL,
		LocalPath: res.LocalPath,
		Status:    status,
		FetchedAt: time.Now().Format(time.RFC3339),
	}

	if err := c.recorder.RecordRefresh(rec); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to record refresh", "job_id", string(id), "err", err)
	}
}
