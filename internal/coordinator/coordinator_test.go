package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kioskmedia/asset_refresher/internal/fetch"
	"github.com/kioskmedia/asset_refresher/internal/revalidate"
	"github.com/kioskmedia/asset_refresher/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	mu        sync.Mutex
	connected bool
	subs      []func()
}

func (m *fakeMonitor) IsConnected(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected
}

func (m *fakeMonitor) SubscribeOnConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = append(m.subs, fn)
}

func (m *fakeMonitor) subscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.subs)
}

// connect flips the state to up and fires pending one-shot subscribers.
func (m *fakeMonitor) connect() {
	m.mu.Lock()
	m.connected = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

type submission struct {
	url  string
	dest string
}

type fakeSubmitter struct {
	mu          sync.Mutex
	submissions []submission
	results     map[fetch.JobID]fetch.Result
	completions chan fetch.JobID
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		results:     make(map[fetch.JobID]fetch.Result),
		completions: make(chan fetch.JobID, 4),
	}
}

func (s *fakeSubmitter) Submit(_ context.Context, url, dest string) fetch.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submissions = append(s.submissions, submission{url: url, dest: dest})

	return fetch.JobID(fmt.Sprintf("job-%d", len(s.submissions)))
}

func (s *fakeSubmitter) QueryResult(id fetch.JobID) fetch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.results[id]
}

func (s *fakeSubmitter) Completions() <-chan fetch.JobID {
	return s.completions
}

func (s *fakeSubmitter) submissionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.submissions)
}

func (s *fakeSubmitter) submissionAt(i int) submission {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.submissions[i]
}

// complete records the result for id and delivers the completion signal.
func (s *fakeSubmitter) complete(id fetch.JobID, res fetch.Result) {
	s.mu.Lock()
	s.results[id] = res
	s.mu.Unlock()

	s.completions <- id
}

// instantSubmitter delivers the completion signal before Submit even returns,
// the tightest timing a real job can produce.
type instantSubmitter struct {
	*fakeSubmitter
	result fetch.Result
}

func (s *instantSubmitter) Submit(ctx context.Context, url, dest string) fetch.JobID {
	id := s.fakeSubmitter.Submit(ctx, url, dest)
	s.complete(id, s.result)

	return id
}

type fakeChecker struct {
	mu      sync.Mutex
	outcome revalidate.Outcome
	calls   int
}

func (c *fakeChecker) Check(_ context.Context, _ string, _ time.Time) revalidate.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++

	return c.outcome
}

func (c *fakeChecker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

type fakeListener struct {
	mu         sync.Mutex
	downloaded []string
	errors     int
}

func (l *fakeListener) OnFileDownloaded(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.downloaded = append(l.downloaded, path)
}

func (l *fakeListener) OnError() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errors++
}

func (l *fakeListener) downloadedPaths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.downloaded...)
}

func (l *fakeListener) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.errors
}

type memRecorder struct {
	mu   sync.Mutex
	recs []storage.RefreshRecord
}

func (r *memRecorder) RecordRefresh(rec storage.RefreshRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recs = append(r.recs, rec)

	return nil
}

func (r *memRecorder) records() []storage.RefreshRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]storage.RefreshRecord(nil), r.recs...)
}

type fixture struct {
	coord    *Coordinator
	monitor  *fakeMonitor
	jobs     *fakeSubmitter
	checker  *fakeChecker
	listener *fakeListener
	dir      string
	asset    string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	dir := t.TempDir()

	if opts.AssetPath == "" {
		opts.AssetPath = filepath.Join(dir, "asset.mp4")
	}

	if opts.AssetURL == "" {
		opts.AssetURL = "http://assets.example.com/demo.mp4"
	}

	if opts.CleanupDelay == 0 {
		opts.CleanupDelay = 10 * time.Millisecond
	}

	f := &fixture{
		monitor:  &fakeMonitor{},
		jobs:     newFakeSubmitter(),
		checker:  &fakeChecker{},
		listener: &fakeListener{},
		dir:      dir,
		asset:    opts.AssetPath,
	}

	f.coord = New(opts, f.monitor, f.jobs, f.checker, f.listener)

	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f.coord.Start(ctx)
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return c.CurrentState() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, c.CurrentState())
}

func TestStart_AssetAbsentAndOffline(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	waitForState(t, f.coord, StateAwaitingNetworkForInitialDownload)

	assert.Equal(t, 1, f.listener.errorCount(), "Failed must be reported exactly once")
	assert.Zero(t, f.jobs.submissionCount(), "no job may be submitted while offline")
	assert.Equal(t, 1, f.monitor.subscriberCount())

	// Network returns: exactly one initial submission follows.
	f.monitor.connect()

	waitForState(t, f.coord, StateDownloadingInitial)
	assert.Equal(t, 1, f.jobs.submissionCount())
	assert.Equal(t, 1, f.listener.errorCount(), "no second Failed notification")
}

func TestStart_AssetAbsentAndOnline(t *testing.T) {
	f := newFixture(t, Options{})
	f.monitor.connected = true

	f.start(t)

	waitForState(t, f.coord, StateDownloadingInitial)

	require.Equal(t, 1, f.jobs.submissionCount())
	assert.Equal(t, submission{url: "http://assets.example.com/demo.mp4", dest: f.asset}, f.jobs.submissionAt(0))

	// Simulate the download landing directly at the canonical path, plus a
	// stale numbered duplicate left next to it.
	require.NoError(t, os.WriteFile(f.asset, []byte("video"), 0644))
	stale := filepath.Join(f.dir, "asset-1.mp4")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))

	f.jobs.complete("job-1", fetch.Result{Status: fetch.StatusSuccessful, LocalPath: f.asset})

	waitForState(t, f.coord, StateSettled)

	require.Eventually(t, func() bool {
		return len(f.listener.downloadedPaths()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{f.asset}, f.listener.downloadedPaths())

	// Deferred cleanup purges the duplicate and keeps the asset.
	require.Eventually(t, func() bool {
		_, err := os.Stat(stale)

		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond, "stale duplicate should be purged after the cleanup delay")

	_, err := os.Stat(f.asset)
	assert.NoError(t, err)
}

func TestStart_AssetPresentAndUnchanged(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, os.WriteFile(f.asset, []byte("video"), 0644))

	f.monitor.connected = true
	f.checker.outcome = revalidate.Unchanged

	f.start(t)

	waitForState(t, f.coord, StateSettled)

	assert.Equal(t, 1, f.checker.callCount())
	assert.Zero(t, f.jobs.submissionCount(), "unchanged probe must never submit a job")
	assert.Zero(t, f.listener.errorCount())
}

func TestStart_PreloadAssetCountsAsPresent(t *testing.T) {
	dir := t.TempDir()
	preload := filepath.Join(dir, "preload.mp4")
	require.NoError(t, os.WriteFile(preload, []byte("factory copy"), 0644))

	f := newFixture(t, Options{PreloadAssetPath: preload})
	f.monitor.connected = true
	f.checker.outcome = revalidate.Unchanged

	f.start(t)

	waitForState(t, f.coord, StateSettled)

	assert.Equal(t, 1, f.checker.callCount(), "presence via preload path must trigger revalidation, not a download")
	assert.Zero(t, f.jobs.submissionCount())
}

func TestStart_AssetPresentAndStale(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, os.WriteFile(f.asset, []byte("old video"), 0644))

	f.monitor.connected = true
	f.checker.outcome = revalidate.Stale

	rec := &memRecorder{}
	f.coord.WithRecorder(rec)

	f.start(t)

	waitForState(t, f.coord, StateDownloadingUpdate)
	require.Equal(t, 1, f.jobs.submissionCount())

	// The update lands under a numbered name because the destination existed.
	downloaded := filepath.Join(f.dir, "asset-1.mp4")
	require.NoError(t, os.WriteFile(downloaded, []byte("new video"), 0644))

	f.jobs.complete("job-1", fetch.Result{Status: fetch.StatusSuccessful, LocalPath: downloaded})

	waitForState(t, f.coord, StateSettled)

	require.Eventually(t, func() bool {
		return len(f.listener.downloadedPaths()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	content, err := os.ReadFile(f.asset)
	require.NoError(t, err)
	assert.Equal(t, "new video", string(content), "update must be promoted over the old asset")

	// A completion for an unrelated job id changes nothing.
	f.jobs.complete("job-99", fetch.Result{Status: fetch.StatusSuccessful, LocalPath: downloaded})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.listener.downloadedPaths(), 1)

	records := rec.records()
	require.Len(t, records, 1)
	assert.Equal(t, storage.KindUpdate, records[0].Kind)
	assert.Equal(t, storage.StatusSuccessful, records[0].Status)
}

func TestStart_AssetPresentButOffline(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, os.WriteFile(f.asset, []byte("video"), 0644))

	f.checker.outcome = revalidate.Unchanged

	f.start(t)

	waitForState(t, f.coord, StateAwaitingNetworkForUpdateCheck)
	assert.Zero(t, f.checker.callCount())
	assert.Zero(t, f.listener.errorCount(), "being offline with an asset on disk is not an error")

	f.monitor.connect()

	waitForState(t, f.coord, StateSettled)
	assert.Equal(t, 1, f.checker.callCount())
	assert.Zero(t, f.jobs.submissionCount())
}

func TestInitialDownloadFailure_IsSilent(t *testing.T) {
	f := newFixture(t, Options{})
	f.monitor.connected = true

	rec := &memRecorder{}
	f.coord.WithRecorder(rec)

	f.start(t)

	waitForState(t, f.coord, StateDownloadingInitial)

	f.jobs.complete("job-1", fetch.Result{Status: fetch.StatusFailed})

	waitForState(t, f.coord, StateIdle)

	assert.Zero(t, f.listener.errorCount(), "a failed first download is dropped silently")
	assert.Empty(t, f.listener.downloadedPaths())

	records := rec.records()
	require.Len(t, records, 1)
	assert.Equal(t, storage.KindInitial, records[0].Kind)
	assert.Equal(t, storage.StatusFailed, records[0].Status)
}

func TestUpdateDownloadFailure_KeepsOldAsset(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, os.WriteFile(f.asset, []byte("old video"), 0644))

	f.monitor.connected = true
	f.checker.outcome = revalidate.Stale

	f.start(t)

	waitForState(t, f.coord, StateDownloadingUpdate)

	f.jobs.complete("job-1", fetch.Result{Status: fetch.StatusFailed})

	waitForState(t, f.coord, StateSettled)

	assert.Empty(t, f.listener.downloadedPaths())

	content, err := os.ReadFile(f.asset)
	require.NoError(t, err)
	assert.Equal(t, "old video", string(content), "old asset stays valid when the update fails")
}

func TestInitialDownload_CompletionBeforeSubmitReturns(t *testing.T) {
	f := newFixture(t, Options{})
	f.monitor.connected = true

	// The completion for the initial job lands before Submit has returned.
	// It must still be matched to the job and never dropped.
	f.coord.jobs = &instantSubmitter{
		fakeSubmitter: f.jobs,
		result:        fetch.Result{Status: fetch.StatusSuccessful, LocalPath: f.asset},
	}

	f.start(t)

	waitForState(t, f.coord, StateSettled)

	require.Eventually(t, func() bool {
		return len(f.listener.downloadedPaths()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{f.asset}, f.listener.downloadedPaths())
	assert.Equal(t, 1, f.jobs.submissionCount())
}

func TestUpdateCheckSkippedWhileDownloadInFlight(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, os.WriteFile(f.asset, []byte("old video"), 0644))

	f.monitor.connected = true
	f.checker.outcome = revalidate.Stale

	f.start(t)

	waitForState(t, f.coord, StateDownloadingUpdate)
	require.Equal(t, 1, f.jobs.submissionCount())

	// A connectivity signal arriving mid-download must not trigger a second
	// revalidation or submission.
	f.coord.events <- networkUpEvent{}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, f.checker.callCount())
	assert.Equal(t, 1, f.jobs.submissionCount())
	assert.Equal(t, StateDownloadingUpdate, f.coord.CurrentState())

	// The in-flight job still completes normally afterwards.
	downloaded := filepath.Join(f.dir, "asset-1.mp4")
	require.NoError(t, os.WriteFile(downloaded, []byte("new video"), 0644))
	f.jobs.complete("job-1", fetch.Result{Status: fetch.StatusSuccessful, LocalPath: downloaded})

	waitForState(t, f.coord, StateSettled)
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateIdle:                              "idle",
		StateAwaitingNetworkForInitialDownload: "awaiting_network_for_initial_download",
		StateDownloadingInitial:                "downloading_initial",
		StateCheckingForUpdate:                 "checking_for_update",
		StateAwaitingNetworkForUpdateCheck:     "awaiting_network_for_update_check",
		StateDownloadingUpdate:                 "downloading_update",
		StateSettled:                           "settled",
		State(42):                              "unknown",
	}

	for state, want := range states {
		assert.Equal(t, want, state.String())
	}
}
