package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fjellstad/voxd/internal/model"
	"github.com/fjellstad/voxd/internal/store"
	"github.com/fjellstad/voxd/internal/uplink"
)

// Submitter is the slice of the uplink client the queue needs.
type Submitter interface {
	CreateMeeting(ctx context.Context, req uplink.CreateMeetingRequest) (string, error)
	SubmitAudio(ctx context.Context, meetingID, audioBase64, mimeType string) error
}

// ProgressFunc receives delivery progress at defined checkpoints.
type ProgressFunc func(model.UploadProgress)

// RetryDelays is the progressive delay table, indexed by retry count. A
// recording whose retry count reaches the table length is out of budget.
var RetryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

const defaultConcurrency = 2

// staleActiveAfter guards RetryFailed against stealing the live session's
// row: an open session heartbeats every 10 seconds, so a recording-status row
// untouched for this long has no session behind it.
const staleActiveAfter = 1 * time.Minute

// Manager delivers completed recordings to the remote submission endpoint
// with bounded concurrency, FIFO ordering, and automatic retry. Retries are
// scheduled as delayed re-enqueue messages serviced by the manager's run
// loop; no timer callback touches queue state directly.
type Manager struct {
	store    *store.RecordingStore
	client   Submitter
	logger   *slog.Logger
	notify   ProgressFunc // optional global observer (UI hub)
	limit    int

	mu       sync.Mutex
	pending  []string
	inflight map[string]struct{}
	progress map[string]ProgressFunc

	retryCh chan string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates an upload queue manager. notify, when non-nil, observes
// every progress checkpoint regardless of per-recording callbacks.
func NewManager(st *store.RecordingStore, client Submitter, notify ProgressFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		client:   client,
		logger:   logger,
		notify:   notify,
		limit:    defaultConcurrency,
		inflight: make(map[string]struct{}),
		progress: make(map[string]ProgressFunc),
		retryCh:  make(chan string, 16),
	}
}

// Start begins the retry-message loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.ctx.Done():
				return
			case id := <-m.retryCh:
				if err := m.Enqueue(id, nil); err != nil {
					m.logger.Error("retry enqueue failed", "recording_id", id, "error", err)
				}
			}
		}
	}()
}

// Stop cancels in-flight deliveries and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.wg.Wait()
}

// Init enqueues recordings left over from a prior session and runs store
// cleanup. Called once at startup, after Start.
func (m *Manager) Init(ctx context.Context) error {
	leftovers, err := m.store.GetByStatus(ctx, model.StatusCompleted, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("scan leftover recordings: %w", err)
	}
	for i := range leftovers {
		if err := m.Enqueue(leftovers[i].ID, nil); err != nil {
			m.logger.Error("enqueue leftover failed", "recording_id", leftovers[i].ID, "error", err)
		}
	}
	if len(leftovers) > 0 {
		m.logger.Info("requeued leftover recordings", "count", len(leftovers))
	}

	if _, err := m.store.Cleanup(ctx); err != nil {
		m.logger.Error("startup cleanup failed", "error", err)
	}
	return nil
}

// Enqueue registers the recording for delivery. It is a no-op when the
// recording no longer exists or is already delivered, and deduplicates
// against both the pending list and the in-flight set.
func (m *Manager) Enqueue(id string, onProgress ProgressFunc) error {
	ctx := m.runCtx()
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status == model.StatusUploaded {
		return nil
	}

	m.mu.Lock()
	if onProgress != nil {
		m.progress[id] = onProgress
	}
	if _, busy := m.inflight[id]; !busy && !m.isPendingLocked(id) {
		m.pending = append(m.pending, id)
	}
	m.mu.Unlock()

	m.drain()
	return nil
}

func (m *Manager) isPendingLocked(id string) bool {
	for _, p := range m.pending {
		if p == id {
			return true
		}
	}
	return false
}

func (m *Manager) runCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// drain moves pending ids into flight up to the concurrency limit. Each
// completed delivery drains again, so the queue pulls work as capacity frees
// up rather than running a fixed worker pool.
func (m *Manager) drain() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 || len(m.inflight) >= m.limit {
			m.mu.Unlock()
			return
		}
		id := m.pending[0]
		m.pending = m.pending[1:]
		m.inflight[id] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go func(id string) {
			defer m.wg.Done()
			m.deliver(m.runCtx(), id)
			m.mu.Lock()
			delete(m.inflight, id)
			m.mu.Unlock()
			m.drain()
		}(id)
	}
}

func (m *Manager) report(id string, stage model.UploadStage, errMsg string) {
	p := model.UploadProgress{
		RecordingID: id,
		Stage:       stage,
		Percent:     stage.Percent(),
		Error:       errMsg,
	}
	m.mu.Lock()
	cb := m.progress[id]
	m.mu.Unlock()
	if cb != nil {
		cb(p)
	}
	if m.notify != nil {
		m.notify(p)
	}
}

// forget drops all queue bookkeeping for a delivered recording.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.progress, id)
	m.mu.Unlock()
}

// deliver performs one upload attempt.
func (m *Manager) deliver(ctx context.Context, id string) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Error("deliver: load recording", "recording_id", id, "error", err)
		return
	}
	if rec == nil {
		m.forget(id)
		return
	}

	if err := m.store.SetStatus(ctx, id, model.StatusProcessing, ""); err != nil {
		m.logger.Error("deliver: mark processing", "recording_id", id, "error", err)
	}
	m.report(id, model.StageUploading, "")

	payload := rec.Payload
	if len(payload) == 0 {
		payload, err = m.reconstructPayload(ctx, id)
		if err != nil {
			m.logger.Warn("payload reconstruction failed", "recording_id", id, "error", err)
		}
	}
	if len(payload) == 0 {
		m.fail(ctx, rec, store.ErrNoAudio)
		return
	}

	meetingID, err := m.client.CreateMeeting(ctx, uplink.CreateMeetingRequest{
		RecordingID:  rec.ID,
		ProjectID:    rec.ProjectID,
		Title:        rec.Title,
		ScheduledAt:  rec.StartedAt,
		DurationSecs: rec.DurationSecs,
	})
	if err != nil {
		m.fail(ctx, rec, err)
		return
	}

	m.report(id, model.StageProcessing, "")

	if err := m.client.SubmitAudio(ctx, meetingID, uplink.EncodePayload(payload), rec.MimeType); err != nil {
		m.fail(ctx, rec, err)
		return
	}

	// Confirmed delivered: this is the only path that removes the local copy.
	m.report(id, model.StageCompleted, "")
	if err := m.store.SetStatus(ctx, id, model.StatusUploaded, ""); err != nil {
		m.logger.Error("deliver: mark uploaded", "recording_id", id, "error", err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		// Cleanup will purge the uploaded row later.
		m.logger.Error("deliver: delete uploaded recording", "recording_id", id, "error", err)
	}
	m.forget(id)
	m.logger.Info("recording delivered", "recording_id", id, "meeting_id", meetingID, "bytes", len(payload))
}

// reconstructPayload rebuilds the finalized payload from stored chunks when
// the payload column is missing (e.g. a row restored from a backup snapshot).
func (m *Manager) reconstructPayload(ctx context.Context, id string) ([]byte, error) {
	chunks, err := m.store.Chunks(ctx, id)
	if err != nil {
		return nil, err
	}
	var payload []byte
	for _, c := range chunks {
		if len(c.Data) > 0 {
			payload = append(payload, c.Data...)
		}
	}
	return payload, nil
}

// fail records the delivery failure and schedules a retry when the budget
// allows. Authentication failures are never auto-retried: re-running the same
// dead session only burns the budget.
func (m *Manager) fail(ctx context.Context, rec *model.Recording, cause error) {
	if err := m.store.MarkDeliveryFailed(ctx, rec.ID, cause.Error()); err != nil {
		m.logger.Error("deliver: record failure", "recording_id", rec.ID, "error", err)
	}
	m.report(rec.ID, model.StageFailed, cause.Error())

	retryCount := rec.RetryCount + 1
	if errors.Is(cause, uplink.ErrAuth) {
		m.logger.Error("delivery rejected: authentication failed, manual retry required",
			"recording_id", rec.ID, "retry_count", retryCount)
		return
	}

	if retryCount >= len(RetryDelays) {
		m.logger.Error("delivery retry budget exhausted", "recording_id", rec.ID, "retry_count", retryCount)
		return
	}

	delay := RetryDelays[retryCount]
	m.logger.Warn("delivery failed, retry scheduled",
		"recording_id", rec.ID, "retry_count", retryCount, "delay", delay, "error", cause)
	m.scheduleRetry(rec.ID, delay)
}

// scheduleRetry posts a re-enqueue message after the delay. The timer
// goroutine only sends on the channel; the run loop owns the actual enqueue.
func (m *Manager) scheduleRetry(id string, delay time.Duration) {
	ctx := m.runCtx()
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		select {
		case m.retryCh <- id:
		case <-ctx.Done():
		}
	}()
}

// RetryFailed re-enqueues failed recordings still within the retry budget,
// and rescues recordings stranded in recording status by a session that died
// without finalizing.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	failed, err := m.store.GetByStatus(ctx, model.StatusFailed)
	if err != nil {
		return 0, err
	}

	var requeued int
	for i := range failed {
		rec := &failed[i]
		if rec.RetryCount >= len(RetryDelays) {
			continue
		}
		if err := m.Enqueue(rec.ID, nil); err != nil {
			m.logger.Error("retry failed recording", "recording_id", rec.ID, "error", err)
			continue
		}
		requeued++
	}

	stranded, err := m.store.GetByStatus(ctx, model.StatusRecording)
	if err != nil {
		return requeued, err
	}
	cutoff := time.Now().UTC().Add(-staleActiveAfter)
	for i := range stranded {
		rec := &stranded[i]
		if rec.UpdatedAt.After(cutoff) {
			continue // a live session still owns this row
		}
		n, err := m.store.ChunkCount(ctx, rec.ID)
		if err != nil || n == 0 {
			continue
		}
		if err := m.store.Finalize(ctx, rec.ID); err != nil {
			m.logger.Warn("rescue finalize failed", "recording_id", rec.ID, "error", err)
			continue
		}
		if err := m.Enqueue(rec.ID, nil); err != nil {
			m.logger.Error("rescue enqueue failed", "recording_id", rec.ID, "error", err)
			continue
		}
		requeued++
		m.logger.Info("rescued stranded recording", "recording_id", rec.ID, "chunks", n)
	}

	return requeued, nil
}

// Status returns queue counters for the UI layer.
func (m *Manager) Status(ctx context.Context) (model.QueueStatus, error) {
	m.mu.Lock()
	st := model.QueueStatus{
		Queued:    len(m.pending),
		Uploading: len(m.inflight),
	}
	m.mu.Unlock()

	failed, err := m.store.GetByStatus(ctx, model.StatusFailed)
	if err != nil {
		return st, err
	}
	for i := range failed {
		st.Failed++
		if failed[i].Unrecoverable() {
			st.Unrecoverable++
		}
	}
	return st, nil
}
