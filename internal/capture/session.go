package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fjellstad/voxd/internal/backup"
	"github.com/fjellstad/voxd/internal/model"
	"github.com/fjellstad/voxd/internal/queue"
	"github.com/fjellstad/voxd/internal/store"
)

// ErrSessionActive is returned by Start when a capture session is already
// open. At most one session exists per client.
var ErrSessionActive = errors.New("capture session already active")

// ErrNoSession is returned by Stop/Pause/Resume with no open session.
var ErrNoSession = errors.New("no active capture session")

// Intervals groups the periodic timers owned by a session. Zero values fall
// back to production defaults; tests shorten them.
type Intervals struct {
	Segment   time.Duration // segment emission
	Heartbeat time.Duration // durability checkpoint
	AutoSave  time.Duration // second, lower-frequency checkpoint
	Quality   time.Duration // signal level sampling
	Tick      time.Duration // elapsed-seconds counter
	// MaxTicks is the hard ceiling on counted capture seconds; the tick
	// loop forces a stop when the counter reaches it.
	MaxTicks int64
}

func (iv Intervals) withDefaults() Intervals {
	if iv.Segment == 0 {
		iv.Segment = 5 * time.Second
	}
	if iv.Heartbeat == 0 {
		iv.Heartbeat = 10 * time.Second
	}
	if iv.AutoSave == 0 {
		iv.AutoSave = 30 * time.Second
	}
	if iv.Quality == 0 {
		iv.Quality = 2 * time.Second
	}
	if iv.Tick == 0 {
		iv.Tick = 1 * time.Second
	}
	if iv.MaxTicks == 0 {
		iv.MaxTicks = maxCaptureSeconds
	}
	return iv
}

// maxCaptureSeconds is the hard ceiling on one capture session (2 hours).
const maxCaptureSeconds = 7200

// EventFunc observes session state changes for the UI layer.
type EventFunc func(event, recordingID string, detail map[string]any)

// StopResult reports how a session ended.
type StopResult struct {
	RecordingID  string `json:"recording_id"`
	DurationSecs int64  `json:"duration_secs"`
	// Recovered is true when finalize failed but enough chunks survived to
	// complete the recording through the degraded path.
	Recovered bool `json:"recovered"`
}

// Session drives the single active capture session: the state machine, the
// periodic durability checkpoints, and the environment monitoring hooks. All
// persistence failures during an open session are absorbed and logged; the
// next checkpoint is another chance to save.
type Session struct {
	store     *store.RecordingStore
	queue     *queue.Manager
	backup    *backup.Manager
	source    CaptureSource
	wake      WakeLock
	intervals Intervals
	onEvent   EventFunc
	logger    *slog.Logger

	mu          sync.Mutex
	state       model.RecordingStatus // recording, paused, or "" when idle
	rec         *model.Recording
	stream      Stream
	releaseWake func()
	timers      *sessionTimers
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	quality     SignalQuality

	elapsed atomic.Int64 // whole seconds, durability hint only
	hidden  atomic.Bool
	online  atomic.Bool
}

func NewSession(st *store.RecordingStore, q *queue.Manager, bk *backup.Manager, source CaptureSource, wake WakeLock, intervals Intervals, onEvent EventFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		store:     st,
		queue:     q,
		backup:    bk,
		source:    source,
		wake:      wake,
		intervals: intervals.withDefaults(),
		onEvent:   onEvent,
		logger:    logger,
	}
	s.online.Store(true)
	return s
}

func (s *Session) emit(event, recordingID string, detail map[string]any) {
	if s.onEvent != nil {
		s.onEvent(event, recordingID, detail)
	}
}

// Active reports whether a session is open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == model.StatusRecording || s.state == model.StatusPaused
}

// Start opens a capture session. Device acquisition failure aborts; wake-lock
// failure only warns.
func (s *Session) Start(ctx context.Context, projectID, title string) (string, error) {
	s.mu.Lock()
	if s.state == model.StatusRecording || s.state == model.StatusPaused {
		s.mu.Unlock()
		return "", ErrSessionActive
	}
	s.mu.Unlock()

	if active, err := s.store.ActiveRecording(ctx); err != nil {
		return "", err
	} else if active != nil {
		return "", fmt.Errorf("%w: recording %s", ErrSessionActive, active.ID)
	}

	stream, err := s.source.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire capture device: %w", err)
	}

	var release func()
	if s.wake != nil {
		release, err = s.wake.Acquire(ctx)
		if err != nil {
			s.logger.Warn("wake lock unavailable, display may sleep during capture", "error", err)
			release = nil
		}
	}

	now := time.Now().UTC()
	if title == "" {
		title = "Recording " + now.Format("2006-01-02 15:04")
	}
	rec := &model.Recording{
		ID:        uuid.NewString(),
		Status:    model.StatusRecording,
		ProjectID: projectID,
		Title:     title,
		MimeType:  "audio/webm",
		StartedAt: now,
	}
	if err := s.store.SaveWithRetry(ctx, rec, 3); err != nil {
		stream.Close()
		if release != nil {
			release()
		}
		return "", fmt.Errorf("create recording row: %w", err)
	}

	s.mu.Lock()
	s.state = model.StatusRecording
	s.rec = rec
	s.stream = stream
	s.releaseWake = release
	s.startedAt = now
	s.pausedAt = time.Time{}
	s.pausedTotal = 0
	s.quality = ""
	s.elapsed.Store(0)
	s.timers = s.startTimers(ctx)
	s.mu.Unlock()

	s.snapshot()
	s.emit("capture_started", rec.ID, map[string]any{"title": title})
	s.logger.Info("capture session started", "recording_id", rec.ID)
	return rec.ID, nil
}

// Pause suspends segment emission and the elapsed counter. The status change
// is a durability checkpoint, persisted immediately with a fresh snapshot.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.state != model.StatusRecording {
		s.mu.Unlock()
		return ErrNoSession
	}
	s.state = model.StatusPaused
	s.pausedAt = time.Now().UTC()
	s.rec.Status = model.StatusPaused
	s.rec.IsPaused = true
	rec := *s.rec
	stream := s.stream
	s.mu.Unlock()

	if err := stream.Pause(); err != nil {
		s.logger.Warn("stream pause failed", "error", err)
	}
	if err := s.store.Save(ctx, &rec); err != nil {
		s.logger.Error("persist pause failed", "recording_id", rec.ID, "error", err)
	}
	s.snapshot()
	s.emit("capture_paused", rec.ID, nil)
	return nil
}

// Resume restarts segment emission and the elapsed counter.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.state != model.StatusPaused {
		s.mu.Unlock()
		return ErrNoSession
	}
	s.state = model.StatusRecording
	if !s.pausedAt.IsZero() {
		s.pausedTotal += time.Since(s.pausedAt)
		s.pausedAt = time.Time{}
	}
	s.rec.Status = model.StatusRecording
	s.rec.IsPaused = false
	rec := *s.rec
	stream := s.stream
	s.mu.Unlock()

	if err := stream.Resume(); err != nil {
		s.logger.Warn("stream resume failed", "error", err)
	}
	if err := s.store.Save(ctx, &rec); err != nil {
		s.logger.Error("persist resume failed", "recording_id", rec.ID, "error", err)
	}
	s.snapshot()
	s.emit("capture_resumed", rec.ID, nil)
	return nil
}

// Stop closes the session: halts every timer, releases the device and wake
// lock, recomputes duration from wall-clock timestamps, finalizes, and hands
// the recording to the upload queue. When finalize fails but non-empty chunks
// survive, the recording is completed through the degraded path and enqueued
// anyway.
func (s *Session) Stop(ctx context.Context) (*StopResult, error) {
	s.mu.Lock()
	if s.state != model.StatusRecording && s.state != model.StatusPaused {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	rec := s.rec
	timers := s.timers
	stream := s.stream
	release := s.releaseWake
	startedAt := s.startedAt
	pausedTotal := s.pausedTotal
	if !s.pausedAt.IsZero() {
		pausedTotal += time.Since(s.pausedAt)
	}
	s.state = ""
	s.rec = nil
	s.stream = nil
	s.releaseWake = nil
	s.timers = nil
	s.mu.Unlock()

	timers.stop()

	// Drain the final partial segment before the stream goes away.
	if data, err := stream.Segment(); err == nil && len(data) > 0 {
		if err := s.store.AddChunk(ctx, rec.ID, data); err != nil {
			s.logger.Error("final segment write failed", "recording_id", rec.ID, "error", err)
		}
	}
	if err := stream.Close(); err != nil {
		s.logger.Warn("stream close failed", "error", err)
	}
	if release != nil {
		release()
	}

	// Wall clock, not the 1-second counter: the counter drifts under
	// suspend/background throttling.
	duration := time.Since(startedAt) - pausedTotal
	if duration < 0 {
		duration = 0
	}
	rec.DurationSecs = int64(duration.Seconds())
	rec.IsPaused = false
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error("persist final duration failed", "recording_id", rec.ID, "error", err)
	}

	result := &StopResult{RecordingID: rec.ID, DurationSecs: rec.DurationSecs}

	ferr := s.store.Finalize(ctx, rec.ID)
	if ferr != nil {
		if errors.Is(ferr, store.ErrNoAudio) {
			s.emit("capture_failed", rec.ID, map[string]any{"error": ferr.Error()})
			return result, ferr
		}
		// Degraded recovery: complete the recording if any usable chunk
		// survived; the queue can rebuild the payload from chunks.
		n, cerr := s.store.ChunkCount(ctx, rec.ID)
		if cerr == nil && n > 0 {
			if serr := s.store.SetStatus(ctx, rec.ID, model.StatusCompleted, ""); serr != nil {
				s.logger.Error("degraded completion failed", "recording_id", rec.ID, "error", serr)
			} else {
				result.Recovered = true
			}
		}
		s.logger.Error("finalize failed", "recording_id", rec.ID, "recovered", result.Recovered, "error", ferr)
	}

	if err := s.queue.Enqueue(rec.ID, nil); err != nil {
		s.logger.Error("enqueue after stop failed", "recording_id", rec.ID, "error", err)
	}

	s.emit("capture_stopped", rec.ID, map[string]any{
		"duration_secs": rec.DurationSecs,
		"recovered":     result.Recovered,
	})
	s.logger.Info("capture session stopped", "recording_id", rec.ID, "duration_secs", rec.DurationSecs)
	return result, nil
}

// snapshot writes an emergency backup of the current session state,
// fire-and-forget.
func (s *Session) snapshot() {
	if s.backup == nil {
		return
	}
	s.mu.Lock()
	rec := s.rec
	if rec == nil {
		s.mu.Unlock()
		return
	}
	snap := model.EmergencyBackup{
		RecordingID:  rec.ID,
		Status:       rec.Status,
		ProjectID:    rec.ProjectID,
		Title:        rec.Title,
		MimeType:     rec.MimeType,
		SizeBytes:    rec.SizeBytes,
		DurationSecs: rec.DurationSecs,
		IsPaused:     rec.IsPaused,
		StartedAt:    rec.StartedAt,
		SavedAt:      time.Now().UTC(),
		Online:       s.online.Load(),
		Hidden:       s.hidden.Load(),
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := s.store.ChunkCount(ctx, snap.RecordingID); err == nil {
		snap.ChunkCount = n
	}
	s.backup.WriteSnapshot(snap)
}

// OnVisibilityChange is invoked by the platform layer when the app is
// backgrounded or foregrounded. Backgrounding forces a snapshot; foregrounding
// verifies the primary row survived.
func (s *Session) OnVisibilityChange(ctx context.Context, hidden bool) {
	s.hidden.Store(hidden)
	if !s.Active() {
		return
	}

	if hidden {
		s.snapshot()
		return
	}

	s.mu.Lock()
	id := ""
	if s.rec != nil {
		id = s.rec.ID
	}
	s.mu.Unlock()
	if id == "" {
		return
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("visibility check failed", "recording_id", id, "error", err)
		return
	}
	if rec == nil || !rec.Active() {
		s.logger.Warn("recording row lost or inactive while backgrounded", "recording_id", id)
		s.emit("capture_warning", id, map[string]any{"warning": "recording state lost while backgrounded"})
	}
}

// OnConnectivityChange is invoked by the platform layer on network changes.
// Regaining connectivity kicks the upload queue; losing it only notifies,
// since capture and local persistence are unaffected.
func (s *Session) OnConnectivityChange(ctx context.Context, online bool) {
	s.online.Store(online)
	if online {
		go func() {
			if n, err := s.queue.RetryFailed(ctx); err != nil {
				s.logger.Error("retry after reconnect failed", "error", err)
			} else if n > 0 {
				s.logger.Info("requeued recordings after reconnect", "count", n)
			}
		}()
		return
	}
	s.logger.Info("connectivity lost, capture continues locally")
	s.emit("offline", "", nil)
}

// OnTerminate is the best-effort final persistence hook for process
// termination signals. It is advisory: it may not complete.
func (s *Session) OnTerminate(ctx context.Context) {
	s.mu.Lock()
	rec := s.rec
	if rec == nil {
		s.mu.Unlock()
		return
	}
	duration := time.Since(s.startedAt) - s.pausedTotal
	if !s.pausedAt.IsZero() {
		duration -= time.Since(s.pausedAt)
	}
	if duration > 0 {
		rec.DurationSecs = int64(duration.Seconds())
	}
	snapshot := *rec
	s.mu.Unlock()

	if err := s.store.Save(ctx, &snapshot); err != nil {
		s.logger.Error("terminate persist failed", "recording_id", snapshot.ID, "error", err)
	}
	s.snapshot()
}

// Quality returns the last sampled signal quality.
func (s *Session) Quality() SignalQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// ElapsedSeconds returns the counter value. Durability hint only; the
// authoritative duration is computed from wall-clock timestamps at stop.
func (s *Session) ElapsedSeconds() int64 {
	return s.elapsed.Load()
}
