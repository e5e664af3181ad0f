package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fjellstad/voxd/internal/database"
	"github.com/fjellstad/voxd/internal/model"
	"github.com/fjellstad/voxd/internal/store"
	"github.com/fjellstad/voxd/internal/uplink"
)

// fakeSubmitter simulates the remote endpoint. failCreates makes the first N
// CreateMeeting calls fail with createErr; a non-nil block channel holds every
// call until released.
type fakeSubmitter struct {
	mu          sync.Mutex
	createCalls int
	submitCalls int
	failCreates int
	createErr   error
	block       chan struct{}
}

func (f *fakeSubmitter) CreateMeeting(ctx context.Context, req uplink.CreateMeetingRequest) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createCalls <= f.failCreates {
		if f.createErr != nil {
			return "", f.createErr
		}
		return "", errors.New("connection refused")
	}
	return "meeting-" + req.RecordingID, nil
}

func (f *fakeSubmitter) SubmitAudio(ctx context.Context, meetingID, audioBase64, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	return nil
}

func (f *fakeSubmitter) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func setupQueueTest(t *testing.T, fake *fakeSubmitter) (*Manager, *store.RecordingStore, *sql.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.NewRecordingStore(db, nil, 0, nil)
	m := NewManager(st, fake, nil, nil)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, st, db
}

// shortDelays shrinks the retry table so retry tests run in milliseconds.
func shortDelays(t *testing.T) {
	t.Helper()
	orig := RetryDelays
	RetryDelays = []time.Duration{
		5 * time.Millisecond, 5 * time.Millisecond,
		5 * time.Millisecond, 5 * time.Millisecond,
	}
	t.Cleanup(func() { RetryDelays = orig })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func saveCompleted(t *testing.T, st *store.RecordingStore, id string) {
	t.Helper()
	rec := &model.Recording{
		ID:        id,
		Status:    model.StatusCompleted,
		Title:     "Recording " + id,
		MimeType:  "audio/webm",
		Payload:   []byte("audio-" + id),
		SizeBytes: int64(len("audio-" + id)),
		StartedAt: time.Now().UTC(),
	}
	if err := st.Save(context.Background(), rec); err != nil {
		t.Fatalf("save recording: %v", err)
	}
}

func deleted(st *store.RecordingStore, id string) func() bool {
	return func() bool {
		rec, err := st.Get(context.Background(), id)
		return err == nil && rec == nil
	}
}

func TestDeliverSuccessDeletesRow(t *testing.T) {
	fake := &fakeSubmitter{}
	m, st, _ := setupQueueTest(t, fake)
	saveCompleted(t, st, "rec-1")

	var mu sync.Mutex
	var stages []model.UploadStage
	onProgress := func(p model.UploadProgress) {
		mu.Lock()
		stages = append(stages, p.Stage)
		mu.Unlock()
	}

	if err := m.Enqueue("rec-1", onProgress); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "delivery", deleted(st, "rec-1"))

	if n := fake.creates(); n != 1 {
		t.Errorf("create calls = %d, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []model.UploadStage{model.StageUploading, model.StageProcessing, model.StageCompleted}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %q, want %q", i, stages[i], want[i])
		}
	}
}

func TestRetryAfterTransientFailure(t *testing.T) {
	shortDelays(t)
	fake := &fakeSubmitter{failCreates: 1}
	m, st, _ := setupQueueTest(t, fake)
	saveCompleted(t, st, "rec-1")

	if err := m.Enqueue("rec-1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "retried delivery", deleted(st, "rec-1"))

	if n := fake.creates(); n != 2 {
		t.Errorf("create calls = %d, want 2 (one failure, one retry)", n)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	shortDelays(t)
	fake := &fakeSubmitter{failCreates: 100}
	m, st, _ := setupQueueTest(t, fake)
	saveCompleted(t, st, "rec-1")

	if err := m.Enqueue("rec-1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "budget exhaustion", func() bool {
		rec, err := st.Get(context.Background(), "rec-1")
		return err == nil && rec != nil && rec.RetryCount >= len(RetryDelays)
	})

	// No further attempts after the budget is spent.
	time.Sleep(50 * time.Millisecond)
	if n := fake.creates(); n != len(RetryDelays) {
		t.Errorf("create calls = %d, want exactly %d", n, len(RetryDelays))
	}

	rec, _ := st.Get(context.Background(), "rec-1")
	if rec.Status != model.StatusFailed {
		t.Errorf("status = %q, want %q", rec.Status, model.StatusFailed)
	}
	if !rec.Unrecoverable() {
		t.Error("recording with spent budget should be unrecoverable")
	}
}

func TestAuthFailureNotRetried(t *testing.T) {
	shortDelays(t)
	fake := &fakeSubmitter{
		failCreates: 100,
		createErr:   fmt.Errorf("create meeting: %w", uplink.ErrAuth),
	}
	m, st, _ := setupQueueTest(t, fake)
	saveCompleted(t, st, "rec-1")

	if err := m.Enqueue("rec-1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "auth failure recorded", func() bool {
		rec, err := st.Get(context.Background(), "rec-1")
		return err == nil && rec != nil && rec.Status == model.StatusFailed
	})

	time.Sleep(50 * time.Millisecond)
	if n := fake.creates(); n != 1 {
		t.Errorf("create calls = %d, want 1 (auth failures must not auto-retry)", n)
	}
	rec, _ := st.Get(context.Background(), "rec-1")
	if rec.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", rec.RetryCount)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	fake := &fakeSubmitter{block: make(chan struct{})}
	m, st, _ := setupQueueTest(t, fake)
	saveCompleted(t, st, "rec-1")

	for i := 0; i < 3; i++ {
		if err := m.Enqueue("rec-1", nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitFor(t, "delivery in flight", func() bool {
		st, err := m.Status(context.Background())
		return err == nil && st.Uploading == 1
	})
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Queued != 0 {
		t.Errorf("queued = %d, want 0 (duplicates must collapse)", status.Queued)
	}

	close(fake.block)
	waitFor(t, "delivery", deleted(st, "rec-1"))
	if n := fake.creates(); n != 1 {
		t.Errorf("create calls = %d, want 1", n)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	fake := &fakeSubmitter{block: make(chan struct{})}
	m, st, _ := setupQueueTest(t, fake)
	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		saveCompleted(t, st, id)
		if err := m.Enqueue(id, nil); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	waitFor(t, "two deliveries in flight", func() bool {
		st, err := m.Status(context.Background())
		return err == nil && st.Uploading == 2
	})
	status, _ := m.Status(context.Background())
	if status.Queued != 1 {
		t.Errorf("queued = %d, want 1 behind the concurrency limit", status.Queued)
	}

	close(fake.block)
	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		waitFor(t, "delivery of "+id, deleted(st, id))
	}
}

func TestEnqueueMissingRecordingNoop(t *testing.T) {
	fake := &fakeSubmitter{}
	m, _, _ := setupQueueTest(t, fake)

	if err := m.Enqueue("ghost", nil); err != nil {
		t.Fatalf("enqueue missing: %v", err)
	}
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Queued != 0 || status.Uploading != 0 {
		t.Errorf("status = %+v, want empty queue", status)
	}
}

func TestInitRequeuesLeftovers(t *testing.T) {
	fake := &fakeSubmitter{}
	m, st, _ := setupQueueTest(t, fake)
	saveCompleted(t, st, "rec-1")

	stuck := &model.Recording{
		ID:        "rec-2",
		Status:    model.StatusProcessing,
		Title:     "Interrupted upload",
		MimeType:  "audio/webm",
		Payload:   []byte("audio"),
		SizeBytes: 5,
		StartedAt: time.Now().UTC(),
	}
	if err := st.Save(context.Background(), stuck); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	waitFor(t, "leftover rec-1", deleted(st, "rec-1"))
	waitFor(t, "leftover rec-2", deleted(st, "rec-2"))
}

func TestRetryFailedRequeuesWithinBudget(t *testing.T) {
	fake := &fakeSubmitter{}
	m, st, db := setupQueueTest(t, fake)
	ctx := context.Background()

	retryable := &model.Recording{
		ID:         "rec-retry",
		Status:     model.StatusFailed,
		Title:      "Failed once",
		MimeType:   "audio/webm",
		Payload:    []byte("audio"),
		SizeBytes:  5,
		RetryCount: 1,
		StartedAt:  time.Now().UTC(),
	}
	if err := st.Save(ctx, retryable); err != nil {
		t.Fatalf("save: %v", err)
	}

	spent := &model.Recording{
		ID:         "rec-spent",
		Status:     model.StatusFailed,
		Title:      "Out of budget",
		MimeType:   "audio/webm",
		Payload:    []byte("audio"),
		SizeBytes:  5,
		RetryCount: len(RetryDelays),
		StartedAt:  time.Now().UTC(),
	}
	if err := st.Save(ctx, spent); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A session that died mid-capture, leaving chunks behind.
	stranded := &model.Recording{
		ID:        "rec-stranded",
		Status:    model.StatusRecording,
		Title:     "Died mid-capture",
		MimeType:  "audio/webm",
		StartedAt: time.Now().UTC(),
	}
	if err := st.Save(ctx, stranded); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.AddChunk(ctx, "rec-stranded", []byte("segment")); err != nil {
		t.Fatalf("add chunk: %v", err)
	}
	stale := time.Now().UTC().Add(-2 * time.Minute)
	if _, err := db.Exec(`UPDATE recordings SET updated_at = ? WHERE id = ?`, stale, "rec-stranded"); err != nil {
		t.Fatalf("backdate row: %v", err)
	}

	n, err := m.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 2 {
		t.Errorf("requeued %d recordings, want 2", n)
	}

	waitFor(t, "retryable delivery", deleted(st, "rec-retry"))
	waitFor(t, "stranded rescue", deleted(st, "rec-stranded"))

	rec, _ := st.Get(ctx, "rec-spent")
	if rec == nil {
		t.Error("out-of-budget recording must not be requeued")
	}
}
