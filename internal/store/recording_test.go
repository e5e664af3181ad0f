package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fjellstad/voxd/internal/database"
	"github.com/fjellstad/voxd/internal/model"
)

func setupRecordingTestDB(t *testing.T) (*RecordingStore, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRecordingStore(db, nil, 0, nil), db
}

func newTestRecording(id string) *model.Recording {
	return &model.Recording{
		ID:        id,
		Status:    model.StatusRecording,
		Title:     "Standup",
		MimeType:  "audio/webm",
		StartedAt: time.Now().UTC(),
	}
}

func TestSaveAndGet(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	rec := newTestRecording("rec-1")
	rec.ProjectID = "proj-9"
	if err := rs.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := rs.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected recording, got nil")
	}
	if got.Title != "Standup" {
		t.Errorf("title = %q, want %q", got.Title, "Standup")
	}
	if got.ProjectID != "proj-9" {
		t.Errorf("project_id = %q, want %q", got.ProjectID, "proj-9")
	}
	if got.Status != model.StatusRecording {
		t.Errorf("status = %q, want %q", got.Status, model.StatusRecording)
	}
}

func TestGetNotFound(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)

	got, err := rs.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent recording")
	}
}

func TestSaveUpsert(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	rec := newTestRecording("rec-1")
	if err := rs.Save(ctx, rec); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	rec.Status = model.StatusPaused
	rec.IsPaused = true
	rec.DurationSecs = 42
	if err := rs.Save(ctx, rec); err != nil {
		t.Fatalf("update save: %v", err)
	}

	got, err := rs.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusPaused || !got.IsPaused {
		t.Errorf("status = %q paused=%v, want paused/true", got.Status, got.IsPaused)
	}
	if got.DurationSecs != 42 {
		t.Errorf("duration_secs = %d, want 42", got.DurationSecs)
	}
}

func TestAddChunkAndFinalize(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	rec := newTestRecording("rec-1")
	if err := rs.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	segments := [][]byte{[]byte("aaa"), []byte("bbbb"), []byte("cc")}
	for _, seg := range segments {
		if err := rs.AddChunk(ctx, "rec-1", seg); err != nil {
			t.Fatalf("add chunk: %v", err)
		}
	}

	n, err := rs.ChunkCount(ctx, "rec-1")
	if err != nil {
		t.Fatalf("chunk count: %v", err)
	}
	if n != 3 {
		t.Fatalf("chunk count = %d, want 3", n)
	}

	if err := rs.Finalize(ctx, "rec-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := rs.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, model.StatusCompleted)
	}
	want := []byte("aaabbbbcc")
	if !bytes.Equal(got.Payload, want) {
		t.Errorf("payload = %q, want %q", got.Payload, want)
	}
	if got.SizeBytes != int64(len(want)) {
		t.Errorf("size_bytes = %d, want %d", got.SizeBytes, len(want))
	}
}

func TestAddChunkEmptyDropped(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	rec := newTestRecording("rec-1")
	if err := rs.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := rs.AddChunk(ctx, "rec-1", nil); err != nil {
		t.Fatalf("add empty chunk: %v", err)
	}
	n, err := rs.ChunkCount(ctx, "rec-1")
	if err != nil {
		t.Fatalf("chunk count: %v", err)
	}
	if n != 0 {
		t.Errorf("chunk count = %d, want 0 for empty segment", n)
	}
}

func TestFinalizeNoAudio(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	rec := newTestRecording("rec-1")
	if err := rs.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := rs.Finalize(ctx, "rec-1")
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("finalize error = %v, want ErrNoAudio", err)
	}

	got, _ := rs.Get(ctx, "rec-1")
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, model.StatusFailed)
	}
	if got.LastError != ErrNoAudio.Error() {
		t.Errorf("last_error = %q, want %q", got.LastError, ErrNoAudio.Error())
	}
}

// chunkSink records emergency sink calls.
type chunkSink struct {
	mu      sync.Mutex
	written []int
	saved   [][]byte
}

func (c *chunkSink) ChunkWritten(snap model.EmergencyBackup, seq int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, seq)
}

func (c *chunkSink) SaveChunk(recordingID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, data)
	return nil
}

func TestAddChunkNotifiesEmergencySink(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sink := &chunkSink{}
	rs := NewRecordingStore(db, sink, 0, nil)
	ctx := context.Background()

	if err := rs.Save(ctx, newTestRecording("rec-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := rs.AddChunk(ctx, "rec-1", []byte("audio")); err != nil {
		t.Fatalf("add chunk: %v", err)
	}
	if err := rs.AddChunk(ctx, "rec-1", []byte("more")); err != nil {
		t.Fatalf("add chunk: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.written) != 2 || sink.written[0] != 0 || sink.written[1] != 1 {
		t.Errorf("sink sequences = %v, want [0 1]", sink.written)
	}
	if len(sink.saved) != 0 {
		t.Errorf("fallback path used %d times on healthy store", len(sink.saved))
	}
}

func TestChunkAppendRetryIdempotent(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	if err := rs.Save(ctx, newTestRecording("rec-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := rs.AddChunk(ctx, "rec-1", []byte("audio")); err != nil {
		t.Fatalf("add chunk: %v", err)
	}

	// A write attempt whose commit landed but whose verify read failed is
	// re-run against the same slot; the re-run must not append the segment
	// again or bump the size a second time.
	if err := rs.insertChunkAt(ctx, "rec-1", 0, []byte("audio")); err != nil {
		t.Fatalf("re-run insert: %v", err)
	}

	n, err := rs.ChunkCount(ctx, "rec-1")
	if err != nil {
		t.Fatalf("chunk count: %v", err)
	}
	if n != 1 {
		t.Errorf("chunk count = %d, want exactly 1", n)
	}
	rec, _ := rs.Get(ctx, "rec-1")
	if rec.SizeBytes != int64(len("audio")) {
		t.Errorf("size_bytes = %d, want %d (single bump)", rec.SizeBytes, len("audio"))
	}
}

func TestActiveRecording(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	active, err := rs.ActiveRecording(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != nil {
		t.Fatal("expected no active recording in empty store")
	}

	done := newTestRecording("rec-done")
	done.Status = model.StatusCompleted
	if err := rs.Save(ctx, done); err != nil {
		t.Fatalf("save: %v", err)
	}
	live := newTestRecording("rec-live")
	live.Status = model.StatusPaused
	if err := rs.Save(ctx, live); err != nil {
		t.Fatalf("save: %v", err)
	}

	active, err = rs.ActiveRecording(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active == nil || active.ID != "rec-live" {
		t.Errorf("active = %+v, want rec-live", active)
	}
}

func TestMarkDeliveryFailed(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	rec := newTestRecording("rec-1")
	rec.Status = model.StatusProcessing
	if err := rs.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if err := rs.MarkDeliveryFailed(ctx, "rec-1", "connection refused"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		got, _ := rs.Get(ctx, "rec-1")
		if got.Status != model.StatusFailed {
			t.Errorf("status = %q, want %q", got.Status, model.StatusFailed)
		}
		if got.RetryCount != i {
			t.Errorf("retry_count = %d, want %d", got.RetryCount, i)
		}
		if got.LastError != "connection refused" {
			t.Errorf("last_error = %q", got.LastError)
		}
	}
}

func TestCleanupPurgesOldUploaded(t *testing.T) {
	rs, db := setupRecordingTestDB(t)
	ctx := context.Background()

	old := newTestRecording("rec-old")
	old.Status = model.StatusUploaded
	if err := rs.Save(ctx, old); err != nil {
		t.Fatalf("save: %v", err)
	}
	fresh := newTestRecording("rec-fresh")
	fresh.Status = model.StatusUploaded
	if err := rs.Save(ctx, fresh); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Age one row past the retention window.
	stale := time.Now().UTC().Add(-8 * 24 * time.Hour)
	if _, err := db.Exec(`UPDATE recordings SET updated_at = ? WHERE id = ?`, stale, "rec-old"); err != nil {
		t.Fatalf("backdate row: %v", err)
	}

	n, err := rs.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("cleanup removed %d rows, want 1", n)
	}
	if got, _ := rs.Get(ctx, "rec-old"); got != nil {
		t.Error("stale uploaded row survived cleanup")
	}
	if got, _ := rs.Get(ctx, "rec-fresh"); got == nil {
		t.Error("fresh uploaded row removed by cleanup")
	}
}

func TestPurgeUnrecoverable(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	exhausted := newTestRecording("rec-exhausted")
	exhausted.Status = model.StatusFailed
	exhausted.SizeBytes = 100
	exhausted.RetryCount = model.MaxUploadAttempts
	if err := rs.Save(ctx, exhausted); err != nil {
		t.Fatalf("save: %v", err)
	}

	empty := newTestRecording("rec-empty")
	empty.Status = model.StatusFailed
	if err := rs.Save(ctx, empty); err != nil {
		t.Fatalf("save: %v", err)
	}

	retryable := newTestRecording("rec-retryable")
	retryable.Status = model.StatusFailed
	retryable.SizeBytes = 100
	retryable.RetryCount = 1
	if err := rs.Save(ctx, retryable); err != nil {
		t.Fatalf("save: %v", err)
	}

	n, err := rs.PurgeUnrecoverable(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d rows, want 2", n)
	}
	if got, _ := rs.Get(ctx, "rec-retryable"); got == nil {
		t.Error("retryable recording purged")
	}
}

func TestDeleteCascadesChunks(t *testing.T) {
	rs, db := setupRecordingTestDB(t)
	ctx := context.Background()

	if err := rs.Save(ctx, newTestRecording("rec-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := rs.AddChunk(ctx, "rec-1", []byte("audio")); err != nil {
		t.Fatalf("add chunk: %v", err)
	}

	if err := rs.Delete(ctx, "rec-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM recording_chunks WHERE recording_id = ?`, "rec-1").Scan(&n); err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if n != 0 {
		t.Errorf("orphan chunks after delete: %d", n)
	}
}

func TestRecoverIncomplete(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	// Abandoned session with audio: recoverable.
	withAudio := newTestRecording("rec-audio")
	withAudio.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	if err := rs.Save(ctx, withAudio); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := rs.AddChunk(ctx, "rec-audio", []byte("segment")); err != nil {
		t.Fatalf("add chunk: %v", err)
	}

	// Abandoned session with nothing captured.
	empty := newTestRecording("rec-empty")
	empty.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	if err := rs.Save(ctx, empty); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A session inside the capture time limit must be left alone.
	live := newTestRecording("rec-live")
	if err := rs.Save(ctx, live); err != nil {
		t.Fatalf("save: %v", err)
	}

	n, err := rs.RecoverIncomplete(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d recordings, want 1", n)
	}

	got, _ := rs.Get(ctx, "rec-audio")
	if got.Status != model.StatusCompleted {
		t.Errorf("rec-audio status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if len(got.Payload) == 0 {
		t.Error("rec-audio payload empty after recovery")
	}

	got, _ = rs.Get(ctx, "rec-empty")
	if got.Status != model.StatusFailed {
		t.Errorf("rec-empty status = %q, want %q", got.Status, model.StatusFailed)
	}

	got, _ = rs.Get(ctx, "rec-live")
	if got.Status != model.StatusRecording {
		t.Errorf("rec-live status = %q, want untouched %q", got.Status, model.StatusRecording)
	}
}

func TestCheckStorageHealthRowCap(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	health, err := rs.CheckStorageHealth(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Healthy {
		t.Errorf("empty store reported unhealthy: %+v", health)
	}
	if health.RowCount != 0 {
		t.Errorf("row_count = %d, want 0", health.RowCount)
	}
}

func TestCheckStorageHealthRowCapPressure(t *testing.T) {
	rs, _ := setupRecordingTestDB(t)
	ctx := context.Background()

	// Enough rows to cross the 85% threshold of the 50-row cap.
	for i := 0; i < 44; i++ {
		rec := newTestRecording(fmt.Sprintf("rec-%02d", i))
		rec.Status = model.StatusCompleted
		if err := rs.Save(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	health, err := rs.CheckStorageHealth(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Healthy {
		t.Error("expected unhealthy at 44 of 50 rows")
	}
	if !strings.Contains(health.Message, "recordings") {
		t.Errorf("message = %q, want row-count accounting", health.Message)
	}
	if strings.Contains(health.Message, "0 B") {
		t.Errorf("message = %q, renders byte accounting with no quota", health.Message)
	}
}

func TestCheckStorageHealthQuotaExceeded(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// A 1-byte quota is always exceeded by the database file itself.
	rs := NewRecordingStore(db, nil, 1, nil)
	health, err := rs.CheckStorageHealth(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Healthy {
		t.Error("expected unhealthy with 1-byte quota")
	}
	if health.UsageRatio <= usageThreshold {
		t.Errorf("usage_ratio = %f, want above threshold", health.UsageRatio)
	}
	if health.Message == "" {
		t.Error("expected a pressure message")
	}
}

func TestIsCapacityError(t *testing.T) {
	if isCapacityError(nil) {
		t.Error("nil classified as capacity error")
	}
	if !isCapacityError(errors.New("database or disk is full (13)")) {
		t.Error("sqlite full error not recognized")
	}
	if !isCapacityError(errors.New("write: no space left on device")) {
		t.Error("enospc not recognized")
	}
	if isCapacityError(errors.New("constraint failed")) {
		t.Error("constraint error misclassified as capacity")
	}
}
