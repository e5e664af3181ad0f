package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/fjellstad/voxd/internal/model"
)

// ErrNoAudio is returned by Finalize when a recording holds no usable chunks.
var ErrNoAudio = errors.New("no audio data captured")

// ErrStorageFull marks a persistence failure caused by storage exhaustion
// that cleanup could not relieve.
var ErrStorageFull = errors.New("local storage full")

const (
	// uploadedRetention is how long lingering uploaded rows are kept before
	// cleanup. Uploaded rows are normally deleted on delivery confirmation;
	// this catches rows orphaned by a crash between upload and delete.
	uploadedRetention = 7 * 24 * time.Hour

	// captureTimeLimit is the hard ceiling on a capture session. Active rows
	// older than this are considered abandoned by recovery scans.
	captureTimeLimit = 2 * time.Hour

	// rowCap bounds the number of resident recordings when no byte quota is
	// configured.
	rowCap = 50

	// usageThreshold is the storage usage ratio above which cleanup runs
	// proactively.
	usageThreshold = 0.85
)

// EmergencySink receives best-effort secondary copies of recording state.
// Implementations must never block capture: failures are logged, not returned
// to the write path.
type EmergencySink interface {
	// ChunkWritten refreshes the snapshot for a recording after a verified
	// chunk write, along with a best-effort copy of the chunk bytes.
	ChunkWritten(snap model.EmergencyBackup, seq int, data []byte)
	// SaveChunk is the last-resort single-chunk path used when the primary
	// store could not persist a segment. The sink assigns its own ordering.
	SaveChunk(recordingID string, data []byte) error
}

// RecordingStore is the single source of truth for recording state.
type RecordingStore struct {
	db         *sql.DB
	emergency  EmergencySink
	quotaBytes int64
	logger     *slog.Logger
}

func NewRecordingStore(db *sql.DB, emergency EmergencySink, quotaBytes int64, logger *slog.Logger) *RecordingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingStore{db: db, emergency: emergency, quotaBytes: quotaBytes, logger: logger}
}

// Save upserts the whole recording row. Timer-driven callers may race with
// slightly stale in-memory state; last writer wins, which is acceptable
// because all writers derive from the same session.
//
// A storage-capacity failure triggers a cleanup pass and one re-attempt
// before the error is surfaced.
func (s *RecordingStore) Save(ctx context.Context, rec *model.Recording) error {
	err := s.upsert(ctx, rec)
	if err == nil {
		return nil
	}
	if !isCapacityError(err) {
		return err
	}

	s.logger.Warn("save hit storage capacity, running cleanup", "recording_id", rec.ID)
	if n, cerr := s.Cleanup(ctx); cerr != nil {
		s.logger.Error("cleanup after capacity error failed", "error", cerr)
	} else if n > 0 {
		s.logger.Info("cleanup freed rows", "count", n)
	}
	if err := s.upsert(ctx, rec); err != nil {
		if isCapacityError(err) {
			return fmt.Errorf("%w: %v", ErrStorageFull, err)
		}
		return err
	}
	return nil
}

func (s *RecordingStore) upsert(ctx context.Context, rec *model.Recording) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	var hb interface{}
	if rec.LastHeartbeat != nil {
		hb = rec.LastHeartbeat.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (id, status, project_id, title, mime_type, size_bytes, duration_secs, is_paused, retry_count, last_error, payload, started_at, last_heartbeat, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			project_id = excluded.project_id,
			title = excluded.title,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			duration_secs = excluded.duration_secs,
			is_paused = excluded.is_paused,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			payload = excluded.payload,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Status, rec.ProjectID, rec.Title, rec.MimeType, rec.SizeBytes,
		rec.DurationSecs, rec.IsPaused, rec.RetryCount, rec.LastError, rec.Payload,
		rec.StartedAt.UTC(), hb, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	return nil
}

// SaveWithRetry retries Save with exponential backoff (1s, 2s, 4s, ...) up to
// maxRetries additional attempts.
func (s *RecordingStore) SaveWithRetry(ctx context.Context, rec *model.Recording, maxRetries int) error {
	b := retry.WithMaxRetries(uint64(maxRetries), retry.NewExponential(1*time.Second))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.Save(ctx, rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

const recordingColumns = `id, status, project_id, title, mime_type, size_bytes, duration_secs, is_paused, retry_count, last_error, payload, started_at, last_heartbeat, created_at, updated_at`

func scanRecording(row interface{ Scan(...any) error }) (*model.Recording, error) {
	rec := &model.Recording{}
	var hb sql.NullTime
	err := row.Scan(&rec.ID, &rec.Status, &rec.ProjectID, &rec.Title, &rec.MimeType,
		&rec.SizeBytes, &rec.DurationSecs, &rec.IsPaused, &rec.RetryCount, &rec.LastError,
		&rec.Payload, &rec.StartedAt, &hb, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if hb.Valid {
		t := hb.Time
		rec.LastHeartbeat = &t
	}
	return rec, nil
}

// Get returns the recording or nil when the row does not exist.
func (s *RecordingStore) Get(ctx context.Context, id string) (*model.Recording, error) {
	rec, err := scanRecording(s.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recording %s: %w", id, err)
	}
	return rec, nil
}

func (s *RecordingStore) queryRecordings(ctx context.Context, query string, args ...any) ([]model.Recording, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *RecordingStore) GetAll(ctx context.Context) ([]model.Recording, error) {
	recs, err := s.queryRecordings(ctx,
		`SELECT `+recordingColumns+` FROM recordings ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return recs, nil
}

func (s *RecordingStore) GetByStatus(ctx context.Context, statuses ...model.RecordingStatus) ([]model.Recording, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	recs, err := s.queryRecordings(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list recordings by status: %w", err)
	}
	return recs, nil
}

// ActiveRecording returns the recording currently in an open capture session,
// or nil. At most one row may be active at a time.
func (s *RecordingStore) ActiveRecording(ctx context.Context) (*model.Recording, error) {
	recs, err := s.GetByStatus(ctx, model.StatusRecording, model.StatusPaused)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// AddChunk appends one audio segment to the recording. Zero-length segments
// are dropped silently. The write is verified by re-reading the chunk row;
// an unverified write counts as a failure. When the primary path fails after
// retries, the segment falls through to the emergency sink instead of
// propagating the error: capture continuity outranks clean error handling.
func (s *RecordingStore) AddChunk(ctx context.Context, id string, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	seq, err := s.appendChunkVerified(ctx, id, data)
	if err == nil {
		if s.emergency != nil {
			if snap, serr := s.snapshotFor(ctx, id); serr == nil {
				s.emergency.ChunkWritten(snap, seq, data)
			}
		}
		return nil
	}

	s.logger.Error("chunk write failed, using emergency path", "recording_id", id, "error", err)
	if s.emergency == nil {
		return err
	}
	if eerr := s.emergency.SaveChunk(id, data); eerr != nil {
		s.logger.Error("emergency chunk save failed", "recording_id", id, "error", eerr)
		return multierr.Append(err, eerr)
	}
	return nil
}

// appendChunkVerified inserts the chunk, bumps the recording size, and
// re-reads the row to confirm the chunk landed. The sequence number is fixed
// before the retry loop so a re-attempt after a transient verify failure
// lands on the same slot instead of appending the segment twice.
func (s *RecordingStore) appendChunkVerified(ctx context.Context, id string, data []byte) (int, error) {
	var seq int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM recording_chunks WHERE recording_id = ?`, id,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next chunk seq: %w", err)
	}

	b := retry.WithMaxRetries(3, retry.NewExponential(1*time.Second))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.insertChunkAt(ctx, id, seq, data); err != nil {
			return retry.RetryableError(err)
		}
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM recording_chunks WHERE recording_id = ? AND seq = ?`, id, seq,
		).Scan(&n); err != nil {
			return retry.RetryableError(fmt.Errorf("verify chunk %d: %w", seq, err))
		}
		if n != 1 {
			return retry.RetryableError(fmt.Errorf("chunk %d not found after write", seq))
		}
		return nil
	})
	return seq, err
}

// insertChunkAt writes the chunk into a fixed slot. Idempotent: a prior
// attempt may have committed before its verify failed, in which case the
// insert is ignored on the (recording_id, seq) key and the size bump is
// skipped.
func (s *RecordingStore) insertChunkAt(ctx context.Context, id string, seq int, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO recording_chunks (recording_id, seq, size_bytes, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, seq, len(data), data, now,
	)
	if err != nil {
		return fmt.Errorf("insert chunk %d: %w", seq, err)
	}

	if inserted, _ := res.RowsAffected(); inserted == 1 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE recordings SET size_bytes = size_bytes + ?, updated_at = ? WHERE id = ?`,
			len(data), now, id,
		); err != nil {
			return fmt.Errorf("bump recording size: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk %d: %w", seq, err)
	}
	return nil
}

func (s *RecordingStore) snapshotFor(ctx context.Context, id string) (model.EmergencyBackup, error) {
	rec, err := s.Get(ctx, id)
	if err != nil || rec == nil {
		return model.EmergencyBackup{}, fmt.Errorf("snapshot source %s: %w", id, err)
	}
	n, err := s.ChunkCount(ctx, id)
	if err != nil {
		return model.EmergencyBackup{}, err
	}
	return model.EmergencyBackup{
		RecordingID:  rec.ID,
		Status:       rec.Status,
		ProjectID:    rec.ProjectID,
		Title:        rec.Title,
		MimeType:     rec.MimeType,
		SizeBytes:    rec.SizeBytes,
		DurationSecs: rec.DurationSecs,
		IsPaused:     rec.IsPaused,
		ChunkCount:   n,
		StartedAt:    rec.StartedAt,
		SavedAt:      time.Now().UTC(),
	}, nil
}

// ChunkCount returns the number of stored chunks for the recording.
func (s *RecordingStore) ChunkCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recording_chunks WHERE recording_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks %s: %w", id, err)
	}
	return n, nil
}

// Chunks returns the recording's chunks in capture order.
func (s *RecordingStore) Chunks(ctx context.Context, id string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recording_id, seq, size_bytes, data, created_at FROM recording_chunks WHERE recording_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list chunks %s: %w", id, err)
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.RecordingID, &c.Seq, &c.SizeBytes, &c.Data, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Finalize freezes the chunk sequence, dropping empty segments, and
// concatenates the survivors into the recording payload. A recording with no
// usable chunks is marked failed and ErrNoAudio is returned.
func (s *RecordingStore) Finalize(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("finalize: recording %s not found", id)
	}

	chunks, err := s.Chunks(ctx, id)
	if err != nil {
		return err
	}

	var total int64
	for _, c := range chunks {
		if len(c.Data) > 0 {
			total += int64(len(c.Data))
		}
	}
	if total == 0 {
		rec.Status = model.StatusFailed
		rec.LastError = ErrNoAudio.Error()
		if serr := s.SaveWithRetry(ctx, rec, 3); serr != nil {
			return multierr.Append(ErrNoAudio, serr)
		}
		return fmt.Errorf("finalize %s: %w", id, ErrNoAudio)
	}

	payload := make([]byte, 0, total)
	for _, c := range chunks {
		if len(c.Data) > 0 {
			payload = append(payload, c.Data...)
		}
	}

	rec.Payload = payload
	rec.SizeBytes = total
	rec.Status = model.StatusCompleted
	rec.IsPaused = false
	if err := s.SaveWithRetry(ctx, rec, 3); err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}
	return nil
}

// Delete removes the recording row and its chunks.
func (s *RecordingStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	return nil
}

// SetStatus updates status and last_error only.
func (s *RecordingStore) SetStatus(ctx context.Context, id string, status model.RecordingStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	return nil
}

// MarkDeliveryFailed records a failed upload attempt: status=failed,
// last_error set, retry_count incremented.
func (s *RecordingStore) MarkDeliveryFailed(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status = ?, last_error = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		model.StatusFailed, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark delivery failed %s: %w", id, err)
	}
	return nil
}

// Cleanup purges uploaded rows older than the retention window. Returns the
// number of rows removed.
func (s *RecordingStore) Cleanup(ctx context.Context) (int, error) {
	before := time.Now().UTC().Add(-uploadedRetention)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recordings WHERE status = ? AND updated_at < ?`,
		model.StatusUploaded, before)
	if err != nil {
		return 0, fmt.Errorf("cleanup uploaded rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeUnrecoverable deletes failed rows that are beyond automatic repair.
func (s *RecordingStore) PurgeUnrecoverable(ctx context.Context) (int, error) {
	recs, err := s.GetByStatus(ctx, model.StatusFailed)
	if err != nil {
		return 0, err
	}
	var purged int
	var errs error
	for i := range recs {
		if !recs[i].Unrecoverable() {
			continue
		}
		if err := s.Delete(ctx, recs[i].ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		purged++
	}
	return purged, errs
}

// CheckStorageHealth reports storage pressure and proactively runs cleanup
// above the usage threshold. With no byte quota configured it falls back to
// counting rows against a hard cap.
func (s *RecordingStore) CheckStorageHealth(ctx context.Context) (model.StorageHealth, error) {
	health := model.StorageHealth{Healthy: true, QuotaBytes: s.quotaBytes}

	var rowCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings`).Scan(&rowCount); err != nil {
		return health, fmt.Errorf("count recordings: %w", err)
	}
	health.RowCount = rowCount

	if s.quotaBytes > 0 {
		var pageCount, pageSize int64
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
			return health, fmt.Errorf("page count: %w", err)
		}
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
			return health, fmt.Errorf("page size: %w", err)
		}
		health.UsedBytes = pageCount * pageSize
		health.UsageRatio = float64(health.UsedBytes) / float64(s.quotaBytes)
	} else {
		health.UsageRatio = float64(rowCount) / float64(rowCap)
	}

	if health.UsageRatio > usageThreshold {
		health.Healthy = false
		if s.quotaBytes > 0 {
			health.Message = fmt.Sprintf("storage at %.0f%% (%s of %s), cleanup triggered",
				health.UsageRatio*100, humanize.Bytes(uint64(health.UsedBytes)), humanize.Bytes(uint64(s.quotaBytes)))
		} else {
			health.Message = fmt.Sprintf("storage at %.0f%% (%d of %d recordings), cleanup triggered",
				health.UsageRatio*100, rowCount, rowCap)
		}
		if n, err := s.Cleanup(ctx); err != nil {
			s.logger.Error("proactive cleanup failed", "error", err)
		} else if n > 0 {
			s.logger.Info("proactive cleanup removed uploaded rows", "count", n)
		}
	}
	return health, nil
}

// RecoverIncomplete scans for recordings left in an active state past the
// capture time limit by a crashed or interrupted session. Rows with chunks
// are finalized; rows without are marked failed. Returns the number of
// recordings successfully finalized.
func (s *RecordingStore) RecoverIncomplete(ctx context.Context) (int, error) {
	recs, err := s.GetByStatus(ctx, model.StatusRecording, model.StatusPaused)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-captureTimeLimit)
	var recovered int
	var errs error
	for i := range recs {
		rec := &recs[i]
		if rec.StartedAt.After(cutoff) {
			continue
		}

		n, err := s.ChunkCount(ctx, rec.ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if n == 0 {
			if err := s.SetStatus(ctx, rec.ID, model.StatusFailed, ErrNoAudio.Error()); err != nil {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		if err := s.Finalize(ctx, rec.ID); err != nil {
			s.logger.Warn("recovery finalize failed", "recording_id", rec.ID, "error", err)
			if serr := s.SetStatus(ctx, rec.ID, model.StatusFailed, "interrupted"); serr != nil {
				errs = multierr.Append(errs, serr)
			}
			continue
		}
		recovered++
		s.logger.Info("recovered interrupted recording", "recording_id", rec.ID, "chunks", n)
	}
	return recovered, errs
}

// isCapacityError reports whether the error indicates storage exhaustion.
func isCapacityError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "SQLITE_FULL") ||
		strings.Contains(msg, "no space left on device")
}
