package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/multierr"

	"github.com/fjellstad/voxd/internal/model"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds the optional off-device mirror configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds emergency backup configuration.
type Config struct {
	S3 S3Config
	// MirrorPassphrase encrypts snapshots before they leave the device.
	// Required when the mirror is configured.
	MirrorPassphrase string
}

// Status holds the current backup manager status.
type Status struct {
	LastSnapshot *time.Time `json:"last_snapshot,omitempty"`
	MirrorActive bool       `json:"mirror_active"`
	Error        string     `json:"error,omitempty"`
}

// StatusCallback is called whenever the backup status changes.
type StatusCallback func(Status)

const (
	snapshotSuffix = ".snapshot.json"
	chunkInfix     = ".chunk."
	chunkSuffix    = ".b64"
)

// Manager owns the emergency backup path: a secondary, independently
// consistent store written opportunistically during capture and read only
// when the primary store has lost a recording. It is a lossy safety net, not
// a second source of truth; snapshot writes never fail the caller.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback

	blobs  FallbackBlobStore
	client s3Client
	logger *slog.Logger
}

// NewManager creates an emergency backup manager over the given blob store.
func NewManager(cfg Config, blobs FallbackBlobStore, callback StatusCallback, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg, blobs: blobs, callback: callback, logger: logger}
	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" && cfg.MirrorPassphrase != "" {
		m.client = newS3Client(cfg.S3)
		m.status.MirrorActive = true
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

func snapshotKey(id string) string { return id + snapshotSuffix }

func chunkKey(id string, seq int) string {
	return fmt.Sprintf("%s%s%06d%s", id, chunkInfix, seq, chunkSuffix)
}

// WriteSnapshot persists a compact snapshot of the recording. Failures are
// logged and absorbed: the snapshot path must never abort capture.
func (m *Manager) WriteSnapshot(snap model.EmergencyBackup) {
	data, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error("marshal snapshot", "recording_id", snap.RecordingID, "error", err)
		return
	}
	if err := m.blobs.Put(snapshotKey(snap.RecordingID), data); err != nil {
		m.logger.Error("write snapshot", "recording_id", snap.RecordingID, "error", err)
		m.setStatus(Status{MirrorActive: m.client != nil, Error: err.Error()})
		return
	}

	now := time.Now().UTC()
	m.setStatus(Status{LastSnapshot: &now, MirrorActive: m.client != nil})

	m.mirror(snapshotKey(snap.RecordingID), data)
}

// ChunkWritten refreshes the snapshot after a verified primary write and
// keeps a best-effort encoded copy of the chunk bytes so a lost recording can
// be fully reconstructed, not just its metadata.
func (m *Manager) ChunkWritten(snap model.EmergencyBackup, seq int, data []byte) {
	m.WriteSnapshot(snap)

	encoded := base64.StdEncoding.EncodeToString(data)
	if err := m.blobs.Put(chunkKey(snap.RecordingID, seq), []byte(encoded)); err != nil {
		m.logger.Warn("chunk copy failed", "recording_id", snap.RecordingID, "seq", seq, "error", err)
	}
}

// SaveChunk is the last-resort single-chunk path, used when the primary store
// could not persist a segment. The chunk is appended after the highest slot
// already present for the recording.
func (m *Manager) SaveChunk(recordingID string, data []byte) error {
	keys, err := m.blobs.List(recordingID + chunkInfix)
	if err != nil {
		return fmt.Errorf("list emergency chunks: %w", err)
	}
	seq := 0
	if len(keys) > 0 {
		last := keys[len(keys)-1]
		num := strings.TrimSuffix(strings.TrimPrefix(last, recordingID+chunkInfix), chunkSuffix)
		if n, perr := parseSeq(num); perr == nil {
			seq = n + 1
		} else {
			seq = len(keys)
		}
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	if err := m.blobs.Put(chunkKey(recordingID, seq), []byte(encoded)); err != nil {
		return fmt.Errorf("emergency chunk save: %w", err)
	}
	m.logger.Warn("segment saved via emergency path", "recording_id", recordingID, "seq", seq, "bytes", len(data))
	return nil
}

func parseSeq(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// mirror uploads an encrypted copy of the value to the configured S3 bucket,
// best-effort in the background.
func (m *Manager) mirror(key string, data []byte) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	passphrase := m.cfg.MirrorPassphrase
	m.mu.RUnlock()
	if client == nil {
		return
	}

	go func() {
		salt, err := GenerateSalt()
		if err != nil {
			m.logger.Warn("mirror salt", "key", key, "error", err)
			return
		}
		sealed, err := Encrypt(data, passphrase, salt)
		if err != nil {
			m.logger.Warn("mirror encrypt", "key", key, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key + ".enc"),
			Body:          bytes.NewReader(sealed),
			ContentLength: aws.Int64(int64(len(sealed))),
		}); err != nil {
			m.logger.Warn("mirror upload failed", "key", key, "error", err)
		}
	}()
}

// Discard removes all emergency state for a recording, locally and from the
// mirror.
func (m *Manager) Discard(ctx context.Context, recordingID string) error {
	var errs error
	keys, err := m.blobs.List(recordingID + ".")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.blobs.Delete(key); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.mu.RLock()
		client := m.client
		bucket := m.cfg.S3.Bucket
		m.mu.RUnlock()
		if client != nil {
			if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key + ".enc"),
			}); err != nil {
				m.logger.Warn("mirror delete failed", "key", key, "error", err)
			}
		}
	}
	return errs
}

// PrimaryStore is the slice of the recording store that recovery needs.
type PrimaryStore interface {
	Get(ctx context.Context, id string) (*model.Recording, error)
	SaveWithRetry(ctx context.Context, rec *model.Recording, maxRetries int) error
}

// RecoverInto scans for snapshots whose recording row no longer exists in the
// primary store and reconstructs those recordings, using the encoded chunk
// copies when present. Consumed backups are deleted. Returns the number of
// recordings recovered.
func (m *Manager) RecoverInto(ctx context.Context, primary PrimaryStore) (int, error) {
	keys, err := m.blobs.List("")
	if err != nil {
		return 0, err
	}

	var recovered int
	var errs error
	for _, key := range keys {
		if !strings.HasSuffix(key, snapshotSuffix) {
			continue
		}
		id := strings.TrimSuffix(key, snapshotSuffix)

		rec, err := primary.Get(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if rec != nil {
			// Primary row survived; the snapshot was not needed.
			continue
		}

		data, err := m.blobs.Get(key)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var snap model.EmergencyBackup
		if err := json.Unmarshal(data, &snap); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("snapshot %s: %w", id, err))
			continue
		}

		payload, err := m.assemblePayload(id)
		if err != nil {
			m.logger.Warn("emergency chunks unreadable", "recording_id", id, "error", err)
		}
		if len(payload) == 0 {
			// Metadata-only snapshot: nothing to hand to the upload queue,
			// and keeping it would re-warn on every recovery pass.
			m.logger.Warn("snapshot has no recoverable audio, discarding", "recording_id", id)
			if derr := m.Discard(ctx, id); derr != nil {
				m.logger.Warn("discard unrecoverable snapshot", "recording_id", id, "error", derr)
			}
			continue
		}

		restored := &model.Recording{
			ID:           id,
			Status:       model.StatusCompleted,
			ProjectID:    snap.ProjectID,
			Title:        snap.Title,
			MimeType:     snap.MimeType,
			SizeBytes:    int64(len(payload)),
			DurationSecs: snap.DurationSecs,
			Payload:      payload,
			StartedAt:    snap.StartedAt,
		}
		if err := primary.SaveWithRetry(ctx, restored, 3); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("restore %s: %w", id, err))
			continue
		}
		if err := m.Discard(ctx, id); err != nil {
			m.logger.Warn("discard consumed backup", "recording_id", id, "error", err)
		}
		recovered++
		m.logger.Info("recording reconstructed from emergency backup", "recording_id", id, "bytes", len(payload))
	}
	return recovered, errs
}

// assemblePayload decodes and concatenates the recording's emergency chunk
// copies in slot order.
func (m *Manager) assemblePayload(id string) ([]byte, error) {
	keys, err := m.blobs.List(id + chunkInfix)
	if err != nil {
		return nil, err
	}
	var payload []byte
	for _, key := range keys {
		encoded, err := m.blobs.Get(key)
		if err != nil {
			return payload, err
		}
		raw, err := base64.StdEncoding.DecodeString(string(encoded))
		if err != nil {
			return payload, fmt.Errorf("decode %s: %w", key, err)
		}
		payload = append(payload, raw...)
	}
	return payload, nil
}
