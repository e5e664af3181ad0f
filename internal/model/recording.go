package model

import "time"

type RecordingStatus string

const (
	StatusRecording   RecordingStatus = "recording"
	StatusPaused      RecordingStatus = "paused"
	StatusCompleted   RecordingStatus = "completed"
	StatusProcessing  RecordingStatus = "processing"
	StatusFailed      RecordingStatus = "failed"
	StatusUploaded    RecordingStatus = "uploaded"
	StatusInterrupted RecordingStatus = "interrupted"
)

// MaxUploadAttempts matches the length of the queue's retry delay table.
// A failed recording at or beyond this count is unrecoverable.
const MaxUploadAttempts = 4

// Recording is the unit of captured audio and its lifecycle metadata.
// The row existing at all means the audio has not yet been confirmed
// delivered; successful delivery deletes it.
type Recording struct {
	ID            string          `json:"id"`
	Status        RecordingStatus `json:"status"`
	ProjectID     string          `json:"project_id,omitempty"`
	Title         string          `json:"title"`
	MimeType      string          `json:"mime_type"`
	SizeBytes     int64           `json:"size_bytes"`
	DurationSecs  int64           `json:"duration_secs"`
	IsPaused      bool            `json:"is_paused"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       []byte          `json:"-"`
	StartedAt     time.Time       `json:"started_at"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Active reports whether the recording belongs to an open capture session.
func (r *Recording) Active() bool {
	return r.Status == StatusRecording || r.Status == StatusPaused
}

// Unrecoverable reports whether the recording is beyond automatic repair:
// either it failed with no usable audio, or its upload retry budget is spent.
func (r *Recording) Unrecoverable() bool {
	if r.Status != StatusFailed {
		return false
	}
	return r.SizeBytes == 0 || r.RetryCount >= MaxUploadAttempts
}

// Chunk is one ordered slice of binary audio appended during capture.
type Chunk struct {
	RecordingID string    `json:"recording_id"`
	Seq         int       `json:"seq"`
	SizeBytes   int64     `json:"size_bytes"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// StorageHealth summarizes local storage pressure.
type StorageHealth struct {
	Healthy    bool    `json:"healthy"`
	UsedBytes  int64   `json:"used_bytes"`
	QuotaBytes int64   `json:"quota_bytes"`
	UsageRatio float64 `json:"usage_ratio"`
	RowCount   int     `json:"row_count"`
	Message    string  `json:"message,omitempty"`
}
