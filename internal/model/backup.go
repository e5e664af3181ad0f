package model

import "time"

// EmergencyBackup is a compact snapshot of an in-progress recording, written
// opportunistically beside the primary store. It is a lossy safety net used
// only when the primary store has lost the recording row entirely.
type EmergencyBackup struct {
	RecordingID  string          `json:"recording_id"`
	Status       RecordingStatus `json:"status"`
	ProjectID    string          `json:"project_id,omitempty"`
	Title        string          `json:"title"`
	MimeType     string          `json:"mime_type"`
	SizeBytes    int64           `json:"size_bytes"`
	DurationSecs int64           `json:"duration_secs"`
	IsPaused     bool            `json:"is_paused"`
	ChunkCount   int             `json:"chunk_count"`
	StartedAt    time.Time       `json:"started_at"`
	SavedAt      time.Time       `json:"saved_at"`
	// Device/network context at snapshot time, for post-mortem diagnostics.
	Online bool `json:"online"`
	Hidden bool `json:"hidden"`
}
