package model

// UploadStage identifies a delivery progress checkpoint.
type UploadStage string

const (
	StageUploading  UploadStage = "uploading"
	StageProcessing UploadStage = "processing"
	StageCompleted  UploadStage = "completed"
	StageFailed     UploadStage = "failed"
)

// Percent returns the progress value reported at each checkpoint.
func (s UploadStage) Percent() int {
	switch s {
	case StageUploading:
		return 25
	case StageProcessing:
		return 50
	case StageCompleted:
		return 100
	default:
		return 0
	}
}

// UploadProgress is delivered to progress observers at defined checkpoints.
type UploadProgress struct {
	RecordingID string      `json:"recording_id"`
	Stage       UploadStage `json:"stage"`
	Percent     int         `json:"percent"`
	Error       string      `json:"error,omitempty"`
}

// QueueStatus is the queue's externally visible state.
type QueueStatus struct {
	Queued        int `json:"queued"`
	Uploading     int `json:"uploading"`
	Failed        int `json:"failed"`
	Unrecoverable int `json:"unrecoverable"`
}
