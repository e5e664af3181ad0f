package uplink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrAuth marks a delivery failure caused by a rejected session. Auth
// failures are not retried automatically against the same credentials.
var ErrAuth = errors.New("uplink: authentication rejected")

// Config holds remote submission endpoint configuration.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// CreateMeetingRequest describes the remote record created ahead of the
// audio submission.
type CreateMeetingRequest struct {
	RecordingID  string    `json:"recording_id"`
	ProjectID    string    `json:"project_id,omitempty"`
	Title        string    `json:"title"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	DurationSecs int64     `json:"duration_secs"`
}

type createMeetingResponse struct {
	MeetingID string `json:"meeting_id"`
	Error     string `json:"error,omitempty"`
}

type submitAudioRequest struct {
	AudioBase64 string `json:"audio_base64"`
	MimeType    string `json:"mime_type"`
}

// Client talks to the remote processing service. Two calls per delivery:
// create the remote meeting record, then submit the encoded payload against
// it. The recording id doubles as an idempotency key so a retried delivery
// that already succeeded remotely does not create a second record.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// EncodePayload converts raw audio bytes to the transport-safe form.
func EncodePayload(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// CreateMeeting creates the remote record and returns its id.
func (c *Client) CreateMeeting(ctx context.Context, req CreateMeetingRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/meetings", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.RecordingID)
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("create meeting: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return "", fmt.Errorf("create meeting: %w", err)
	}

	var out createMeetingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.MeetingID == "" {
		return "", fmt.Errorf("create meeting: empty meeting id in response")
	}
	return out.MeetingID, nil
}

// SubmitAudio submits the transport-encoded payload against the remote
// record.
func (c *Client) SubmitAudio(ctx context.Context, meetingID, audioBase64, mimeType string) error {
	body, err := json.Marshal(submitAudioRequest{AudioBase64: audioBase64, MimeType: mimeType})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/meetings/%s/audio", c.cfg.BaseURL, meetingID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("submit audio: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return fmt.Errorf("submit audio: %w", err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the delivery error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}
