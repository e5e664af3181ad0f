package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/fjellstad/voxd/internal/backup"
	"github.com/fjellstad/voxd/internal/capture"
	"github.com/fjellstad/voxd/internal/handler"
	"github.com/fjellstad/voxd/internal/middleware"
	"github.com/fjellstad/voxd/internal/model"
	"github.com/fjellstad/voxd/internal/queue"
	"github.com/fjellstad/voxd/internal/store"
	"github.com/fjellstad/voxd/internal/uplink"
	ws "github.com/fjellstad/voxd/internal/websocket"
)

// Config holds everything the server needs beyond the injected capabilities.
type Config struct {
	Backup     backup.Config
	BackupDir  string
	Uplink     uplink.Config
	QuotaBytes int64
}

// Server wires the capture pipeline together and serves the UI-facing API.
type Server struct {
	db      *sql.DB
	hub     *ws.Hub
	store   *store.RecordingStore
	backup  *backup.Manager
	queue   *queue.Manager
	session *capture.Session

	captureH    *handler.CaptureHandler
	recordingsH *handler.RecordingsHandler
	logger      *slog.Logger
}

// New builds the server. source and wake are platform capabilities injected
// by the caller.
func New(db *sql.DB, cfg Config, source capture.CaptureSource, wake capture.WakeLock, logger *slog.Logger) (*Server, error) {
	hub := ws.NewHub(logger.With("component", "websocket"))

	blobs, err := backup.NewDirStore(cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	backupMgr := backup.NewManager(cfg.Backup, blobs, func(s backup.Status) {
		hub.Broadcast(ws.Message{Type: "backup_status", Extra: map[string]any{
			"mirror_active": s.MirrorActive,
			"error":         s.Error,
		}})
	}, logger.With("component", "backup"))

	recordingStore := store.NewRecordingStore(db, backupMgr, cfg.QuotaBytes, logger.With("component", "store"))

	uplinkClient := uplink.NewClient(cfg.Uplink)

	queueMgr := queue.NewManager(recordingStore, uplinkClient, func(p model.UploadProgress) {
		hub.Broadcast(ws.ProgressMessage(p))
	}, logger.With("component", "queue"))

	session := capture.NewSession(recordingStore, queueMgr, backupMgr, source, wake, capture.Intervals{},
		func(event, recordingID string, detail map[string]any) {
			hub.Broadcast(ws.CaptureMessage(event, recordingID, detail))
		}, logger.With("component", "capture"))

	return &Server{
		db:          db,
		hub:         hub,
		store:       recordingStore,
		backup:      backupMgr,
		queue:       queueMgr,
		session:     session,
		captureH:    handler.NewCaptureHandler(session, logger.With("component", "capture_handler")),
		recordingsH: handler.NewRecordingsHandler(recordingStore, queueMgr, logger.With("component", "recordings_handler")),
		logger:      logger,
	}, nil
}

// Queue returns the upload queue manager for lifecycle control.
func (s *Server) Queue() *queue.Manager { return s.queue }

// Session returns the capture session orchestrator.
func (s *Server) Session() *capture.Session { return s.session }

// Recover runs the startup recovery passes: abandoned active rows first, then
// reconstruction from emergency backups, then the queue's leftover scan.
func (s *Server) Recover(ctx context.Context) {
	if n, err := s.store.RecoverIncomplete(ctx); err != nil {
		s.logger.Error("recover incomplete recordings", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered incomplete recordings", "count", n)
	}

	if n, err := s.backup.RecoverInto(ctx, s.store); err != nil {
		s.logger.Error("recover from emergency backups", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered recordings from emergency backups", "count", n)
	}

	if err := s.queue.Init(ctx); err != nil {
		s.logger.Error("queue init", "error", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))

	mux.HandleFunc("POST /api/capture/start", s.captureH.Start)
	mux.HandleFunc("POST /api/capture/stop", s.captureH.Stop)
	mux.HandleFunc("POST /api/capture/pause", s.captureH.Pause)
	mux.HandleFunc("POST /api/capture/resume", s.captureH.Resume)
	mux.HandleFunc("POST /api/env/visibility", s.captureH.Visibility)
	mux.HandleFunc("POST /api/env/connectivity", s.captureH.Connectivity)

	mux.HandleFunc("GET /api/queue/status", s.recordingsH.QueueStatus)
	mux.HandleFunc("POST /api/queue/retry", s.recordingsH.RetryFailed)
	mux.HandleFunc("GET /api/recordings/pending", s.recordingsH.ListPending)
	mux.HandleFunc("POST /api/recordings/purge", s.recordingsH.PurgeUnrecoverable)
	mux.HandleFunc("GET /api/storage/health", s.recordingsH.StorageHealth)

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}
