package capture

import (
	"context"
	"sync"
	"time"

	"github.com/fjellstad/voxd/internal/model"
)

// sessionTimers owns every periodic loop of one session. All loops share one
// cancellation scope so stop is guaranteed to halt them together, on every
// exit path including the forced ceiling stop.
type sessionTimers struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *sessionTimers) stop() {
	t.cancel()
	<-t.done
}

// startTimers launches the session's periodic loops. The loops run on a
// background context: they must outlive the Start request's context and stop
// only when the session stops.
func (s *Session) startTimers(context.Context) *sessionTimers {
	ctx, cancel := context.WithCancel(context.Background())
	t := &sessionTimers{cancel: cancel, done: make(chan struct{})}

	var wg sync.WaitGroup
	loops := []func(context.Context){
		s.segmentLoop,
		s.heartbeatLoop,
		s.autoSaveLoop,
		s.qualityLoop,
		s.tickLoop,
	}
	wg.Add(len(loops))
	for _, loop := range loops {
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}
	go func() {
		wg.Wait()
		close(t.done)
	}()
	return t
}

func (s *Session) sessionState() (model.RecordingStatus, *model.Recording, Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.rec, s.stream
}

// segmentLoop drains a segment from the stream on a fixed interval and hands
// it to the store. Persistence failures are absorbed: the store's emergency
// path already did what it could.
func (s *Session) segmentLoop(ctx context.Context) {
	ticker := time.NewTicker(s.intervals.Segment)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, rec, stream := s.sessionState()
			if state != model.StatusRecording || rec == nil {
				continue
			}
			data, err := stream.Segment()
			if err != nil {
				s.logger.Warn("segment read failed", "recording_id", rec.ID, "error", err)
				continue
			}
			if err := s.store.AddChunk(ctx, rec.ID, data); err != nil {
				s.logger.Error("segment persist failed on all paths", "recording_id", rec.ID, "error", err)
			}
		}
	}
}

// heartbeatLoop re-persists duration and pause state plus a fresh emergency
// snapshot. Each beat is a durability checkpoint a crash can roll back to.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.intervals.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.rec == nil {
				s.mu.Unlock()
				continue
			}
			now := time.Now().UTC()
			duration := now.Sub(s.startedAt) - s.pausedTotal
			if !s.pausedAt.IsZero() {
				duration -= now.Sub(s.pausedAt)
			}
			if duration > 0 {
				s.rec.DurationSecs = int64(duration.Seconds())
			}
			s.rec.LastHeartbeat = &now
			rec := *s.rec
			s.mu.Unlock()

			if err := s.store.Save(ctx, &rec); err != nil {
				s.logger.Warn("heartbeat save failed", "recording_id", rec.ID, "error", err)
			}
			s.snapshot()
		}
	}
}

// autoSaveLoop is the second, lower-frequency durability checkpoint.
func (s *Session) autoSaveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.intervals.AutoSave)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.rec == nil {
				s.mu.Unlock()
				continue
			}
			rec := *s.rec
			s.mu.Unlock()

			if err := s.store.Save(ctx, &rec); err != nil {
				s.logger.Warn("auto-save failed", "recording_id", rec.ID, "error", err)
			}
		}
	}
}

// qualityLoop samples the input level from the stream and classifies it.
func (s *Session) qualityLoop(ctx context.Context) {
	ticker := time.NewTicker(s.intervals.Quality)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, rec, stream := s.sessionState()
			if state != model.StatusRecording || rec == nil {
				continue
			}
			q := classifyLevel(stream.Level())

			s.mu.Lock()
			changed := q != s.quality
			s.quality = q
			s.mu.Unlock()

			if changed {
				s.emit("signal_quality", rec.ID, map[string]any{"quality": string(q)})
			}
		}
	}
}

// tickLoop counts elapsed capture seconds and enforces the hard ceiling. The
// counter pauses with the session and is never the source of the final
// duration.
func (s *Session) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.intervals.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, rec, _ := s.sessionState()
			if state != model.StatusRecording || rec == nil {
				continue
			}
			if s.elapsed.Add(1) < s.intervals.MaxTicks {
				continue
			}
			s.logger.Warn("capture time limit reached, forcing stop", "recording_id", rec.ID)
			// Stop tears down these timers; run it outside this loop so the
			// teardown can complete.
			go func() {
				if _, err := s.Stop(context.Background()); err != nil {
					s.logger.Error("forced stop failed", "recording_id", rec.ID, "error", err)
				}
			}()
			return
		}
	}
}
