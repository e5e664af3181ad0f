package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"

	"github.com/fjellstad/voxd/internal/capture"
)

// Config holds the capture command configuration. The command must write
// encoded audio to stdout; the default records the system microphone with
// ffmpeg.
type Config struct {
	Command string
	Args    []string
}

// DefaultConfig captures the default input device as webm/opus.
func DefaultConfig() Config {
	return Config{
		Command: "ffmpeg",
		Args: []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-c:a", "libopus", "-f", "webm", "-",
		},
	}
}

// Source acquires capture streams by running an external recorder process,
// one per session.
type Source struct {
	cfg    Config
	logger *slog.Logger
}

func NewSource(cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, logger: logger}
}

// Acquire starts the recorder process. The stream lives until Close; it is
// not tied to the request context.
func (s *Source) Acquire(ctx context.Context) (capture.Stream, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder %s: %w", s.cfg.Command, err)
	}

	ps := &processStream{cmd: cmd, logger: s.logger}
	go ps.readLoop(stdout)
	s.logger.Info("recorder process started", "command", s.cfg.Command, "pid", cmd.Process.Pid)
	return ps, nil
}

// processStream buffers recorder output between Segment calls. Pause keeps
// the process (and so the stream identity) alive and discards its output.
type processStream struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	mu     sync.Mutex
	buf    []byte
	paused bool
	closed bool
	level  float64
	rdErr  error
}

func (p *processStream) readLoop(r io.Reader) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			if !p.paused && !p.closed {
				p.buf = append(p.buf, chunk[:n]...)
			}
			p.level = estimateLevel(chunk[:n])
			p.mu.Unlock()
		}
		if err != nil {
			p.mu.Lock()
			if !p.closed {
				p.rdErr = err
			}
			p.mu.Unlock()
			return
		}
	}
}

// estimateLevel approximates input signal strength from byte dispersion of
// the encoded stream. Near-silence compresses to near-constant output, so
// low dispersion tracks a quiet or dead input well enough for the quality
// monitor's three buckets.
func estimateLevel(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var mean float64
	for _, b := range data {
		mean += float64(b)
	}
	mean /= float64(len(data))
	var variance float64
	for _, b := range data {
		d := float64(b) - mean
		variance += d * d
	}
	variance /= float64(len(data))
	// Normalize: full-scale byte noise has a standard deviation near 74.
	return math.Min(math.Sqrt(variance)/74.0, 1.0)
}

func (p *processStream) Segment() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rdErr != nil && len(p.buf) == 0 {
		return nil, fmt.Errorf("recorder stream: %w", p.rdErr)
	}
	data := p.buf
	p.buf = nil
	return data, nil
}

func (p *processStream) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.buf = nil
	return nil
}

func (p *processStream) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *processStream) Level() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return 0
	}
	return p.level
}

func (p *processStream) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Warn("kill recorder process", "error", err)
		}
	}
	p.cmd.Wait()
	return nil
}
