package capture

import "context"

// CaptureSource acquires a live audio stream from the platform. Implementations
// wrap whatever device API the host platform provides; tests substitute a
// deterministic fake.
type CaptureSource interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is one live capture stream. Pause and Resume keep the stream
// identity; Segment drains the audio encoded since the previous call.
type Stream interface {
	// Segment returns the binary audio captured since the last call. A
	// zero-length segment is valid and means no audio was produced.
	Segment() ([]byte, error)
	Pause() error
	Resume() error
	// Level samples the instantaneous input signal level in [0, 1], taken
	// from the stream rather than the encoder.
	Level() float64
	Close() error
}

// WakeLock prevents the device display from sleeping during capture. It is
// best-effort: acquisition failure warns the user but never blocks capture.
type WakeLock interface {
	// Acquire returns a release function. Release is safe to call more than
	// once.
	Acquire(ctx context.Context) (release func(), err error)
}

// SignalQuality classifies the sampled input level.
type SignalQuality string

const (
	QualityExcellent SignalQuality = "excellent"
	QualityGood      SignalQuality = "good"
	QualityPoor      SignalQuality = "poor"
)

func classifyLevel(level float64) SignalQuality {
	switch {
	case level >= 0.2:
		return QualityExcellent
	case level >= 0.05:
		return QualityGood
	default:
		return QualityPoor
	}
}
