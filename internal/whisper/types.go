package whisper

import (
	"context"
	"errors"
	"fmt"
)

// NoSpeechSentinel is the result text reported when the model
// recognizes nothing. Empty recognition is not an error.
const NoSpeechSentinel = "no speech detected"

// ModelSizes are the accepted whisper model sizes.
var ModelSizes = []string{"tiny", "base", "small", "medium", "large"}

// ValidSize reports whether size names a known model.
func ValidSize(size string) bool {
	for _, s := range ModelSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Segment is one timestamped span of recognized speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the output of one transcription call.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
}

// Model is a loaded speech-recognition model.
type Model interface {
	Transcribe(ctx context.Context, audioPath, language string) (*Result, error)
}

// Loader loads a model of a given size onto a device. Production uses
// the faster-whisper subprocess loader; tests inject fakes.
type Loader interface {
	Load(ctx context.Context, size, device string) (Model, error)
}

// ErrDeviceUnavailable signals that GPU acceleration was required but
// no accelerator is present.
var ErrDeviceUnavailable = errors.New("gpu acceleration requested but no device available")

// ModelLoadError wraps failures acquiring a model.
type ModelLoadError struct {
	Size   string
	Device string
	Err    error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model load failed (size=%s device=%s): %v", e.Size, e.Device, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// TranscribeError wraps inference failures.
type TranscribeError struct {
	Err error
}

func (e *TranscribeError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscribeError) Unwrap() error { return e.Err }
