package whisper

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/video-transcribe/server/internal/config"
	"github.com/video-transcribe/server/internal/gpu"
)

type modelKey struct {
	size   string
	device string
}

// modelEntry tracks one load attempt. ready is closed when the load
// finishes, successfully or not, so concurrent callers share it.
type modelEntry struct {
	ready chan struct{}
	model Model
	err   error
}

// Engine wraps the speech model: lazy memoized load per (size, device)
// pair, device-policy enforcement, and text post-processing.
type Engine struct {
	loader Loader
	gpu    *gpu.Info
	policy config.DevicePolicy

	mu     sync.Mutex
	models map[modelKey]*modelEntry
}

func NewEngine(loader Loader, gpuInfo *gpu.Info, policy config.DevicePolicy) *Engine {
	return &Engine{
		loader: loader,
		gpu:    gpuInfo,
		policy: policy,
		models: make(map[modelKey]*modelEntry),
	}
}

// ResolveDevice applies the configured device policy to an acceleration
// request. With PolicyAuto an unavailable GPU downgrades to CPU with a
// logged warning; with PolicyRequire it is an error.
func (e *Engine) ResolveDevice(useGPU bool) (string, error) {
	if e.policy == config.PolicyCPU || !useGPU {
		return "cpu", nil
	}
	if e.gpu != nil && e.gpu.Available {
		return "cuda", nil
	}
	if e.policy == config.PolicyRequire {
		return "", ErrDeviceUnavailable
	}
	logrus.Warn("gpu requested but unavailable, falling back to cpu")
	return "cpu", nil
}

// Acquire returns the model for (size, device), loading it on first
// use. Concurrent callers for the same pair share a single load.
func (e *Engine) Acquire(ctx context.Context, size, device string) (Model, error) {
	key := modelKey{size: size, device: device}

	e.mu.Lock()
	entry, ok := e.models[key]
	if !ok {
		entry = &modelEntry{ready: make(chan struct{})}
		e.models[key] = entry
		e.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"size":   size,
			"device": device,
		}).Info("loading whisper model")

		model, err := e.loader.Load(ctx, size, device)
		entry.model = model
		if err != nil {
			entry.err = &ModelLoadError{Size: size, Device: device, Err: err}
			// A failed load is not cached; the next caller retries.
			e.mu.Lock()
			delete(e.models, key)
			e.mu.Unlock()
		}
		close(entry.ready)
		return entry.model, entry.err
	}
	e.mu.Unlock()

	select {
	case <-entry.ready:
		return entry.model, entry.err
	case <-ctx.Done():
		return nil, &ModelLoadError{Size: size, Device: device, Err: ctx.Err()}
	}
}

// ModelLoaded reports whether any model has finished loading.
func (e *Engine) ModelLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.models {
		select {
		case <-entry.ready:
			if entry.err == nil {
				return true
			}
		default:
		}
	}
	return false
}

// Transcribe runs the model over the audio file and post-processes the
// recognized text. Empty recognition yields the no-speech sentinel.
func (e *Engine) Transcribe(ctx context.Context, model Model, audioPath, language string) (*Result, error) {
	result, err := model.Transcribe(ctx, audioPath, language)
	if err != nil {
		return nil, &TranscribeError{Err: err}
	}

	result.Text = strings.TrimSpace(result.Text)
	if result.Text == "" {
		logrus.WithField("audio", audioPath).Info("no speech recognized")
		return &Result{Text: NoSpeechSentinel, Segments: result.Segments}, nil
	}

	result.Text = normalizePunctuation(result.Text, result.Segments, language)
	return result, nil
}

// terminalPunctuation covers ASCII and CJK sentence-terminal marks.
const terminalPunctuation = ".!?，。！？、"

func hasTerminalPunctuation(s string) bool {
	return strings.ContainsAny(s, terminalPunctuation)
}

// normalizePunctuation rebuilds unpunctuated text from segments,
// terminating each with a period and joining with line breaks. This is
// best-effort formatting, not grammar.
func normalizePunctuation(text string, segments []Segment, language string) string {
	if hasTerminalPunctuation(text) || len(segments) == 0 {
		return text
	}

	mark := "."
	if language == "zh" {
		mark = "。"
	}

	var b strings.Builder
	for _, seg := range segments {
		segText := strings.TrimSpace(seg.Text)
		if segText == "" {
			continue
		}
		last, _ := utf8.DecodeLastRuneInString(segText)
		if !strings.ContainsRune(terminalPunctuation, last) {
			segText += mark
		}
		b.WriteString(segText)
		b.WriteString("\n")
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return text
	}
	return out
}
