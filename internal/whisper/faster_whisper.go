package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// FasterWhisperLoader runs transcription through the faster-whisper
// Python package in a subprocess. Loading verifies the interpreter and
// the package once; the returned model carries the resolved settings.
type FasterWhisperLoader struct {
	pythonPath string
}

func NewFasterWhisperLoader() *FasterWhisperLoader {
	return &FasterWhisperLoader{}
}

func (l *FasterWhisperLoader) Load(ctx context.Context, size, device string) (Model, error) {
	python := l.pythonPath
	if python == "" {
		var err error
		python, err = exec.LookPath("python3")
		if err != nil {
			python, err = exec.LookPath("python")
			if err != nil {
				return nil, fmt.Errorf("python executable not found in PATH: %w", err)
			}
		}
	}

	if err := exec.CommandContext(ctx, python, "-c", "import faster_whisper").Run(); err != nil {
		return nil, fmt.Errorf("faster-whisper not installed (pip install faster-whisper): %w", err)
	}

	computeType := "float16"
	if device == "cpu" {
		computeType = "int8"
	}

	logrus.WithFields(logrus.Fields{
		"python":       python,
		"size":         size,
		"device":       device,
		"compute_type": computeType,
	}).Info("faster-whisper model ready")

	return &fasterWhisperModel{
		python:      python,
		size:        size,
		device:      device,
		computeType: computeType,
	}, nil
}

type fasterWhisperModel struct {
	python      string
	size        string
	device      string
	computeType string
}

// transcribeScript emits one JSON object with text and segments on
// stdout. Model download/caching is handled by faster-whisper itself.
const transcribeScript = `
import json, sys
from faster_whisper import WhisperModel

size, device, compute_type, audio, language = sys.argv[1:6]
model = WhisperModel(size, device=device, compute_type=compute_type)
kwargs = {"beam_size": 1, "temperature": 0.0}
if language and language != "auto":
    kwargs["language"] = language
segments, info = model.transcribe(audio, **kwargs)
out = {"text": "", "segments": []}
parts = []
for seg in segments:
    parts.append(seg.text)
    out["segments"].append({"start": seg.start, "end": seg.end, "text": seg.text})
out["text"] = "".join(parts)
json.dump(out, sys.stdout)
`

func (m *fasterWhisperModel) Transcribe(ctx context.Context, audioPath, language string) (*Result, error) {
	cmd := exec.CommandContext(ctx, m.python, "-c", transcribeScript,
		m.size, m.device, m.computeType, audioPath, language)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("faster-whisper: %s: %w", detail, err)
		}
		return nil, fmt.Errorf("faster-whisper: %w", err)
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("parse faster-whisper output: %w", err)
	}
	return &result, nil
}
