package ffmpeg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// versionProbeTimeout bounds the `-version` check on each candidate.
const versionProbeTimeout = 5 * time.Second

// Options configures extractor construction.
type Options struct {
	// ConfiguredPath is an explicit ffmpeg path; verified before use.
	ConfiguredPath string
	// DownloadURL is the last-resort prebuilt archive source.
	DownloadURL string
	// CacheDir receives a downloaded binary for reuse across runs.
	CacheDir string
	// ExtractTimeout bounds a single conversion. Defaults to 300s.
	ExtractTimeout time.Duration
}

// Extractor locates a usable ffmpeg executable and converts input video
// into 16 kHz mono 16-bit PCM WAV for the transcription engine.
type Extractor struct {
	configured  string
	downloadURL string
	cacheDir    string
	timeout     time.Duration
	runner      commandRunner
	lookPath    func(string) (string, error)
	download    func(ctx context.Context, url, destDir string) (string, error)

	mu       sync.Mutex
	resolved string
}

func NewExtractor(opts Options) *Extractor {
	timeout := opts.ExtractTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Extractor{
		configured:  opts.ConfiguredPath,
		downloadURL: opts.DownloadURL,
		cacheDir:    opts.CacheDir,
		timeout:     timeout,
		runner:      &execRunner{},
		lookPath:    exec.LookPath,
		download:    downloadPrebuilt,
	}
}

// wellKnownPaths are common install locations tried after PATH lookup.
func wellKnownPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"ffmpeg.exe",
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
		}
	}
	return []string{
		"/usr/bin/ffmpeg",
		"/usr/local/bin/ffmpeg",
		"/opt/homebrew/bin/ffmpeg",
		"/snap/bin/ffmpeg",
	}
}

// Resolve finds a working ffmpeg executable, trying in order: the
// explicitly configured path, PATH, well-known install locations, and
// finally a one-time download of a prebuilt binary. The first success
// is cached for the remainder of the run.
func (e *Extractor) Resolve(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resolved != "" {
		return e.resolved, nil
	}

	if e.configured != "" {
		if e.probe(ctx, e.configured) {
			e.resolved = e.configured
			logrus.WithField("path", e.resolved).Info("using configured ffmpeg")
			return e.resolved, nil
		}
		logrus.WithField("path", e.configured).Warn("configured ffmpeg failed version check, falling back to discovery")
	}

	if path, err := e.lookPath("ffmpeg"); err == nil && e.probe(ctx, path) {
		e.resolved = path
		logrus.WithField("path", path).Info("found ffmpeg on PATH")
		return e.resolved, nil
	}

	for _, candidate := range wellKnownPaths() {
		if e.probe(ctx, candidate) {
			e.resolved = candidate
			logrus.WithField("path", candidate).Info("found ffmpeg at well-known location")
			return e.resolved, nil
		}
	}

	if e.downloadURL == "" {
		return "", &ExtractError{Kind: KindToolNotFound, Message: "ffmpeg not found and no download URL configured"}
	}

	logrus.WithField("url", e.downloadURL).Info("ffmpeg not found, downloading prebuilt binary")
	path, err := e.download(ctx, e.downloadURL, e.cacheDir)
	if err != nil {
		return "", &ExtractError{Kind: KindToolNotFound, Message: "ffmpeg download failed", Err: err}
	}
	if !e.probe(ctx, path) {
		return "", &ExtractError{Kind: KindToolNotFound, Message: "downloaded ffmpeg failed version check"}
	}
	e.resolved = path
	logrus.WithField("path", path).Info("downloaded ffmpeg ready")
	return e.resolved, nil
}

// probe runs a bounded version-query invocation against a candidate.
func (e *Extractor) probe(ctx context.Context, path string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	result, err := e.runner.Run(probeCtx, path, "-version")
	if err != nil {
		return false
	}
	return result.ExitCode == 0 && strings.Contains(result.Stdout, "ffmpeg version")
}

// Extract converts videoPath into single-channel 16 kHz signed 16-bit
// PCM WAV at audioPath, overwriting any existing file there.
func (e *Extractor) Extract(ctx context.Context, videoPath, audioPath string) error {
	bin, err := e.Resolve(ctx)
	if err != nil {
		var ee *ExtractError
		if errors.As(err, &ee) {
			return err
		}
		return &ExtractError{Kind: KindToolNotFound, Message: "ffmpeg resolution failed", Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y",
		audioPath,
	}

	result, runErr := e.runner.Run(runCtx, bin, args...)
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &ExtractError{
				Kind:    KindTimeout,
				Message: "ffmpeg exceeded extraction timeout",
				Stderr:  strings.TrimSpace(result.Stderr),
				Err:     runErr,
			}
		}
		return &ExtractError{
			Kind:    KindExit,
			Message: "ffmpeg audio conversion failed",
			Stderr:  strings.TrimSpace(result.Stderr),
			Err:     runErr,
		}
	}

	if _, err := os.Stat(audioPath); err != nil {
		return &ExtractError{
			Kind:    KindMissingOutput,
			Message: "ffmpeg completed but output file is missing",
			Stderr:  strings.TrimSpace(result.Stderr),
			Err:     err,
		}
	}

	return nil
}
