package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-transcribe/server/internal/job"
	"github.com/video-transcribe/server/internal/whisper"
)

// Extractor converts video into normalized WAV audio.
type Extractor interface {
	Extract(ctx context.Context, videoPath, audioPath string) error
}

// Engine is the transcription surface the pipeline drives.
type Engine interface {
	ResolveDevice(useGPU bool) (string, error)
	Acquire(ctx context.Context, size, device string) (whisper.Model, error)
	Transcribe(ctx context.Context, model whisper.Model, audioPath, language string) (*whisper.Result, error)
}

// Request describes one transcription run. The job must already exist
// in the store in the accepted state.
type Request struct {
	JobID     string
	VideoPath string
	ModelSize string
	UseGPU    bool
	Language  string
	// OutputStem names the transcript file; defaults to the job id.
	OutputStem string
	// DeleteSource removes the input video after processing. Set only
	// for uploads the pipeline owns, never for user-selected files.
	DeleteSource bool
}

// Pipeline composes extraction and transcription under job-store
// supervision. All outcomes are recorded through the store; Process
// never returns an error to its caller.
type Pipeline struct {
	store     *job.Store
	extractor Extractor
	engine    Engine
	tempDir   string
	outputDir string
}

func New(store *job.Store, extractor Extractor, engine Engine, tempDir, outputDir string) *Pipeline {
	return &Pipeline{
		store:     store,
		extractor: extractor,
		engine:    engine,
		tempDir:   tempDir,
		outputDir: outputDir,
	}
}

// outputTimestampLayout keeps concurrent transcripts from colliding.
const outputTimestampLayout = "20060102_150405"

// Process runs one job end to end. Temporary files are removed on
// every exit path; the source video is removed only when owned.
func (p *Pipeline) Process(ctx context.Context, req Request) {
	start := time.Now()
	log := logrus.WithField("job_id", req.JobID)

	// Cleanup is armed before any early return so an owned upload is
	// removed even when the job never starts, e.g. cancelled while
	// still queued.
	audioPath := filepath.Join(p.tempDir, req.JobID+"_audio.wav")
	defer func() {
		if err := os.Remove(audioPath); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("failed to remove temp audio")
		}
		if req.DeleteSource {
			if err := os.Remove(req.VideoPath); err != nil && !os.IsNotExist(err) {
				log.WithError(err).Warn("failed to remove uploaded video")
			}
		}
	}()

	if err := p.store.MarkProcessing(req.JobID); err != nil {
		log.WithError(err).Error("cannot start job")
		return
	}

	text, err := p.run(ctx, req, audioPath)
	if err != nil {
		msg := err.Error()
		// A killed subprocess reports its own exit error, so the
		// job's context decides whether this was a cancellation.
		if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
			msg = "cancelled"
		}
		log.WithError(err).Warn("job failed")
		if ferr := p.store.Fail(req.JobID, msg); ferr != nil {
			log.WithError(ferr).Error("cannot record job failure")
		}
		return
	}

	outputPath, err := p.persist(req, text)
	if err != nil {
		log.WithError(err).Warn("job failed")
		if ferr := p.store.Fail(req.JobID, err.Error()); ferr != nil {
			log.WithError(ferr).Error("cannot record job failure")
		}
		return
	}

	elapsed := time.Since(start)
	if err := p.store.Complete(req.JobID, text, outputPath, elapsed); err != nil {
		log.WithError(err).Error("cannot record job completion")
		return
	}

	log.WithFields(logrus.Fields{
		"output":     outputPath,
		"elapsed":    elapsed.Round(10 * time.Millisecond).String(),
		"char_count": len([]rune(text)),
	}).Info("job completed")
}

func (p *Pipeline) run(ctx context.Context, req Request, audioPath string) (string, error) {
	device, err := p.engine.ResolveDevice(req.UseGPU)
	if err != nil {
		requested := "cpu"
		if req.UseGPU {
			requested = "cuda"
		}
		return "", &whisper.ModelLoadError{Size: req.ModelSize, Device: requested, Err: err}
	}

	model, err := p.engine.Acquire(ctx, req.ModelSize, device)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := p.extractor.Extract(ctx, req.VideoPath, audioPath); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	result, err := p.engine.Transcribe(ctx, model, audioPath, req.Language)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// persist writes the transcript to a uniquely named output file.
func (p *Pipeline) persist(req Request, text string) (string, error) {
	if err := os.MkdirAll(p.outputDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	stem := req.OutputStem
	if stem == "" {
		stem = req.JobID
	}
	name := fmt.Sprintf("%s_%s.txt", stem, time.Now().Format(outputTimestampLayout))
	outputPath := filepath.Join(p.outputDir, name)

	if err := os.WriteFile(outputPath, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("save transcript: %w", err)
	}
	return outputPath, nil
}
