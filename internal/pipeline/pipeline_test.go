package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-transcribe/server/internal/job"
	"github.com/video-transcribe/server/internal/whisper"
)

type fakeExtractor struct {
	err   error
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, videoPath, audioPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(audioPath, []byte("RIFF"), 0644)
}

type fakeEngine struct {
	deviceErr     error
	acquireErr    error
	transcribeErr error
	text          string
}

type nopModel struct{}

func (nopModel) Transcribe(ctx context.Context, audioPath, language string) (*whisper.Result, error) {
	return nil, nil
}

func (f *fakeEngine) ResolveDevice(useGPU bool) (string, error) {
	if f.deviceErr != nil {
		return "", f.deviceErr
	}
	return "cpu", nil
}

func (f *fakeEngine) Acquire(ctx context.Context, size, device string) (whisper.Model, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return nopModel{}, nil
}

func (f *fakeEngine) Transcribe(ctx context.Context, model whisper.Model, audioPath, language string) (*whisper.Result, error) {
	if f.transcribeErr != nil {
		return nil, f.transcribeErr
	}
	return &whisper.Result{Text: f.text}, nil
}

type fixture struct {
	store     *job.Store
	pipeline  *Pipeline
	extractor *fakeExtractor
	engine    *fakeEngine
	tempDir   string
	outputDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     job.NewStore(),
		extractor: &fakeExtractor{},
		engine:    &fakeEngine{text: "hello world."},
		tempDir:   t.TempDir(),
		outputDir: t.TempDir(),
	}
	f.pipeline = New(f.store, f.extractor, f.engine, f.tempDir, f.outputDir)
	return f
}

func (f *fixture) submit(t *testing.T, req Request) {
	t.Helper()
	_, err := f.store.Create(req.JobID, req.VideoPath)
	require.NoError(t, err)
}

func writeVideo(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "input.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0644))
	return path
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t)
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_ok", VideoPath: video, ModelSize: "base"}
	f.submit(t, req)

	f.pipeline.Process(context.Background(), req)

	got, err := f.store.Get("task_ok")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, "hello world.", got.ResultText)
	assert.Greater(t, got.DurationSeconds, 0.0)

	data, err := os.ReadFile(got.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "hello world.", string(data))

	// Temp audio is removed, user-owned source retained.
	_, err = os.Stat(filepath.Join(f.tempDir, "task_ok_audio.wav"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(video)
	assert.NoError(t, err)
}

func TestProcessDeletesOwnedSource(t *testing.T) {
	f := newFixture(t)
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_up", VideoPath: video, ModelSize: "base", DeleteSource: true}
	f.submit(t, req)

	f.pipeline.Process(context.Background(), req)

	_, err := os.Stat(video)
	assert.True(t, os.IsNotExist(err), "uploaded video should be removed")
}

func TestProcessExtractionFailure(t *testing.T) {
	f := newFixture(t)
	f.extractor.err = errors.New("ffmpeg exploded")
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_x", VideoPath: video, ModelSize: "base", DeleteSource: true}
	f.submit(t, req)

	f.pipeline.Process(context.Background(), req)

	got, err := f.store.Get("task_x")
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Contains(t, got.Error, "ffmpeg exploded")

	// Cleanup still runs on the failure path.
	_, err = os.Stat(video)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessTranscriptionFailure(t *testing.T) {
	f := newFixture(t)
	f.engine.transcribeErr = &whisper.TranscribeError{Err: errors.New("decoder crashed")}
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_t", VideoPath: video, ModelSize: "base"}
	f.submit(t, req)

	f.pipeline.Process(context.Background(), req)

	got, _ := f.store.Get("task_t")
	assert.Equal(t, job.StateFailed, got.State)
	assert.Contains(t, got.Error, "decoder crashed")
}

func TestProcessDeviceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.engine.deviceErr = whisper.ErrDeviceUnavailable
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_g", VideoPath: video, ModelSize: "base", UseGPU: true}
	f.submit(t, req)

	f.pipeline.Process(context.Background(), req)

	got, _ := f.store.Get("task_g")
	assert.Equal(t, job.StateFailed, got.State)
	assert.Contains(t, got.Error, "model load failed")
	assert.Zero(t, f.extractor.calls, "extraction should not start after device failure")
}

func TestCancelledQueuedJobStillCleansUpload(t *testing.T) {
	f := newFixture(t)
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_q", VideoPath: video, ModelSize: "base", DeleteSource: true}
	f.submit(t, req)
	// Cancelled before any worker picked it up.
	require.NoError(t, f.store.Fail("task_q", "cancelled"))

	f.pipeline.Process(context.Background(), req)

	got, _ := f.store.Get("task_q")
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, "cancelled", got.Error)
	assert.Zero(t, f.extractor.calls)
	_, err := os.Stat(video)
	assert.True(t, os.IsNotExist(err), "owned upload should be removed even when the job never starts")
}

type cancellingExtractor struct {
	cancel context.CancelFunc
}

func (c *cancellingExtractor) Extract(ctx context.Context, videoPath, audioPath string) error {
	// The job is cancelled mid-conversion; the killed subprocess
	// surfaces as a plain exit error.
	c.cancel()
	return errors.New("ffmpeg audio conversion failed: signal: killed")
}

func TestCancelDuringExtraction(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.extractor = &cancellingExtractor{cancel: cancel}

	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_k", VideoPath: video, ModelSize: "base"}
	f.submit(t, req)

	f.pipeline.Process(ctx, req)

	got, _ := f.store.Get("task_k")
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, "cancelled", got.Error)
}

func TestDeviceErrorLabelsRequestedDevice(t *testing.T) {
	f := newFixture(t)
	f.engine.deviceErr = whisper.ErrDeviceUnavailable

	for _, tc := range []struct {
		useGPU bool
		want   string
	}{
		{useGPU: true, want: "device=cuda"},
		{useGPU: false, want: "device=cpu"},
	} {
		id := "task_dev_" + tc.want[len("device="):]
		req := Request{JobID: id, VideoPath: writeVideo(t, t.TempDir()), ModelSize: "base", UseGPU: tc.useGPU}
		f.submit(t, req)

		f.pipeline.Process(context.Background(), req)

		got, _ := f.store.Get(id)
		assert.Equal(t, job.StateFailed, got.State)
		assert.Contains(t, got.Error, tc.want)
	}
}

func TestProcessCancelled(t *testing.T) {
	f := newFixture(t)
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_c", VideoPath: video, ModelSize: "base"}
	f.submit(t, req)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.pipeline.Process(ctx, req)

	got, _ := f.store.Get("task_c")
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, "cancelled", got.Error)
}

func TestProcessNoSpeechSentinel(t *testing.T) {
	f := newFixture(t)
	f.engine.text = whisper.NoSpeechSentinel
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_s", VideoPath: video, ModelSize: "base"}
	f.submit(t, req)

	f.pipeline.Process(context.Background(), req)

	got, _ := f.store.Get("task_s")
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, whisper.NoSpeechSentinel, got.ResultText)
}

func TestOutputStemNamesTranscript(t *testing.T) {
	f := newFixture(t)
	video := writeVideo(t, t.TempDir())
	req := Request{JobID: "task_n", VideoPath: video, ModelSize: "base", OutputStem: "lecture"}
	f.submit(t, req)

	f.pipeline.Process(context.Background(), req)

	got, _ := f.store.Get("task_n")
	assert.Contains(t, filepath.Base(got.OutputPath), "lecture_")
}

func TestPoolProcessesConcurrentJobs(t *testing.T) {
	f := newFixture(t)
	pool := NewPool(f.pipeline, 2, 4)
	defer pool.Stop()

	dir := t.TempDir()
	ids := []string{"task_p1", "task_p2", "task_p3"}
	for _, id := range ids {
		video := filepath.Join(dir, id+".mp4")
		require.NoError(t, os.WriteFile(video, []byte("v"), 0644))
		req := Request{JobID: id, VideoPath: video, ModelSize: "base"}
		f.submit(t, req)
		require.NoError(t, pool.Submit(req))
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := f.store.Get(id)
			if err != nil || !j.State.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, f.store.Counters().Completed)
}

func TestPoolAdmissionControl(t *testing.T) {
	f := newFixture(t)
	// Single worker, single queue slot.
	pool := NewPool(f.pipeline, 1, 1)
	defer pool.Stop()

	block := make(chan struct{})
	blocking := &blockingExtractor{release: block}
	f.pipeline.extractor = blocking

	req1 := Request{JobID: "task_a", VideoPath: writeVideo(t, t.TempDir()), ModelSize: "base"}
	f.submit(t, req1)
	require.NoError(t, pool.Submit(req1))

	// Wait until the worker picked up the first job, then fill the queue.
	require.Eventually(t, func() bool { return blocking.started.Load() }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(Request{JobID: "task_b", VideoPath: "nope.mp4", ModelSize: "base"}))

	assert.ErrorIs(t, pool.Submit(Request{JobID: "task_c", VideoPath: "nope.mp4", ModelSize: "base"}), ErrQueueFull)

	close(block)
}

func TestPoolStopSettlesInFlightJob(t *testing.T) {
	f := newFixture(t)
	pool := NewPool(f.pipeline, 1, 1)

	blocking := &blockingExtractor{release: make(chan struct{})}
	f.pipeline.extractor = blocking

	req := Request{JobID: "task_w", VideoPath: writeVideo(t, t.TempDir()), ModelSize: "base"}
	f.submit(t, req)
	require.NoError(t, pool.Submit(req))
	require.Eventually(t, func() bool { return blocking.started.Load() }, time.Second, time.Millisecond)

	pool.Stop()

	got, err := f.store.Get("task_w")
	require.NoError(t, err)
	assert.True(t, got.State.Terminal(), "Stop must wait until the running job settles, got %s", got.State)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	f := newFixture(t)
	pool := NewPool(f.pipeline, 1, 1)
	pool.Stop()

	err := pool.Submit(Request{JobID: "task_z"})
	assert.ErrorIs(t, err, ErrStopped)
}

type blockingExtractor struct {
	started atomic.Bool
	release chan struct{}
}

func (b *blockingExtractor) Extract(ctx context.Context, videoPath, audioPath string) error {
	b.started.Store(true)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return os.WriteFile(audioPath, []byte("RIFF"), 0644)
}
