package whisper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-transcribe/server/internal/config"
	"github.com/video-transcribe/server/internal/gpu"
)

type fakeModel struct {
	result *Result
	err    error
}

func (m *fakeModel) Transcribe(ctx context.Context, audioPath, language string) (*Result, error) {
	return m.result, m.err
}

type countingLoader struct {
	loads   int64
	delay   time.Duration
	loadErr error
	model   Model
}

func (l *countingLoader) Load(ctx context.Context, size, device string) (Model, error) {
	atomic.AddInt64(&l.loads, 1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	if l.model != nil {
		return l.model, nil
	}
	return &fakeModel{result: &Result{Text: "hello."}}, nil
}

func TestAcquireSharesSingleLoad(t *testing.T) {
	loader := &countingLoader{delay: 20 * time.Millisecond}
	e := NewEngine(loader, &gpu.Info{}, config.PolicyCPU)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Acquire(context.Background(), "tiny", "cpu")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&loader.loads),
		"concurrent acquires for the same key must share one load")
}

func TestAcquireDistinctKeysLoadSeparately(t *testing.T) {
	loader := &countingLoader{}
	e := NewEngine(loader, &gpu.Info{}, config.PolicyCPU)

	_, err := e.Acquire(context.Background(), "tiny", "cpu")
	require.NoError(t, err)
	_, err = e.Acquire(context.Background(), "base", "cpu")
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&loader.loads))
}

func TestAcquireFailureIsNotCached(t *testing.T) {
	loader := &countingLoader{loadErr: errors.New("out of memory")}
	e := NewEngine(loader, &gpu.Info{}, config.PolicyCPU)

	_, err := e.Acquire(context.Background(), "large", "cpu")
	var mlErr *ModelLoadError
	require.ErrorAs(t, err, &mlErr)

	loader.loadErr = nil
	_, err = e.Acquire(context.Background(), "large", "cpu")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&loader.loads))
}

func TestModelLoaded(t *testing.T) {
	e := NewEngine(&countingLoader{}, &gpu.Info{}, config.PolicyCPU)
	assert.False(t, e.ModelLoaded())

	_, err := e.Acquire(context.Background(), "tiny", "cpu")
	require.NoError(t, err)
	assert.True(t, e.ModelLoaded())
}

func TestResolveDevicePolicies(t *testing.T) {
	noGPU := &gpu.Info{}
	withGPU := &gpu.Info{Available: true, Name: "Test GPU"}

	tests := []struct {
		name    string
		policy  config.DevicePolicy
		info    *gpu.Info
		useGPU  bool
		want    string
		wantErr error
	}{
		{"cpu policy ignores request", config.PolicyCPU, withGPU, true, "cpu", nil},
		{"gpu available", config.PolicyAuto, withGPU, true, "cuda", nil},
		{"auto downgrades", config.PolicyAuto, noGPU, true, "cpu", nil},
		{"require fails fast", config.PolicyRequire, noGPU, true, "", ErrDeviceUnavailable},
		{"require with gpu", config.PolicyRequire, withGPU, true, "cuda", nil},
		{"no gpu requested", config.PolicyAuto, withGPU, false, "cpu", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(&countingLoader{}, tt.info, tt.policy)
			device, err := e.ResolveDevice(tt.useGPU)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, device)
		})
	}
}

func TestTranscribeEmptyTextReturnsSentinel(t *testing.T) {
	e := NewEngine(&countingLoader{}, &gpu.Info{}, config.PolicyCPU)
	model := &fakeModel{result: &Result{Text: "   "}}

	result, err := e.Transcribe(context.Background(), model, "audio.wav", "zh")
	require.NoError(t, err)
	assert.Equal(t, NoSpeechSentinel, result.Text)
}

func TestTranscribeWrapsInferenceFailure(t *testing.T) {
	e := NewEngine(&countingLoader{}, &gpu.Info{}, config.PolicyCPU)
	model := &fakeModel{err: errors.New("decoder crashed")}

	_, err := e.Transcribe(context.Background(), model, "audio.wav", "auto")
	var tErr *TranscribeError
	require.ErrorAs(t, err, &tErr)
}

func TestNormalizePunctuation(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 2, Text: " 你好世界"},
		{Start: 2, End: 4, Text: "今天天气不错。"},
		{Start: 4, End: 5, Text: "  "},
	}

	t.Run("unpunctuated text rebuilt from segments", func(t *testing.T) {
		got := normalizePunctuation("你好世界今天天气不错", segments, "zh")
		assert.Equal(t, "你好世界。\n今天天气不错。", got)
	})

	t.Run("punctuated text untouched", func(t *testing.T) {
		got := normalizePunctuation("你好，世界", segments, "zh")
		assert.Equal(t, "你好，世界", got)
	})

	t.Run("no segments leaves text alone", func(t *testing.T) {
		got := normalizePunctuation("hello world", nil, "en")
		assert.Equal(t, "hello world", got)
	})

	t.Run("ascii mark for non-chinese hint", func(t *testing.T) {
		got := normalizePunctuation("hello world", []Segment{{Text: "hello world"}}, "en")
		assert.Equal(t, "hello world.", got)
	})
}
