package tui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/video-transcribe/server/internal/api"
	"github.com/video-transcribe/server/internal/config"
	"github.com/video-transcribe/server/internal/ffmpeg"
	"github.com/video-transcribe/server/internal/gpu"
	"github.com/video-transcribe/server/internal/job"
	"github.com/video-transcribe/server/internal/pipeline"
	"github.com/video-transcribe/server/internal/whisper"
)

// Deps carries the shared services the interactive surface drives.
type Deps struct {
	Config    *config.Config
	Store     *job.Store
	Extractor *ffmpeg.Extractor
	Engine    *whisper.Engine
	GPU       *gpu.Info
}

type uiMode int

const (
	modeForm uiMode = iota
	modeConfirm
	modeRunning
)

type fieldKind int

const (
	fieldText fieldKind = iota
	fieldSelect
	fieldToggle
)

const (
	fieldInputPath = iota
	fieldOutputDir
	fieldFFmpegPath
	fieldModelSize
	fieldUseGPU
	fieldAPIEnabled
	fieldHost
	fieldPort
	fieldCount
)

type formField struct {
	label     string
	kind      fieldKind
	input     textinput.Model
	options   []string
	optionIdx int
	enabled   bool
}

type appModel struct {
	deps Deps

	mode   uiMode
	fields []formField
	focus  int

	width  int
	height int

	status   string
	logs     []string
	counters job.Counters

	events <-chan job.Event
	logCh  chan string

	// confirm state
	pending  []string
	estimate float64

	runner *batchRunner
	api    *apiHandle

	stopping bool
}

const maxLogLines = 200

type jobEventMsg job.Event

type logLineMsg string

type estimateMsg struct {
	files   []string
	seconds float64
}

type scanFailedMsg struct{ err error }

type batchDoneMsg struct {
	processed int
	cancelled bool
}

type apiStatusMsg struct {
	running bool
	addr    string
	err     error
}

// Run starts the interactive terminal surface.
func Run(deps Deps) error {
	logCh := make(chan string, 256)
	logrus.AddHook(&teaLogHook{ch: logCh})

	m := newAppModel(deps, logCh)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func newAppModel(deps Deps, logCh chan string) appModel {
	fields := make([]formField, fieldCount)

	newInput := func(placeholder, value string) textinput.Model {
		in := textinput.New()
		in.Placeholder = placeholder
		in.CharLimit = 512
		in.Width = 60
		in.SetValue(value)
		return in
	}

	fields[fieldInputPath] = formField{label: "Input Path", kind: fieldText,
		input: newInput("video file or folder to transcribe", "")}
	fields[fieldOutputDir] = formField{label: "Output Dir", kind: fieldText,
		input: newInput("where transcripts are written", deps.Config.OutputDir)}
	fields[fieldFFmpegPath] = formField{label: "FFmpeg Path", kind: fieldText,
		input: newInput("empty = auto-discover", deps.Config.FFmpegPath)}

	recommended, _ := gpu.RecommendModel(deps.GPU)
	modelIdx := 0
	for i, size := range whisper.ModelSizes {
		if size == recommended {
			modelIdx = i
		}
	}
	fields[fieldModelSize] = formField{label: "Model Size", kind: fieldSelect,
		options: whisper.ModelSizes, optionIdx: modelIdx}

	fields[fieldUseGPU] = formField{label: "Use GPU", kind: fieldToggle, enabled: deps.GPU.Available}
	fields[fieldAPIEnabled] = formField{label: "API Server", kind: fieldToggle}
	fields[fieldHost] = formField{label: "API Host", kind: fieldText,
		input: newInput("0.0.0.0", deps.Config.Host)}
	fields[fieldPort] = formField{label: "API Port", kind: fieldText,
		input: newInput("8000", strconv.Itoa(deps.Config.Port))}

	fields[fieldInputPath].input.Focus()

	return appModel{
		deps:     deps,
		mode:     modeForm,
		fields:   fields,
		events:   deps.Store.Subscribe(),
		logCh:    logCh,
		counters: deps.Store.Counters(),
	}
}

func (m appModel) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), waitForLog(m.logCh), textinput.Blink)
}

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case jobEventMsg:
		m.appendLog(formatEvent(job.Event(msg)))
		m.counters = m.deps.Store.Counters()
		return m, waitForEvent(m.events)

	case logLineMsg:
		m.appendLog(string(msg))
		return m, waitForLog(m.logCh)

	case estimateMsg:
		m.mode = modeConfirm
		m.pending = msg.files
		m.estimate = msg.seconds
		m.status = ""
		return m, nil

	case scanFailedMsg:
		m.status = "error: " + msg.err.Error()
		return m, nil

	case batchDoneMsg:
		m.mode = modeForm
		m.runner = nil
		m.stopping = false
		if msg.cancelled {
			m.status = fmt.Sprintf("stopped after %d file(s)", msg.processed)
		} else {
			m.status = fmt.Sprintf("finished %d file(s)", msg.processed)
		}
		return m, nil

	case apiStatusMsg:
		if msg.err != nil {
			m.fields[fieldAPIEnabled].enabled = false
			if m.api != nil {
				go m.api.pool.Stop()
				m.api = nil
			}
			m.status = "error: " + msg.err.Error()
			return m, nil
		}
		if msg.running {
			m.status = "API listening on " + msg.addr
			if m.api != nil {
				// Keep listening for a later bind or serve failure.
				return m, waitForAPI(m.api)
			}
		} else {
			m.status = "API stopped"
		}
		return m, nil
	}

	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch m.mode {
	case modeConfirm:
		return m.updateConfirm(keyMsg)
	case modeRunning:
		return m.updateRunning(keyMsg)
	default:
		return m.updateForm(keyMsg)
	}
}

func (m appModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, m.shutdownAndQuit()
	case "up", "shift+tab":
		m.moveFocus(-1)
		return m, nil
	case "down", "tab", "enter":
		m.moveFocus(1)
		return m, nil
	case "left", "right", " ", "space":
		f := &m.fields[m.focus]
		switch f.kind {
		case fieldSelect:
			if msg.String() == "left" {
				f.optionIdx = (f.optionIdx + len(f.options) - 1) % len(f.options)
			} else {
				f.optionIdx = (f.optionIdx + 1) % len(f.options)
			}
			return m, nil
		case fieldToggle:
			f.enabled = !f.enabled
			if m.focus == fieldAPIEnabled {
				return m.toggleAPI(f.enabled)
			}
			return m, nil
		}
	case "ctrl+s":
		path := strings.TrimSpace(m.fields[fieldInputPath].input.Value())
		if path == "" {
			m.status = "error: enter an input path first"
			return m, nil
		}
		m.status = "scanning..."
		return m, prepareBatchCmd(m.batchExtractor(), path)
	}

	if m.fields[m.focus].kind != fieldText {
		return m, nil
	}
	var cmd tea.Cmd
	m.fields[m.focus].input, cmd = m.fields[m.focus].input.Update(msg)
	return m, cmd
}

func (m appModel) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, m.shutdownAndQuit()
	case "n", "esc":
		m.mode = modeForm
		m.pending = nil
		m.status = "batch cancelled"
		return m, nil
	case "y", "enter":
		runner := startBatch(m.deps, m.batchOptions())
		m.runner = runner
		m.mode = modeRunning
		m.status = fmt.Sprintf("processing %d file(s)...", len(m.pending))
		return m, waitForBatch(runner)
	}
	return m, nil
}

func (m appModel) updateRunning(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if m.runner != nil {
			m.runner.cancel()
		}
		return m, m.shutdownAndQuit()
	case "esc", "x":
		if m.runner != nil && !m.stopping {
			m.runner.cancel()
			m.stopping = true
			m.status = "stopping after the current step..."
		}
		return m, nil
	}
	return m, nil
}

func (m *appModel) moveFocus(delta int) {
	if m.fields[m.focus].kind == fieldText {
		m.fields[m.focus].input.Blur()
	}
	m.focus = (m.focus + delta + fieldCount) % fieldCount
	if m.fields[m.focus].kind == fieldText {
		m.fields[m.focus].input.Focus()
	}
}

func (m *appModel) appendLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

// batchExtractor honors a per-session ffmpeg path override without
// touching the shared extractor.
func (m appModel) batchExtractor() *ffmpeg.Extractor {
	override := strings.TrimSpace(m.fields[fieldFFmpegPath].input.Value())
	if override == "" || override == m.deps.Config.FFmpegPath {
		return m.deps.Extractor
	}
	return ffmpeg.NewExtractor(ffmpeg.Options{
		ConfiguredPath: override,
		DownloadURL:    m.deps.Config.FFmpegDownloadURL,
		CacheDir:       m.deps.Config.TempDir,
		ExtractTimeout: m.deps.Config.ExtractTimeout,
	})
}

type batchOptions struct {
	files     []string
	modelSize string
	useGPU    bool
	outputDir string
	extractor *ffmpeg.Extractor
}

func (m appModel) batchOptions() batchOptions {
	outputDir := strings.TrimSpace(m.fields[fieldOutputDir].input.Value())
	if outputDir == "" {
		outputDir = m.deps.Config.OutputDir
	}
	return batchOptions{
		files:     m.pending,
		modelSize: m.fields[fieldModelSize].options[m.fields[fieldModelSize].optionIdx],
		useGPU:    m.fields[fieldUseGPU].enabled,
		outputDir: outputDir,
		extractor: m.batchExtractor(),
	}
}

func (m appModel) shutdownAndQuit() tea.Cmd {
	apiHandle := m.api
	return tea.Sequence(func() tea.Msg {
		if apiHandle != nil {
			apiHandle.stop()
		}
		return nil
	}, tea.Quit)
}

func (m appModel) toggleAPI(enable bool) (tea.Model, tea.Cmd) {
	if enable {
		host := strings.TrimSpace(m.fields[fieldHost].input.Value())
		if host == "" {
			host = m.deps.Config.Host
		}
		port, err := strconv.Atoi(strings.TrimSpace(m.fields[fieldPort].input.Value()))
		if err != nil || port < 1 || port > 65535 {
			m.fields[fieldAPIEnabled].enabled = false
			m.status = "error: invalid API port"
			return m, nil
		}
		handle := startAPI(m.deps, host, port)
		m.api = handle
		m.status = "starting API server..."
		return m, waitForAPI(handle)
	}

	handle := m.api
	m.api = nil
	return m, func() tea.Msg {
		if handle != nil {
			handle.stop()
		}
		return apiStatusMsg{running: false}
	}
}

// batchRunner drives one sequential batch on its own goroutine. Files
// selected by the user are never deleted.
type batchRunner struct {
	cancel context.CancelFunc
	done   chan batchDoneMsg
}

func startBatch(deps Deps, opts batchOptions) *batchRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &batchRunner{cancel: cancel, done: make(chan batchDoneMsg, 1)}

	p := pipeline.New(deps.Store, opts.extractor, deps.Engine, deps.Config.TempDir, opts.outputDir)

	go func() {
		processed := 0
		for _, file := range opts.files {
			if ctx.Err() != nil {
				break
			}
			id := job.NewTaskID()
			if _, err := deps.Store.Create(id, file); err != nil {
				logrus.WithError(err).Error("failed to register batch file")
				continue
			}
			p.Process(ctx, pipeline.Request{
				JobID:      id,
				VideoPath:  file,
				ModelSize:  opts.modelSize,
				UseGPU:     opts.useGPU,
				OutputStem: outputStem(file),
			})
			processed++
		}
		r.done <- batchDoneMsg{processed: processed, cancelled: ctx.Err() != nil}
	}()
	return r
}

// apiHandle owns an embedded API server and its worker pool.
type apiHandle struct {
	srv    *http.Server
	pool   *pipeline.Pool
	status chan apiStatusMsg
}

func startAPI(deps Deps, host string, port int) *apiHandle {
	cfg := deps.Config
	p := pipeline.New(deps.Store, deps.Extractor, deps.Engine, cfg.TempDir, cfg.OutputDir)
	pool := pipeline.NewPool(p, cfg.MaxWorkers, cfg.QueueSize)
	router := api.NewRouter(cfg, deps.Store, pool, deps.Engine, *deps.GPU)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{Addr: addr, Handler: router}
	h := &apiHandle{srv: srv, pool: pool, status: make(chan apiStatusMsg, 2)}

	go func() {
		h.status <- apiStatusMsg{running: true, addr: addr}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.status <- apiStatusMsg{err: err}
		}
	}()
	return h
}

func (h *apiHandle) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("API shutdown did not finish cleanly")
	}
	h.pool.Stop()
}

func waitForEvent(ch <-chan job.Event) tea.Cmd {
	return func() tea.Msg {
		return jobEventMsg(<-ch)
	}
}

func waitForLog(ch chan string) tea.Cmd {
	return func() tea.Msg {
		return logLineMsg(<-ch)
	}
}

func waitForBatch(r *batchRunner) tea.Cmd {
	return func() tea.Msg {
		return <-r.done
	}
}

func waitForAPI(h *apiHandle) tea.Cmd {
	return func() tea.Msg {
		return <-h.status
	}
}

func prepareBatchCmd(ex *ffmpeg.Extractor, path string) tea.Cmd {
	return func() tea.Msg {
		files, err := ScanVideos(path)
		if err != nil {
			return scanFailedMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return estimateMsg{files: files, seconds: ex.EstimateBatchSeconds(ctx, files)}
	}
}

func formatEvent(ev job.Event) string {
	line := fmt.Sprintf("%s %s -> %s", ev.Timestamp.Format("15:04:05"), ev.JobID, ev.State)
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	return line
}

// teaLogHook forwards log lines into the UI event loop. Slow consumers
// drop lines instead of blocking the logger.
type teaLogHook struct {
	ch chan string
}

func (h *teaLogHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *teaLogHook) Fire(entry *logrus.Entry) error {
	line := fmt.Sprintf("%s %s %s", entry.Time.Format("15:04:05"),
		strings.ToUpper(entry.Level.String()), entry.Message)
	select {
	case h.ch <- line:
	default:
	}
	return nil
}
