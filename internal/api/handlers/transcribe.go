package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/video-transcribe/server/internal/job"
	"github.com/video-transcribe/server/internal/pipeline"
	"github.com/video-transcribe/server/internal/whisper"
)

// allowedVideoTypes mirrors the upload content types the service
// accepts. Anything else is rejected before the body is stored.
var allowedVideoTypes = map[string]bool{
	"video/mp4":        true,
	"video/avi":        true,
	"video/x-msvideo":  true,
	"video/quicktime":  true,
	"video/x-ms-wmv":   true,
	"video/x-flv":      true,
	"video/x-matroska": true,
	"video/webm":       true,
}

// Submitter is the admission surface of the worker pool.
type Submitter interface {
	Submit(req pipeline.Request) error
}

type TranscribeHandler struct {
	store        *job.Store
	pool         Submitter
	tempDir      string
	defaultModel string
}

func NewTranscribeHandler(store *job.Store, pool Submitter, tempDir, defaultModel string) *TranscribeHandler {
	return &TranscribeHandler{
		store:        store,
		pool:         pool,
		tempDir:      tempDir,
		defaultModel: defaultModel,
	}
}

// Transcribe accepts a multipart video upload and queues it for
// processing. On success it answers 202 with the task id; the caller
// polls the tasks endpoint for the result.
func (h *TranscribeHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "missing or unreadable file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Filename == "" {
		jsonError(w, "uploaded file has no filename", http.StatusBadRequest)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !allowedVideoTypes[contentType] {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", contentType), http.StatusBadRequest)
		return
	}

	modelSize := r.URL.Query().Get("model_size")
	if modelSize == "" {
		modelSize = h.defaultModel
	}
	if !whisper.ValidSize(modelSize) {
		jsonError(w, fmt.Sprintf("invalid model_size: %s", modelSize), http.StatusBadRequest)
		return
	}

	taskID := job.NewTaskID()
	videoPath, err := h.saveUpload(file, taskID, header.Filename)
	if err != nil {
		logrus.WithError(err).Error("failed to store upload")
		jsonError(w, "failed to store uploaded file", http.StatusInternalServerError)
		return
	}

	if _, err := h.store.Create(taskID, videoPath); err != nil {
		os.Remove(videoPath)
		logrus.WithError(err).Error("failed to register task")
		jsonError(w, "failed to register task", http.StatusInternalServerError)
		return
	}

	req := pipeline.Request{
		JobID:        taskID,
		VideoPath:    videoPath,
		ModelSize:    modelSize,
		UseGPU:       true,
		DeleteSource: true,
	}
	if err := h.pool.Submit(req); err != nil {
		// Roll back so the rejected request leaves no trace.
		if rerr := h.store.Remove(taskID); rerr != nil {
			logrus.WithError(rerr).Error("failed to roll back rejected task")
		}
		os.Remove(videoPath)
		if errors.Is(err, pipeline.ErrQueueFull) {
			jsonError(w, "server busy, try again later", http.StatusServiceUnavailable)
			return
		}
		jsonError(w, "failed to queue task", http.StatusInternalServerError)
		return
	}

	logrus.WithFields(logrus.Fields{
		"task_id":    taskID,
		"filename":   header.Filename,
		"model_size": modelSize,
	}).Info("task accepted")

	jsonResponse(w, map[string]string{
		"task_id": taskID,
		"status":  string(job.StateAccepted),
		"message": "task accepted, poll /api/v1/tasks/" + taskID + " for the result",
	}, http.StatusAccepted)
}

// saveUpload streams the multipart part to the temp dir. The stored
// name is prefixed with the task id so concurrent uploads of the same
// filename cannot collide.
func (h *TranscribeHandler) saveUpload(file io.Reader, taskID, filename string) (string, error) {
	if err := os.MkdirAll(h.tempDir, 0755); err != nil {
		return "", fmt.Errorf("create temp directory: %w", err)
	}

	path := filepath.Join(h.tempDir, taskID+"_"+filepath.Base(filename))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}
