package handlers

import (
	"net/http"

	"github.com/video-transcribe/server/internal/gpu"
	"github.com/video-transcribe/server/internal/job"
)

// ModelStatus exposes whether any transcription model is resident.
type ModelStatus interface {
	ModelLoaded() bool
}

type HealthHandler struct {
	gpu    gpu.Info
	engine ModelStatus
	store  *job.Store
}

func NewHealthHandler(info gpu.Info, engine ModelStatus, store *job.Store) *HealthHandler {
	return &HealthHandler{gpu: info, engine: engine, store: store}
}

type healthResponse struct {
	Status       string       `json:"status"`
	GPUAvailable bool         `json:"gpu_available"`
	GPUName      string       `json:"gpu_name,omitempty"`
	ModelLoaded  bool         `json:"model_loaded"`
	Tasks        job.Counters `json:"tasks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, healthResponse{
		Status:       "healthy",
		GPUAvailable: h.gpu.Available,
		GPUName:      h.gpu.Name,
		ModelLoaded:  h.engine.ModelLoaded(),
		Tasks:        h.store.Counters(),
	}, http.StatusOK)
}
