package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a transcription job.
type State string

const (
	StateAccepted   State = "accepted"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one tracked transcription request. Jobs only move forward:
// accepted -> processing -> completed|failed.
type Job struct {
	ID              string    `json:"task_id"`
	State           State     `json:"status"`
	SourcePath      string    `json:"-"`
	ResultText      string    `json:"text,omitempty"`
	OutputPath      string    `json:"file_path,omitempty"`
	Error           string    `json:"error,omitempty"`
	DurationSeconds float64   `json:"duration,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

var (
	ErrDuplicateID       = errors.New("job id already exists")
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// NewTaskID generates a unique task identifier in the service's
// task_<unix>_<hex> form.
func NewTaskID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("task_%d_%s", time.Now().Unix(), suffix)
}
