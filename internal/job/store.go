package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is published on every state change for UI subscribers.
type Event struct {
	JobID     string    `json:"job_id"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Counters are the process-wide aggregate totals.
type Counters struct {
	Submitted int `json:"total"`
	Completed int `json:"completed"`
}

// Store is the concurrent registry of job state. All reads return
// snapshot copies; a reader never observes a half-applied transition.
// Jobs are retained for the process lifetime.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	completed   int
	subscribers []chan Event
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*Job)}
}

// Create registers a new job in the accepted state.
func (s *Store) Create(id, sourcePath string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	j := &Job{
		ID:         id,
		State:      StateAccepted,
		SourcePath: sourcePath,
		CreatedAt:  time.Now(),
	}
	s.jobs[id] = j
	s.publishLocked(Event{JobID: id, State: StateAccepted})
	return *j, nil
}

// MarkProcessing moves an accepted job into processing.
func (s *Store) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State != StateAccepted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateProcessing)
	}
	j.State = StateProcessing
	s.publishLocked(Event{JobID: id, State: StateProcessing})
	return nil
}

// Complete records a successful terminal result. The completed counter
// is incremented under the same lock as the state change.
func (s *Store) Complete(id, text, outputPath string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State != StateProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateCompleted)
	}
	j.State = StateCompleted
	j.ResultText = text
	j.OutputPath = outputPath
	j.DurationSeconds = duration.Seconds()
	s.completed++
	s.publishLocked(Event{JobID: id, State: StateCompleted, Message: outputPath})
	return nil
}

// Remove deletes an accepted job that was never admitted for
// processing, rolling back its Create. Jobs past accepted stay in the
// store for the process lifetime.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State != StateAccepted {
		return fmt.Errorf("%w: cannot remove %s job", ErrInvalidTransition, j.State)
	}
	delete(s.jobs, id)
	return nil
}

// Fail records a failed terminal result with a human-readable message.
func (s *Store) Fail(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateFailed)
	}
	j.State = StateFailed
	j.Error = message
	s.publishLocked(Event{JobID: id, State: StateFailed, Message: message})
	return nil
}

// Get returns a point-in-time copy of the job.
func (s *Store) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *j, nil
}

// Counters returns aggregate totals consistent with the stored jobs.
func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{Submitted: len(s.jobs), Completed: s.completed}
}

// Subscribe registers a state-change listener. Events are dropped for
// slow subscribers rather than stalling transitions.
func (s *Store) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, 64)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

func (s *Store) publishLocked(ev Event) {
	ev.Timestamp = time.Now()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			logrus.WithField("job_id", ev.JobID).Debug("dropping job event for slow subscriber")
		}
	}
}
