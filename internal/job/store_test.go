package job

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	s := NewStore()

	created, err := s.Create("task_1", "/tmp/in.mp4")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, created.State)

	require.NoError(t, s.MarkProcessing("task_1"))
	require.NoError(t, s.Complete("task_1", "hello.", "/out/task_1.txt", 3*time.Second))

	got, err := s.Get("task_1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, "hello.", got.ResultText)
	assert.Equal(t, "/out/task_1.txt", got.OutputPath)
	assert.InDelta(t, 3.0, got.DurationSeconds, 0.001)
}

func TestDuplicateID(t *testing.T) {
	s := NewStore()
	_, err := s.Create("task_1", "a")
	require.NoError(t, err)

	_, err = s.Create("task_1", "b")
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestUnknownIDNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkProcessing("missing"), ErrNotFound)
	assert.ErrorIs(t, s.Fail("missing", "x"), ErrNotFound)
}

func TestNoTransitionOutOfTerminalStates(t *testing.T) {
	s := NewStore()
	_, err := s.Create("task_1", "a")
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing("task_1"))
	require.NoError(t, s.Complete("task_1", "t", "p", time.Second))

	assert.ErrorIs(t, s.Fail("task_1", "late failure"), ErrInvalidTransition)
	assert.ErrorIs(t, s.Complete("task_1", "t2", "p2", time.Second), ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkProcessing("task_1"), ErrInvalidTransition)

	got, err := s.Get("task_1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, "t", got.ResultText)
}

func TestCompleteRequiresProcessing(t *testing.T) {
	s := NewStore()
	_, err := s.Create("task_1", "a")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Complete("task_1", "t", "p", time.Second), ErrInvalidTransition)
}

func TestFailFromAccepted(t *testing.T) {
	// Validation-stage failures can fail a job before processing starts.
	s := NewStore()
	_, err := s.Create("task_1", "a")
	require.NoError(t, err)

	require.NoError(t, s.Fail("task_1", "boom"))
	got, _ := s.Get("task_1")
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "boom", got.Error)
}

func TestRemoveRollsBackAcceptedJob(t *testing.T) {
	s := NewStore()
	_, err := s.Create("task_1", "a")
	require.NoError(t, err)

	require.NoError(t, s.Remove("task_1"))
	_, err = s.Get("task_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.Counters().Submitted)

	assert.ErrorIs(t, s.Remove("task_1"), ErrNotFound)
}

func TestRemoveRefusesStartedJob(t *testing.T) {
	s := NewStore()
	_, err := s.Create("task_1", "a")
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing("task_1"))

	assert.ErrorIs(t, s.Remove("task_1"), ErrInvalidTransition)
}

func TestCountersMatchTransitions(t *testing.T) {
	s := NewStore()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task_%d", i)
			_, err := s.Create(id, "src")
			require.NoError(t, err)
			require.NoError(t, s.MarkProcessing(id))
			if i%2 == 0 {
				require.NoError(t, s.Complete(id, "text", "out", time.Second))
			} else {
				require.NoError(t, s.Fail(id, "err"))
			}
		}(i)
	}
	wg.Wait()

	c := s.Counters()
	assert.Equal(t, n, c.Submitted)
	assert.Equal(t, n/2, c.Completed)
}

func TestIndependentJobs(t *testing.T) {
	s := NewStore()
	_, err := s.Create("a", "sa")
	require.NoError(t, err)
	_, err = s.Create("b", "sb")
	require.NoError(t, err)

	require.NoError(t, s.MarkProcessing("a"))
	require.NoError(t, s.MarkProcessing("b"))
	require.NoError(t, s.Fail("a", "extraction failed"))
	require.NoError(t, s.Complete("b", "ok", "out", time.Second))

	ja, _ := s.Get("a")
	jb, _ := s.Get("b")
	assert.Equal(t, StateFailed, ja.State)
	assert.Equal(t, StateCompleted, jb.State)
}

func TestSubscribeReceivesStateChanges(t *testing.T) {
	s := NewStore()
	ch := s.Subscribe()

	_, err := s.Create("task_1", "src")
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing("task_1"))
	require.NoError(t, s.Fail("task_1", "cancelled"))

	var states []State
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			states = append(states, ev.State)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []State{StateAccepted, StateProcessing, StateFailed}, states)
}

func TestNewTaskIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTaskID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.Contains(t, id, "task_")
	}
}
