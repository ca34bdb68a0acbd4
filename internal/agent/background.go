package agent

import (
	"errors"
	"sync/atomic"
	"time"
)

// pausedPoll is how often a paused background task checks for resume or stop.
const pausedPoll = 10 * time.Millisecond

// TaskProgress is a lock-free view of the background training task.
type TaskProgress struct {
	Active        bool      `json:"active"`
	Complete      bool      `json:"complete"`
	Success       bool      `json:"success"`
	TaskSteps     int       `json:"task_steps"`
	CurrentStep   int       `json:"current_step"`
	AverageReward float64   `json:"average_reward"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

type task struct {
	stop     atomic.Bool
	active   atomic.Bool
	complete atomic.Bool
	success  atomic.Bool
	steps    atomic.Int64
	err      atomic.Pointer[string]
	started  time.Time
	done     chan struct{}
}

// StartBackground launches the training loop in its own goroutine, running
// at most maxSteps environment steps (0 means until MaxTrainingSteps). Any
// previous task is stopped and joined first.
func (a *Agent) StartBackground(maxSteps int) error {
	a.bgMu.Lock()
	defer a.bgMu.Unlock()
	a.stopBackgroundLocked()

	a.mu.Lock()
	err := a.startTrainingLocked()
	throttle := a.cfg.StepThrottle
	a.mu.Unlock()
	if err != nil {
		return err
	}

	t := &task{started: time.Now(), done: make(chan struct{})}
	t.active.Store(true)
	a.task.Store(t)
	a.logger.Info().Int("max_steps", maxSteps).Msg("Background training started")

	go a.runTask(t, maxSteps, throttle)
	return nil
}

// StopBackground asks the background task to stop and waits until it no
// longer touches agent state. It must not be called with the agent lock held.
func (a *Agent) StopBackground() {
	a.bgMu.Lock()
	defer a.bgMu.Unlock()
	a.stopBackgroundLocked()
}

func (a *Agent) stopBackgroundLocked() {
	t := a.task.Load()
	if t == nil {
		return
	}
	t.stop.Store(true)
	<-t.done
}

// Wait blocks until the current background task, if any, has exited.
func (a *Agent) Wait() {
	if t := a.task.Load(); t != nil {
		<-t.done
	}
}

// Progress reports the background task and the agent's counters.
func (a *Agent) Progress() TaskProgress {
	s := a.Status()
	p := TaskProgress{
		CurrentStep:   s.CurrentStep,
		AverageReward: s.AverageReward,
	}
	t := a.task.Load()
	if t == nil {
		return p
	}
	p.StartedAt = t.started
	p.Active = t.active.Load()
	p.Complete = t.complete.Load()
	p.Success = t.success.Load()
	p.TaskSteps = int(t.steps.Load())
	if msg := t.err.Load(); msg != nil {
		p.Error = *msg
	}
	return p
}

func (a *Agent) runTask(t *task, maxSteps int, throttle time.Duration) {
	defer close(t.done)

	success := true
	defer func() {
		t.success.Store(success)
		t.complete.Store(true)
		t.active.Store(false)
		a.metrics.TaskFinished(a.name, int(t.steps.Load()), success, time.Since(t.started))
		a.logger.Info().
			Int64("task_steps", t.steps.Load()).
			Bool("success", success).
			Bool("cancelled", t.stop.Load()).
			Msg("Background training finished")
	}()

	for !t.stop.Load() {
		if maxSteps > 0 && t.steps.Load() >= int64(maxSteps) {
			return
		}

		switch a.Status().State {
		case StatePaused:
			time.Sleep(pausedPoll)
			continue
		case StateRunning:
		default:
			// Stopped by MaxTrainingSteps, StopTraining or a failed step.
			if msg := a.Status().LastError; msg != "" {
				success = false
				t.err.Store(&msg)
			}
			return
		}

		n, err := a.StepTraining(1)
		t.steps.Add(int64(n))
		if err != nil {
			if errors.Is(err, ErrNotTraining) {
				continue
			}
			success = false
			msg := err.Error()
			t.err.Store(&msg)
			return
		}
		if throttle > 0 {
			time.Sleep(throttle)
		}
	}
}
