package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunState enumerates the lifecycle states persisted in the run registry.
type RunState string

const (
	RunStateInitialized RunState = "initialized"
	RunStateRunning     RunState = "running"
	RunStatePaused      RunState = "paused"
	RunStateStopped     RunState = "stopped"
	RunStateCompleted   RunState = "completed"
	RunStateFailed      RunState = "failed"
	RunStateShutdown    RunState = "shutdown"
)

// Terminal reports whether no further transitions are expected.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateShutdown:
		return true
	}
	return false
}

// Run is one agent training session as recorded in the registry.
type Run struct {
	ID            string          `json:"id"`
	Agent         string          `json:"agent"`
	Environment   string          `json:"environment"`
	State         RunState        `json:"state"`
	Config        json.RawMessage `json:"config,omitempty"`
	CurrentStep   int64           `json:"current_step"`
	Episodes      int64           `json:"episodes"`
	AverageReward float64         `json:"average_reward"`
	LastError     string          `json:"last_error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate checks the fields required to create a run.
func (r Run) Validate() error {
	if r.ID == "" {
		return errors.New("run id is required")
	}
	if r.Agent == "" {
		return errors.New("agent name is required")
	}
	if r.State == "" {
		return fmt.Errorf("run %s: state is required", r.ID)
	}
	if len(r.Config) > 0 && !json.Valid(r.Config) {
		return fmt.Errorf("run %s: config must be valid JSON", r.ID)
	}
	return nil
}

// Episode is one finished episode of a run.
type Episode struct {
	RunID      string    `json:"run_id"`
	Episode    int       `json:"episode"`
	Steps      int       `json:"steps"`
	Reward     float64   `json:"reward"`
	Terminated bool      `json:"terminated"`
	TotalSteps int       `json:"total_steps"`
	CreatedAt  time.Time `json:"created_at"`
}
