package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunValidate(t *testing.T) {
	valid := Run{ID: "run-1", Agent: "a", State: RunStateInitialized, Config: json.RawMessage(`{"gamma":0.99}`)}
	assert.NoError(t, valid.Validate())

	missingID := valid
	missingID.ID = ""
	assert.Error(t, missingID.Validate())

	missingAgent := valid
	missingAgent.Agent = ""
	assert.Error(t, missingAgent.Validate())

	badConfig := valid
	badConfig.Config = json.RawMessage(`{`)
	assert.Error(t, badConfig.Validate())
}

func TestRunStateTerminal(t *testing.T) {
	assert.True(t, RunStateCompleted.Terminal())
	assert.True(t, RunStateFailed.Terminal())
	assert.True(t, RunStateShutdown.Terminal())
	assert.False(t, RunStateRunning.Terminal())
	assert.False(t, RunStateStopped.Terminal())
}
