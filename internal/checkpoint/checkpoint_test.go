package checkpoint

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/nn"
	"github.com/cartridge/learner/internal/td3"
)

func newActorCritic(t *testing.T, hidden int, seed int64) *td3.ActorCritic {
	t.Helper()
	cfg := config.DefaultTraining()
	cfg.ObservationDim = 3
	cfg.ActionDim = 2
	cfg.Network.HiddenDim = hidden
	arch, params, err := td3.FromConfig(cfg)
	require.NoError(t, err)
	ac, err := td3.New(nn.NewDevice(), arch, params, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	t.Cleanup(ac.Free)
	return ac
}

func TestSaveLoad_RestoresEveryNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies", "agent.json")
	saved := newActorCritic(t, 8, 1)
	loaded := newActorCritic(t, 8, 2)

	require.NoError(t, Save(path, saved))
	require.NoError(t, Load(path, loaded))

	for name, net := range saved.Named() {
		assert.Equal(t, net.Parameters(), loaded.Named()[name].Parameters(), name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	err := Load(filepath.Join(t.TempDir(), "missing.json"), newActorCritic(t, 8, 1))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoad_ArchitectureMismatchLeavesNetworksUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, Save(path, newActorCritic(t, 8, 1)))

	other := newActorCritic(t, 16, 2)
	before := other.Actor.Parameters()

	err := Load(path, other)
	assert.ErrorIs(t, err, ErrArchitectureMismatch)
	assert.Equal(t, before, other.Actor.Parameters())
}

func TestApply_TruncatedParametersRejected(t *testing.T) {
	ac := newActorCritic(t, 8, 1)
	data, err := Encode(ac, time.Unix(0, 0))
	require.NoError(t, err)
	p, err := Decode(data)
	require.NoError(t, err)

	p.Networks["critic_2"] = p.Networks["critic_2"][:3]
	before := ac.Actor.Parameters()
	assert.ErrorIs(t, Apply(p, ac), ErrArchitectureMismatch)
	assert.Equal(t, before, ac.Actor.Parameters())

	delete(p.Networks, "critic_2")
	assert.ErrorIs(t, Apply(p, ac), ErrArchitectureMismatch)
}

func TestDecode_VersionMismatch(t *testing.T) {
	data, err := json.Marshal(Policy{SchemaVersion: 99, CodecVersion: CurrentCodecVersion})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	_, err = Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(filepath.Join(dir, "agent.json"), newActorCritic(t, 4, 1)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent.json", entries[0].Name())
}

func TestHeaderOf(t *testing.T) {
	h := HeaderOf(newActorCritic(t, 8, 1).Architecture())
	assert.Equal(t, Header{ObservationDim: 3, ActionDim: 2, HiddenDim: 8, NumLayers: 2, Activation: "relu"}, h)
}
