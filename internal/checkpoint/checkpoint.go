// Package checkpoint persists actor-critic parameters behind a header that
// records the architecture they belong to.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cartridge/learner/internal/td3"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	// ErrFileNotFound is returned when loading a path that does not exist.
	ErrFileNotFound = errors.New("policy file not found")
	// ErrArchitectureMismatch is returned when a file was written for different network shapes.
	ErrArchitectureMismatch = errors.New("policy architecture mismatch")
	// ErrVersionMismatch is returned for files written by an incompatible codec.
	ErrVersionMismatch = errors.New("policy version mismatch")
)

// Header identifies the architecture a parameter set belongs to.
type Header struct {
	ObservationDim int    `json:"observation_dim"`
	ActionDim      int    `json:"action_dim"`
	HiddenDim      int    `json:"hidden_dim"`
	NumLayers      int    `json:"num_layers"`
	Activation     string `json:"activation"`
}

// HeaderOf builds the header describing arch.
func HeaderOf(arch td3.Architecture) Header {
	return Header{
		ObservationDim: arch.ObservationDim,
		ActionDim:      arch.ActionDim,
		HiddenDim:      arch.HiddenDim,
		NumLayers:      arch.NumLayers,
		Activation:     arch.Activation.Name,
	}
}

// Policy is the on-disk document.
type Policy struct {
	SchemaVersion int                  `json:"schema_version"`
	CodecVersion  int                  `json:"codec_version"`
	Header        Header               `json:"header"`
	SavedAt       time.Time            `json:"saved_at"`
	Networks      map[string][]float64 `json:"networks"`
}

// Encode serializes every network of ac.
func Encode(ac *td3.ActorCritic, now time.Time) ([]byte, error) {
	p := Policy{
		SchemaVersion: CurrentSchemaVersion,
		CodecVersion:  CurrentCodecVersion,
		Header:        HeaderOf(ac.Architecture()),
		SavedAt:       now.UTC(),
		Networks:      make(map[string][]float64),
	}
	for name, net := range ac.Named() {
		p.Networks[name] = net.Parameters()
	}
	return json.Marshal(p)
}

// Decode parses a policy document and checks its versions.
func Decode(data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to decode policy: %w", err)
	}
	if p.SchemaVersion != CurrentSchemaVersion || p.CodecVersion != CurrentCodecVersion {
		return Policy{}, fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, p.SchemaVersion, p.CodecVersion)
	}
	return p, nil
}

// Apply copies p's parameters into ac. Nothing is written unless every
// network matches.
func Apply(p Policy, ac *td3.ActorCritic) error {
	want := HeaderOf(ac.Architecture())
	if p.Header != want {
		return fmt.Errorf("%w: file %+v, agent %+v", ErrArchitectureMismatch, p.Header, want)
	}

	named := ac.Named()
	names := make([]string, 0, len(named))
	for name, net := range named {
		values, ok := p.Networks[name]
		if !ok {
			return fmt.Errorf("%w: missing network %s", ErrArchitectureMismatch, name)
		}
		if len(values) != net.NumParameters() {
			return fmt.Errorf("%w: network %s has %d parameters, want %d", ErrArchitectureMismatch, name, len(values), net.NumParameters())
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := named[name].SetParameters(p.Networks[name]); err != nil {
			return err
		}
	}
	return nil
}

// Save writes ac to path atomically.
func Save(path string, ac *td3.ActorCritic) error {
	data, err := Encode(ac, time.Now())
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create policy directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create policy file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	return nil
}

// Load reads path into ac.
func Load(path string, ac *td3.ActorCritic) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	p, err := Decode(data)
	if err != nil {
		return err
	}
	return Apply(p, ac)
}
