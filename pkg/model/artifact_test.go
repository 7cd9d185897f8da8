package model

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/gnn-halo/pkg/fault"
)

func TestArtifact_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewRandom(42, []string{"O", "H"}, 4, []float64{4.0, 3.5, 3.0})
	require.NoError(t, Save(dir, m))
	require.Len(t, m.Hash, 64)

	got, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, m.Species, got.Species)
	assert.Equal(t, m.Width, got.Width)
	assert.Equal(t, m.Cutoffs(), got.Cutoffs())
	assert.Equal(t, m.Embedding, got.Embedding)
	assert.Equal(t, m.Readout, got.Readout)
	assert.Equal(t, m.Shift, got.Shift)
	for k := range m.Layers {
		assert.Equal(t, m.Layers[k].W, got.Layers[k].W, "layer %d W", k)
		assert.Equal(t, m.Layers[k].U, got.Layers[k].U, "layer %d U", k)
		assert.Equal(t, m.Layers[k].B, got.Layers[k].B, "layer %d B", k)
	}
	assert.Equal(t, m.Hash, got.Hash)
}

func TestArtifact_SingleLayerCarriesEmbeddingAndReadout(t *testing.T) {
	dir := t.TempDir()
	m := NewRandom(5, []string{"Si"}, 3, []float64{2.0})
	require.NoError(t, Save(dir, m))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Embedding, got.Embedding)
	assert.Equal(t, m.Readout, got.Readout)
}

func TestArtifact_HashMismatch(t *testing.T) {
	dir := t.TempDir()
	m := NewRandom(42, []string{"H"}, 2, []float64{2, 2})
	require.NoError(t, Save(dir, m))

	// swap in the bytes of a differently seeded but shape compatible model
	other := NewRandom(43, []string{"H"}, 2, []float64{2, 2})
	otherDir := t.TempDir()
	require.NoError(t, Save(otherDir, other))
	data, err := os.ReadFile(filepath.Join(otherDir, LayerFileName(1)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LayerFileName(1)), data, 0o644))

	_, err = Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConfiguration))
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestLoadFiles_CountMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, NewRandom(1, []string{"H"}, 2, []float64{1, 1})))

	_, err := LoadFiles(filepath.Join(dir, MetadataFile), []string{filepath.Join(dir, LayerFileName(0))})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConfiguration)

	m, err := LoadFiles(filepath.Join(dir, MetadataFile), []string{
		filepath.Join(dir, LayerFileName(0)),
		filepath.Join(dir, LayerFileName(1)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.NumLayers())
}

func TestLoadFiles_WrongOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, NewRandom(1, []string{"H"}, 2, []float64{1, 1})))

	_, err := LoadFiles(filepath.Join(dir, MetadataFile), []string{
		filepath.Join(dir, LayerFileName(1)),
		filepath.Join(dir, LayerFileName(0)),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConfiguration)
}

func TestReadMetadata_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unsorted species", "version: \"1\"\nhash: " + strings.Repeat("ab", 32) + "\nwidth: 2\nspecies: [O, H]\nlayers:\n  - {file: a.bin, cutoff: 1}\n", "not sorted"},
		{"no layers", "version: \"1\"\nhash: " + strings.Repeat("ab", 32) + "\nwidth: 2\nspecies: [H]\nlayers: []\n", "Layers"},
		{"negative cutoff", "version: \"1\"\nhash: " + strings.Repeat("ab", 32) + "\nwidth: 2\nspecies: [H]\nlayers:\n  - {file: a.bin, cutoff: -1}\n", "Cutoff"},
		{"short hash", "version: \"1\"\nhash: abc\nwidth: 2\nspecies: [H]\nlayers:\n  - {file: a.bin, cutoff: 1}\n", "Hash"},
		{"future version", "version: \"9\"\nhash: " + strings.Repeat("ab", 32) + "\nwidth: 2\nspecies: [H]\nlayers:\n  - {file: a.bin, cutoff: 1}\n", "Version"},
		{"not yaml", "{{{", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), MetadataFile)
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := ReadMetadata(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, fault.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
