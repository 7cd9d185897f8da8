package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"Hf", "O"}, splitList(" Hf, ,O "))
	assert.Nil(t, splitList(""))
}

func TestParseCutoffs(t *testing.T) {
	rc, err := parseCutoffs("4.0, 3.5")
	require.NoError(t, err)
	assert.Equal(t, []float64{4.0, 3.5}, rc)

	_, err = parseCutoffs("4.0,x")
	assert.Error(t, err)
	_, err = parseCutoffs(" ")
	assert.Error(t, err)
}
