package events

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsJSONMode(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, IsJSONMode(true, &buf), "--json always wins")
	assert.False(t, IsJSONMode(false, &buf), "in-memory writers get human output")
	assert.False(t, IsJSONMode(false, nil))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	assert.True(t, IsJSONMode(false, w), "a pipe is not a terminal")
}
