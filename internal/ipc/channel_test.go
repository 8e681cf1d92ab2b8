package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelID_Unique(t *testing.T) {
	seen := map[ChannelID]bool{}
	for i := 0; i < 100; i++ {
		id := NewChannelID()
		require.False(t, seen[id], "channel id repeated: %s", id)
		seen[id] = true
	}
}

func TestParseChannelID(t *testing.T) {
	id := NewChannelID()

	parsed, err := ParseChannelID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseChannelID("not-a-uuid")
	assert.Error(t, err)

	_, err = ParseChannelID("")
	assert.Error(t, err)
}

func TestEndpointName_Deterministic(t *testing.T) {
	id := NewChannelID()

	assert.Equal(t, EndpointName(id), EndpointName(id))
	assert.Contains(t, EndpointName(id), id.String())

	other := NewChannelID()
	assert.NotEqual(t, EndpointName(id), EndpointName(other))
}
