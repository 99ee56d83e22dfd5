package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibgate-project/ibgate/pkg/codec"
)

func TestMarshal_DeterministicMapOrder(t *testing.T) {
	a := map[string]any{"checksum_active": uint64(7), "active": "A", "checksum_building": uint64(0)}
	b := map[string]any{"checksum_building": uint64(0), "active": "A", "checksum_active": uint64(7)}

	ea, err := codec.Marshal(a)
	require.NoError(t, err)
	eb, err := codec.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestMarshal_SmallestIntegers(t *testing.T) {
	got, err := codec.Marshal(uint64(1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, got)
}

func TestUnmarshal_AnyUsesStringKeys(t *testing.T) {
	data, err := codec.Marshal(map[string]any{"k": "v"})
	require.NoError(t, err)

	var out any
	require.NoError(t, codec.Unmarshal(data, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v", m["k"])
}

func TestRawMessage(t *testing.T) {
	inner, err := codec.Marshal("A")
	require.NoError(t, err)
	data, err := codec.Marshal(map[string]codec.RawMessage{"label": inner})
	require.NoError(t, err)

	var back map[string]codec.RawMessage
	require.NoError(t, codec.Unmarshal(data, &back))
	var s string
	require.NoError(t, codec.Unmarshal(back["label"], &s))
	assert.Equal(t, "A", s)
}
