package hw_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibgate-project/ibgate/internal/hw"
	"github.com/ibgate-project/ibgate/internal/onewire"
	"github.com/ibgate-project/ibgate/pkg/errclass"
)

func TestSim_ReadCode(t *testing.T) {
	s := hw.NewSim(nil)
	assert.False(t, s.Presence())
	_, err := s.ReadCode()
	assert.Error(t, err)

	rom := onewire.EncodeROM([6]byte{0xA, 0xB, 0xC, 0xD, 0xE, 0xF})
	s.Touch(rom.Uint64())
	require.True(t, s.Presence())
	code, err := s.ReadCode()
	require.NoError(t, err)
	assert.Equal(t, rom.Uint64(), code)

	s.Touch(rom.Uint64() ^ 1)
	_, err = s.ReadCode()
	assert.ErrorIs(t, err, errclass.ErrCRCMismatch)

	s.Release()
	assert.False(t, s.Presence())
}

func TestSim_ButtonLatch(t *testing.T) {
	s := hw.NewSim(nil)
	s.Press()
	assert.True(t, s.Button())
	assert.False(t, s.Button())
}

func TestSim_Outputs(t *testing.T) {
	var seen []hw.SimState
	s := hw.NewSim(func(st hw.SimState) { seen = append(seen, st) })
	s.Open()
	s.Open()
	s.Close()
	s.SetGreen(true)
	s.SetRed(true)

	st := s.State()
	assert.False(t, st.RelayOpen)
	assert.Equal(t, 1, st.RelayCycles)
	assert.True(t, st.Green)
	assert.True(t, st.Red)
	assert.Len(t, seen, 5)
}

func TestSim_Exec(t *testing.T) {
	s := hw.NewSim(nil)
	rom := onewire.EncodeROM([6]byte{1, 2, 3, 4, 5, 6})

	out, err := s.Exec("touch 0x" + "01010203040506BD")
	require.NoError(t, err)
	assert.Contains(t, out, "01010203040506BD")
	assert.Equal(t, "01010203040506BD", s.State().Code)
	code, err := s.ReadCode()
	require.NoError(t, err)
	assert.Equal(t, rom.Uint64(), code)

	_, err = s.Exec("su on")
	require.NoError(t, err)
	assert.True(t, s.SUEnabled())

	_, err = s.Exec("button")
	require.NoError(t, err)
	assert.True(t, s.Button())

	_, err = s.Exec("release")
	require.NoError(t, err)
	assert.False(t, s.Presence())

	out, err = s.Exec("state")
	require.NoError(t, err)
	assert.Contains(t, out, "su=true")

	for _, bad := range []string{"touch", "touch zz", "su maybe", "dance"} {
		_, err := s.Exec(bad)
		assert.Error(t, err, bad)
	}
	out, err = s.Exec("  ")
	assert.NoError(t, err)
	assert.Empty(t, out)
}
