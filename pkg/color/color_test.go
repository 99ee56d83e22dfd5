package color_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ibgate-project/ibgate/pkg/color"
)

func TestDisabledPassesThrough(t *testing.T) {
	color.Disable()
	defer color.Disable()

	assert.False(t, color.Enabled())
	assert.Equal(t, "granted", color.Success("granted"))
	assert.Equal(t, "denied 3", color.Errorf("denied %d", 3))
	assert.Equal(t, "[oG]", color.LEDs(false, true))
	assert.Equal(t, "[Ro]", color.LEDs(true, false))
}

func TestEnabledWrapsCodes(t *testing.T) {
	color.Enable()
	defer color.Disable()

	assert.Equal(t, color.Green+"ok"+color.Reset, color.Success("ok"))
	assert.Equal(t, color.Red+"E_NO_SPACE"+color.Reset, color.Error("E_NO_SPACE"))
	assert.Equal(t, color.Cyan+"01a2"+color.Reset, color.Code("01a2"))
	assert.Contains(t, color.LEDs(true, true), color.Red+color.Bold+"R")
}
