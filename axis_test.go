package printd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAxis(t *testing.T) {
	for _, tc := range []struct {
		letter byte
		axis   Axis
	}{
		{'X', AxisX}, {'x', AxisX},
		{'Y', AxisY}, {'y', AxisY},
		{'Z', AxisZ}, {'z', AxisZ},
		{'E', AxisE}, {'e', AxisE},
	} {
		axis, ok := ParseAxis(tc.letter)
		assert.True(t, ok, string(tc.letter))
		assert.Equal(t, tc.axis, axis)
	}

	_, ok := ParseAxis('F')
	assert.False(t, ok)
}

func TestAxisString(t *testing.T) {
	assert.Equal(t, "X", AxisX.String())
	assert.Equal(t, "E", AxisE.String())
	assert.Equal(t, "Axis(9)", Axis(9).String())
}
