package printd

import "fmt"

// A logical machine axis. X, Y and Z are the cartesian axes, E is the
// extruder.
type Axis uint8

const (
	AxisX Axis = iota
	AxisY
	AxisZ
	AxisE
)

// All axes in canonical order
var Axes = []Axis{AxisX, AxisY, AxisZ, AxisE}

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	case AxisE:
		return "E"
	}
	return fmt.Sprintf("Axis(%d)", uint8(a))
}

// ParseAxis maps an axis letter to an Axis, case insensitive
func ParseAxis(letter byte) (Axis, bool) {
	switch letter {
	case 'X', 'x':
		return AxisX, true
	case 'Y', 'y':
		return AxisY, true
	case 'Z', 'z':
		return AxisZ, true
	case 'E', 'e':
		return AxisE, true
	}
	return 0, false
}
