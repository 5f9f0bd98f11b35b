package gcode

import (
	"time"

	printd "github.com/PS-3D/3dprintd"
)

// A Command is one parsed line of G-code. Commands are immutable values,
// the executor never writes back into them.
type Command interface {
	isCommand()
}

// Linear move, G0/G1. Coordinate values are in mm (inch input is
// converted by the parser), interpretation as absolute target or delta
// depends on the active motion/extrusion mode.
type Move struct {
	Axes     map[printd.Axis]float64
	Feedrate float64 // mm/min, 0 when no F word was given
	HasFeed  bool
}

// Set current position, G92. Reprograms the program coordinates without
// moving anything.
type SetPosition struct {
	Axes map[printd.Axis]float64
}

// Home one or more axes, G28. Empty set means all cartesian axes.
type Home struct {
	Axes []printd.Axis
}

// Extrusion coordinate mode, M82 (absolute) / M83 (relative)
type SetExtrusionMode struct {
	Absolute bool
}

// Cartesian coordinate mode, G90 (absolute) / G91 (relative)
type SetMotionMode struct {
	Absolute bool
}

// Input units, G20 (inches) / G21 (mm)
type SetUnits struct {
	Inches bool
}

// Tool selection, T<n>
type SelectTool struct {
	Index int
}

// Dwell, G4
type Dwell struct {
	Duration time.Duration
}

// Thermal kinds forwarded to the heater collaborator
type ThermalKind uint8

const (
	HotendTarget     ThermalKind = iota // M104
	HotendTargetWait                    // M109
	BedTarget                           // M140
	BedTargetWait                       // M190
)

// Thermal command, M104/M109/M140/M190. Recognized and forwarded to the
// heater collaborator, not interpreted by the motion core. Temperature 0
// means "off".
type Thermal struct {
	Kind        ThermalKind
	Temperature float64
	Raw         string
}

// A recognized-but-unsupported code. Logged and skipped, never fatal.
type Unsupported struct {
	Raw string
}

func (Move) isCommand()             {}
func (SetPosition) isCommand()      {}
func (Home) isCommand()             {}
func (SetExtrusionMode) isCommand() {}
func (SetMotionMode) isCommand()    {}
func (SetUnits) isCommand()         {}
func (SelectTool) isCommand()       {}
func (Dwell) isCommand()            {}
func (Thermal) isCommand()          {}
func (Unsupported) isCommand()      {}
