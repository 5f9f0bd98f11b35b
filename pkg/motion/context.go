package motion

import (
	printd "github.com/PS-3D/3dprintd"
)

// Context is the execution context threaded through the executor : the
// program position per axis, the persistent feedrate and the active
// coordinate modes. It is owned by the executor and only ever mutated
// between commands, the planner reads it.
type Context struct {
	Position map[printd.Axis]float64 // mm, physical machine coordinates
	// Program-to-physical offset per axis, set by G92 :
	// physical = program + offset. Zero after homing.
	Offset      map[printd.Axis]float64
	Feedrate    float64 // mm/min
	HasFeedrate bool
	AbsoluteXYZ bool
	AbsoluteE   bool
	Tool        int
}

// NewContext returns a context with the conventional printer defaults :
// absolute cartesian coordinates, relative extrusion, no feedrate yet.
func NewContext() *Context {
	pos := make(map[printd.Axis]float64, len(printd.Axes))
	off := make(map[printd.Axis]float64, len(printd.Axes))
	for _, axis := range printd.Axes {
		pos[axis] = 0
		off[axis] = 0
	}
	return &Context{
		Position:    pos,
		Offset:      off,
		AbsoluteXYZ: true,
		AbsoluteE:   false,
	}
}

// Reset restores the per-job state. Positions are kept, they still
// describe where the machine physically is.
func (c *Context) Reset() {
	c.Feedrate = 0
	c.HasFeedrate = false
	c.AbsoluteXYZ = true
	c.AbsoluteE = false
}
