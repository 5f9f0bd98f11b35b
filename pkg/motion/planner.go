// Package motion turns parsed move commands into acceleration limited,
// time synchronized per-axis trajectories.
package motion

import (
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	printd "github.com/PS-3D/3dprintd"
	"github.com/PS-3D/3dprintd/pkg/gcode"
)

// Returned when a move would leave the configured travel range
var ErrLimitExceeded = errors.New("limit exceeded")

// Returned when a move carries no feedrate and none was seen before
var ErrNoFeedrate = errors.New("move without feedrate")

const epsilon = 1e-9

// Limits of a single axis
type Limits struct {
	HasTravel   bool    // E has none
	Min, Max    float64 // mm
	MaxFeedrate float64 // mm/min
	MaxAccel    float64 // mm/s^2
}

type Planner struct {
	limits map[printd.Axis]Limits
}

func NewPlanner(limits map[printd.Axis]Limits) *Planner {
	return &Planner{limits: limits}
}

func (p *Planner) Limits(axis printd.Axis) Limits {
	return p.limits[axis]
}

// A planned trajectory for one G-code move. All participating axes
// share the profile's time base so they arrive together. Immutable once
// planned.
type Segment struct {
	Start    map[printd.Axis]float64 // mm
	Target   map[printd.Axis]float64 // mm
	Feedrate float64                 // mm/min, as requested
	prof     profile
}

// Duration of the whole segment
func (s *Segment) Duration() time.Duration {
	return time.Duration(s.prof.duration() * float64(time.Second))
}

// Axes participating in the segment (non zero delta)
func (s *Segment) Axes() []printd.Axis {
	var axes []printd.Axis
	for _, axis := range printd.Axes {
		if math.Abs(s.Target[axis]-s.Start[axis]) > epsilon {
			axes = append(axes, axis)
		}
	}
	return axes
}

// Setpoint returns the position of one axis t after segment start.
// Monotonic in t for every axis, equal to Target at or after Duration.
func (s *Segment) Setpoint(axis printd.Axis, t time.Duration) float64 {
	start, target := s.Start[axis], s.Target[axis]
	if s.prof.length == 0 {
		return target
	}
	frac := s.prof.distanceAt(t.Seconds()) / s.prof.length
	return start + (target-start)*frac
}

// Plan computes the trajectory for a move in the given context. The
// context is not modified, the executor commits position and feedrate
// changes itself.
//
// The dominant constraint wins : the requested feedrate applies along
// the cartesian path (or the E delta for extrusion-only moves) and is
// scaled down until every participating axis respects its own feedrate
// and acceleration bound, so all axes finish at the same instant.
func (p *Planner) Plan(ctx *Context, mv gcode.Move) (*Segment, error) {
	feed := ctx.Feedrate
	if mv.HasFeed {
		feed = mv.Feedrate
	} else if !ctx.HasFeedrate {
		return nil, ErrNoFeedrate
	}
	if feed <= 0 {
		return nil, fmt.Errorf("%w : feedrate %v", ErrLimitExceeded, feed)
	}

	seg := &Segment{
		Start:    make(map[printd.Axis]float64, len(printd.Axes)),
		Target:   make(map[printd.Axis]float64, len(printd.Axes)),
		Feedrate: feed,
	}
	for _, axis := range printd.Axes {
		seg.Start[axis] = ctx.Position[axis]
		seg.Target[axis] = ctx.Position[axis]
	}

	// Resolve absolute targets. Absolute coordinates come in program
	// space and are shifted by the G92 offset into machine space.
	for axis, value := range mv.Axes {
		absolute := ctx.AbsoluteXYZ
		if axis == printd.AxisE {
			absolute = ctx.AbsoluteE
		}
		if absolute {
			seg.Target[axis] = value + ctx.Offset[axis]
		} else {
			seg.Target[axis] += value
		}
		limits := p.limits[axis]
		if limits.HasTravel && (seg.Target[axis] < limits.Min-epsilon || seg.Target[axis] > limits.Max+epsilon) {
			return nil, fmt.Errorf("%w : %v target %.3f outside [%.3f, %.3f]",
				ErrLimitExceeded, axis, seg.Target[axis], limits.Min, limits.Max)
		}
	}

	// Path length : cartesian distance, or the extrusion distance for
	// E-only moves
	var cart float64
	for _, axis := range []printd.Axis{printd.AxisX, printd.AxisY, printd.AxisZ} {
		d := seg.Target[axis] - seg.Start[axis]
		cart += d * d
	}
	length := math.Sqrt(cart)
	if length < epsilon {
		length = math.Abs(seg.Target[printd.AxisE] - seg.Start[printd.AxisE])
	}
	if length < epsilon {
		// Nothing moves, zero duration segment
		return seg, nil
	}

	// Scale path velocity and acceleration down until every axis is
	// within its own bounds
	v := feed / 60.0
	accel := math.Inf(1)
	for _, axis := range printd.Axes {
		d := math.Abs(seg.Target[axis] - seg.Start[axis])
		if d < epsilon {
			continue
		}
		limits := p.limits[axis]
		if limits.MaxFeedrate > 0 {
			vAxisMax := limits.MaxFeedrate / 60.0 * length / d
			if v > vAxisMax {
				v = vAxisMax
			}
		}
		if limits.MaxAccel > 0 {
			aAxisMax := limits.MaxAccel * length / d
			if accel > aAxisMax {
				accel = aAxisMax
			}
		}
	}
	if math.IsInf(accel, 1) {
		return nil, fmt.Errorf("no acceleration limit configured for any participating axis")
	}

	seg.prof = newProfile(length, v, accel)
	log.Debugf("[PLANNER] planned segment length %.3fmm v %.3fmm/s a %.3fmm/s2 duration %v",
		length, seg.prof.vPeak, accel, seg.Duration())
	return seg, nil
}
