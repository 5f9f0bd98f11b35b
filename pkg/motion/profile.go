package motion

import "math"

// A trapezoidal velocity profile over a path of given length. Velocity
// ramps to vPeak with constant accel, cruises, ramps back down. When the
// path is too short to reach the requested velocity the profile
// degenerates to a triangle.
type profile struct {
	length  float64 // mm along the path
	vPeak   float64 // mm/s actually reached
	accel   float64 // mm/s^2
	tAccel  float64 // s
	tCruise float64 // s
}

func newProfile(length, vMax, accel float64) profile {
	if length <= 0 || vMax <= 0 || accel <= 0 {
		return profile{}
	}
	vPeak := vMax
	// Distance needed to ramp up and down again
	if accel*length < vMax*vMax {
		vPeak = math.Sqrt(accel * length)
	}
	tAccel := vPeak / accel
	tCruise := (length - vPeak*tAccel) / vPeak
	if tCruise < 0 {
		tCruise = 0
	}
	return profile{
		length:  length,
		vPeak:   vPeak,
		accel:   accel,
		tAccel:  tAccel,
		tCruise: tCruise,
	}
}

func (p profile) duration() float64 {
	return 2*p.tAccel + p.tCruise
}

// distanceAt returns the path distance covered after t seconds.
// Monotonic in t, clamped to [0, length].
func (p profile) distanceAt(t float64) float64 {
	if t <= 0 || p.length == 0 {
		return 0
	}
	total := p.duration()
	if t >= total {
		return p.length
	}
	switch {
	case t < p.tAccel:
		return 0.5 * p.accel * t * t
	case t < p.tAccel+p.tCruise:
		return 0.5*p.accel*p.tAccel*p.tAccel + p.vPeak*(t-p.tAccel)
	default:
		remaining := total - t
		return p.length - 0.5*p.accel*remaining*remaining
	}
}
