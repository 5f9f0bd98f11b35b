package executor

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	printd "github.com/PS-3D/3dprintd"
)

// monitorLocked inspects every drive once per tick : statusword fault
// bits and bus liveness. Fault policy per spec : abort the axis (or the
// whole machine, see AbortAll), retry an automatic reset a bounded
// number of times, then halt fatally. Bus failures back off and retry
// before halting.
func (e *Executor) monitorLocked(busErr bool) {
	seen := false
	for _, ctrl := range e.drives {
		if ctrl.ConsumeStatusSeen() {
			seen = true
		}
	}
	if busErr || !seen {
		e.busFailures++
		log.Warnf("[FAULT] bus unavailable (%d/%d)", e.busFailures, e.cfg.BusRetries)
		if e.busFailures > e.cfg.BusRetries {
			e.fatalLocked(fmt.Errorf("%w after %d retries", printd.ErrBusTimeout, e.cfg.BusRetries))
		}
		return
	}
	e.busFailures = 0

	for _, axis := range printd.Axes {
		ctrl := e.drives[axis]
		fault := ctrl.ConsumeFault()
		if fault == nil {
			continue
		}
		e.lastFault = fault
		log.Errorf("[FAULT] axis %v : %v", axis, fault)

		// The drive aborted its own motion when the fault bit rose,
		// drop the axis from the active segment so its completion is
		// not waited for
		if e.cfg.AbortAll {
			e.abortAllLocked()
			if e.state == Printing {
				e.state = Paused
			}
		} else if e.active != nil {
			e.active.axes = removeAxis(e.active.axes, axis)
			if len(e.active.axes) == 0 {
				e.active = nil
			}
		}

		node := ctrl.Node()
		if e.resetCount[node] >= e.cfg.ResetRetries {
			e.fatalLocked(fault)
			return
		}
		e.resetCount[node]++
		log.Infof("[FAULT] automatic reset of x%x (%d/%d)", node, e.resetCount[node], e.cfg.ResetRetries)
		if err := ctrl.ResetFault(); err != nil {
			log.Warnf("[FAULT] reset failed : %v", err)
		}
		// Walk the drive back up, the machine stays usable if the
		// fault condition is gone
		ctrl.RequestEnable()
	}
}

// fatalLocked halts the machine for good : the job stops, every drive
// is de-energized and all further calls fail with the halt error.
func (e *Executor) fatalLocked(cause error) {
	e.fatal = fmt.Errorf("%w : %v", ErrFatalHalt, cause)
	log.Errorf("[FAULT] %v", e.fatal)
	e.abortAllLocked()
	e.state = Stopped
	for _, ctrl := range e.drives {
		ctrl.Disable()
	}
	for _, axis := range printd.Axes {
		e.drives[axis].Process()
	}
}

func removeAxis(axes []printd.Axis, axis printd.Axis) []printd.Axis {
	for i, a := range axes {
		if a == axis {
			return append(axes[:i], axes[i+1:]...)
		}
	}
	return axes
}
