package executor

import (
	printd "github.com/PS-3D/3dprintd"
)

// DriveStatus is a snapshot of one drive node
type DriveStatus struct {
	Axis       string `json:"axis"`
	Node       uint8  `json:"node"`
	State      string `json:"state"`
	Statusword uint16 `json:"statusword"`
	Actual     int32  `json:"actual"` // steps, from the last statusword TPDO
	FaultCode  uint16 `json:"fault_code,omitempty"`
}

// Status is a snapshot of the whole machine, served by the gateway
type Status struct {
	Job      string             `json:"job"`
	Line     int                `json:"line"`
	Position map[string]float64 `json:"position"`
	Drives   []DriveStatus      `json:"drives"`
	Fault    string             `json:"fault,omitempty"`
	Fatal    string             `json:"fatal,omitempty"`
}

func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Job:      e.state.String(),
		Line:     e.line,
		Position: make(map[string]float64, len(printd.Axes)),
	}
	for _, axis := range printd.Axes {
		// Report program coordinates, the ones G-code speaks
		st.Position[axis.String()] = e.ctx.Position[axis] - e.ctx.Offset[axis]
		ctrl := e.drives[axis]
		st.Drives = append(st.Drives, DriveStatus{
			Axis:       axis.String(),
			Node:       ctrl.Node(),
			State:      ctrl.State().String(),
			Statusword: ctrl.Statusword(),
			Actual:     ctrl.ActualPosition(),
			FaultCode:  ctrl.FaultCode(),
		})
	}
	if e.lastFault != nil {
		st.Fault = e.lastFault.Error()
	}
	if e.fatal != nil {
		st.Fatal = e.fatal.Error()
	}
	return st
}
