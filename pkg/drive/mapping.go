package drive

import (
	"fmt"

	printd "github.com/PS-3D/3dprintd"
)

// Node describes the physical drive behind one logical axis
type Node struct {
	NodeId     uint8
	StepsPerMM float64
}

// Mapping is the static table from logical axis to drive node, built
// from configuration at startup.
type Mapping map[printd.Axis]Node

// Steps converts a position in mm to drive steps for an axis
func (m Mapping) Steps(axis printd.Axis, mm float64) int32 {
	return int32(mm*m[axis].StepsPerMM + 0.5*sign(mm))
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// Validate checks that every axis has a node and no node id is used
// twice
func (m Mapping) Validate() error {
	seen := make(map[uint8]printd.Axis, len(m))
	for _, axis := range printd.Axes {
		node, ok := m[axis]
		if !ok {
			return fmt.Errorf("axis %v has no drive node configured", axis)
		}
		if node.NodeId == 0 || node.NodeId > 127 {
			return fmt.Errorf("axis %v : invalid node id %d", axis, node.NodeId)
		}
		if other, dup := seen[node.NodeId]; dup {
			return fmt.Errorf("axes %v and %v share node id %d", other, axis, node.NodeId)
		}
		seen[node.NodeId] = axis
	}
	return nil
}
