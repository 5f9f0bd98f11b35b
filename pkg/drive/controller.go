// Package drive implements the per-node CiA-402 drive controller : it
// walks a drive along the enable chain one controlword per tick,
// observes the statusword coming back and gates target position writes
// on the Operation-Enabled state.
package drive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	printd "github.com/PS-3D/3dprintd"
	"github.com/PS-3D/3dprintd/pkg/cia402"
	"github.com/PS-3D/3dprintd/pkg/sdo"
)

// Returned by SetTargetPosition while the drive is not Operation-Enabled.
// This is a sequencing error of the caller, no bus write happens.
var ErrNotEnabled = errors.New("drive not operation enabled")

// A fault reported by a drive
type FaultError struct {
	Node uint8
	Code uint16
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("drive x%x fault x%04x", e.Node, e.Code)
}

// ProfileConfig is written to the drive over SDO during setup
type ProfileConfig struct {
	Velocity uint32 // steps/s
	Accel    uint32 // steps/s^2
	Decel    uint32 // steps/s^2
	// Software position limits in steps, written when HasLimit is set.
	// The drive refuses targets outside the range on its own.
	HasLimit bool
	MinLimit int32
	MaxLimit int32
}

// Controller is the master side state machine for one drive node.
// All bus writes happen inside Process so that one executor tick
// commits the controlwords and targets of every axis together.
type Controller struct {
	mu     sync.Mutex
	bm     *printd.BusManager
	sdo    *sdo.Client
	nodeId uint8

	state       cia402.State
	target      cia402.State
	statusword  uint16
	statusSeen  bool // statusword received since last ConsumeStatusSeen
	faulted     bool
	faultCode   uint16
	faultFresh  bool
	actual      int32
	lastTarget  int32
	pending     *int32
	setpointArm bool // NewSetpoint bit is currently high
}

func NewController(bm *printd.BusManager, nodeId uint8, sdoTimeout time.Duration) *Controller {
	c := &Controller{
		bm:     bm,
		sdo:    sdo.NewClient(bm, nodeId, sdoTimeout),
		nodeId: nodeId,
		state:  cia402.NotReadyToSwitchOn,
		target: cia402.SwitchOnDisabled,
	}
	bm.Subscribe(uint32(printd.CobTPDO1)+uint32(nodeId), c)
	return c
}

// Handle receives the drive's statusword TPDO, implements
// printd.FrameListener
func (c *Controller) Handle(frame printd.Frame) {
	if frame.DLC < 6 {
		return
	}
	sw := binary.LittleEndian.Uint16(frame.Data[0:2])
	pos := int32(binary.LittleEndian.Uint32(frame.Data[2:6]))

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.statusword = sw
	c.statusSeen = true
	c.actual = pos
	c.state = cia402.StateFromStatus(sw)
	if c.state != prev {
		log.Debugf("[DRIVE][x%x] state %v -> %v", c.nodeId, prev, c.state)
	}
	if c.state == cia402.Fault && prev != cia402.Fault {
		// Entering fault aborts whatever segment was in flight
		c.pending = nil
		c.setpointArm = false
		c.faulted = true
		c.faultFresh = true
	}
	if c.state != cia402.Fault {
		c.faulted = false
	}
}

func (c *Controller) Node() uint8 {
	return c.nodeId
}

func (c *Controller) State() cia402.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Statusword() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusword
}

// ActualPosition in steps, from the last statusword TPDO
func (c *Controller) ActualPosition() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actual
}

// ConsumeStatusSeen reports whether a statusword arrived since the last
// call. The fault monitor uses this as the bus liveness signal.
func (c *Controller) ConsumeStatusSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := c.statusSeen
	c.statusSeen = false
	return seen
}

// ConsumeFault returns a pending fault report once. The error code is
// fetched over SDO the first time after the fault bit appeared.
func (c *Controller) ConsumeFault() *FaultError {
	c.mu.Lock()
	if !c.faultFresh {
		c.mu.Unlock()
		return nil
	}
	c.faultFresh = false
	c.mu.Unlock()

	code, err := c.sdo.ReadUint16(cia402.IndexErrorCode, 0)
	if err != nil {
		log.Warnf("[DRIVE][x%x] could not read error code : %v", c.nodeId, err)
	}
	c.mu.Lock()
	c.faultCode = code
	c.mu.Unlock()
	return &FaultError{Node: c.nodeId, Code: code}
}

func (c *Controller) FaultCode() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faultCode
}

// Setup configures the drive over SDO : profile position mode and the
// motion profile parameters. Must be called before enabling.
func (c *Controller) Setup(profile ProfileConfig) error {
	if err := c.sdo.WriteInt8(cia402.IndexModeOfOperation, 0, cia402.ModeProfilePosition); err != nil {
		return fmt.Errorf("set mode of operation : %w", err)
	}
	if err := c.sdo.WriteUint32(cia402.IndexProfileVelocity, 0, profile.Velocity); err != nil {
		return fmt.Errorf("set profile velocity : %w", err)
	}
	if err := c.sdo.WriteUint32(cia402.IndexProfileAccel, 0, profile.Accel); err != nil {
		return fmt.Errorf("set profile acceleration : %w", err)
	}
	if err := c.sdo.WriteUint32(cia402.IndexProfileDecel, 0, profile.Decel); err != nil {
		return fmt.Errorf("set profile deceleration : %w", err)
	}
	if profile.HasLimit {
		if err := c.sdo.WriteInt32(cia402.IndexSoftwareLimit, 1, profile.MinLimit); err != nil {
			return fmt.Errorf("set software limit min : %w", err)
		}
		if err := c.sdo.WriteInt32(cia402.IndexSoftwareLimit, 2, profile.MaxLimit); err != nil {
			return fmt.Errorf("set software limit max : %w", err)
		}
	}
	log.Infof("[DRIVE][x%x] configured : v=%d a=%d d=%d", c.nodeId, profile.Velocity, profile.Accel, profile.Decel)
	return nil
}

// RequestEnable asks the controller to walk the drive to
// Operation-Enabled over the next ticks
func (c *Controller) RequestEnable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = cia402.OperationEnabled
}

// RequestQuickStop aborts motion : drops any pending target and walks
// the drive to Quick-Stop-Active
func (c *Controller) RequestQuickStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.setpointArm = false
	c.target = cia402.QuickStopActive
}

// Disable walks the drive to Switch-On-Disabled (de-energized)
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.setpointArm = false
	c.target = cia402.SwitchOnDisabled
}

// ResetFault issues a fault reset. The drive lands in
// Switch-On-Disabled, the previous target state is kept so the enable
// chain re-runs automatically.
func (c *Controller) ResetFault() error {
	c.mu.Lock()
	if c.state != cia402.Fault {
		c.mu.Unlock()
		return fmt.Errorf("drive x%x not in fault state", c.nodeId)
	}
	c.mu.Unlock()
	log.Infof("[DRIVE][x%x] resetting fault x%04x", c.nodeId, c.FaultCode())
	return c.send(cia402.CommandFaultReset.Controlword(), c.lastTarget)
}

// SetTargetPosition queues a new target in steps for the next Process
// call. Fails with ErrNotEnabled unless the observed drive state is
// Operation-Enabled ; nothing is written to the bus in that case.
func (c *Controller) SetTargetPosition(steps int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cia402.OperationEnabled || c.target != cia402.OperationEnabled {
		return fmt.Errorf("%w (x%x is %v)", ErrNotEnabled, c.nodeId, c.state)
	}
	v := steps
	c.pending = &v
	return nil
}

// TargetReached reports bit 10 of the last statusword
func (c *Controller) TargetReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusword&cia402.StatusTargetReached != 0
}

// Process performs this node's bus writes for one executor tick :
// either one step along the enable chain, or the pending target with
// the New-Setpoint handshake.
//
// The drive latches a target on the 0 -> 1 edge of the New-Setpoint
// bit only, so a raised bit must come back down before the next target
// goes out. With a pending target every tick that alternates flush and
// lower frames, each flush a fresh rising edge.
func (c *Controller) Process() error {
	c.mu.Lock()
	state, target := c.state, c.target
	if state == target && state == cia402.OperationEnabled {
		if c.setpointArm {
			// Lower the bit first, the pending target waits one tick
			c.setpointArm = false
			steps := c.lastTarget
			c.mu.Unlock()
			return c.send(cia402.CommandEnableOperation.Controlword()|cia402.ControlChangeSetImmed, steps)
		}
		if c.pending != nil {
			steps := *c.pending
			c.pending = nil
			c.lastTarget = steps
			c.setpointArm = true
			c.mu.Unlock()
			cw := cia402.CommandEnableOperation.Controlword() | cia402.ControlNewSetpoint | cia402.ControlChangeSetImmed
			return c.send(cw, steps)
		}
		c.mu.Unlock()
		return nil
	}
	if state == target {
		c.mu.Unlock()
		return nil
	}
	if state == cia402.Fault {
		// Never reset a fault implicitly, the fault monitor owns the
		// retry budget
		c.mu.Unlock()
		return nil
	}
	cmd, ok := cia402.NextCommand(state, target)
	if !ok {
		// Not reachable from here (boot, fault reaction) : wait
		c.mu.Unlock()
		return nil
	}
	steps := c.lastTarget
	c.mu.Unlock()
	return c.send(cmd.Controlword(), steps)
}

func (c *Controller) send(controlword uint16, target int32) error {
	frame := printd.NewFrame(uint32(printd.CobRPDO1)+uint32(c.nodeId), 0, 6)
	binary.LittleEndian.PutUint16(frame.Data[0:2], controlword)
	binary.LittleEndian.PutUint32(frame.Data[2:6], uint32(target))
	return c.bm.Send(frame)
}
