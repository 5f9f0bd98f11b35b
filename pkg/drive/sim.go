package drive

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"

	printd "github.com/PS-3D/3dprintd"
	"github.com/PS-3D/3dprintd/pkg/cia402"
)

// Sim is a simulated CiA-402 drive living on a CAN bus. It follows
// controlword commands, publishes its statusword as TPDO1, answers
// expedited SDO requests and supports fault injection. Used by the test
// suite and by `printd -sim`.
//
// The simulated motor is ideal : the actual position snaps to the
// target as soon as a setpoint is accepted. The master streams
// discretized setpoints every tick anyway, so this reproduces the wire
// traffic of a real drive without the physics.
type Sim struct {
	mu      sync.Mutex
	bm      *printd.BusManager
	nodeId  uint8
	state   cia402.State
	target  int32
	actual  int32
	fault   uint16
	prevCW  uint16 // last controlword seen, for New-Setpoint edge detection
	ack     bool   // Setpoint-Acknowledge, mirrors an accepted New-Setpoint
	objects map[uint32][]byte
}

// NewSim attaches a simulated drive to the given bus connection. The
// connection must be separate from the master's (two clients on one
// virtual channel, like two nodes on a real bus).
func NewSim(bus printd.Bus, nodeId uint8) (*Sim, error) {
	s := &Sim{
		bm:      printd.NewBusManager(bus),
		nodeId:  nodeId,
		state:   cia402.SwitchOnDisabled,
		objects: make(map[uint32][]byte),
	}
	if err := bus.Connect(); err != nil {
		return nil, err
	}
	if err := bus.Subscribe(s.bm); err != nil {
		return nil, err
	}
	s.bm.Subscribe(uint32(printd.CobRPDO1)+uint32(nodeId), frameFunc(s.handleRPDO))
	s.bm.Subscribe(uint32(printd.CobSDO)+uint32(nodeId), frameFunc(s.handleSDO))
	return s, nil
}

type frameFunc func(printd.Frame)

func (f frameFunc) Handle(frame printd.Frame) { f(frame) }

func (s *Sim) State() cia402.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sim) ActualPosition() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actual
}

// InjectFault puts the drive into the Fault state with the given error
// code, aborting whatever it was doing. Visible on the next Process.
func (s *Sim) InjectFault(code uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = code
	s.state = cia402.Fault
	log.Debugf("[SIM][x%x] fault x%04x injected", s.nodeId, code)
}

func (s *Sim) handleRPDO(frame printd.Frame) {
	if frame.DLC < 6 {
		return
	}
	cw := binary.LittleEndian.Uint16(frame.Data[0:2])
	target := int32(binary.LittleEndian.Uint32(frame.Data[2:6]))
	cmd, ok := cia402.CommandFromControlword(cw)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	newSetpoint := cw&cia402.ControlNewSetpoint != 0 && s.prevCW&cia402.ControlNewSetpoint == 0
	s.prevCW = cw
	if cw&cia402.ControlNewSetpoint == 0 {
		s.ack = false
	}
	switch cmd {
	case cia402.CommandFaultReset:
		if s.state == cia402.Fault {
			s.fault = 0
			s.state = cia402.SwitchOnDisabled
		}
		return
	case cia402.CommandDisableVoltage:
		if s.state != cia402.Fault {
			s.state = cia402.SwitchOnDisabled
		}
		return
	}
	if s.state == cia402.Fault {
		return
	}
	switch cmd {
	case cia402.CommandShutdown:
		switch s.state {
		case cia402.SwitchOnDisabled, cia402.SwitchedOn, cia402.OperationEnabled:
			s.state = cia402.ReadyToSwitchOn
		}
	case cia402.CommandSwitchOn:
		switch s.state {
		case cia402.ReadyToSwitchOn, cia402.OperationEnabled:
			s.state = cia402.SwitchedOn
		}
	case cia402.CommandQuickStop:
		switch s.state {
		case cia402.OperationEnabled:
			s.state = cia402.QuickStopActive
		case cia402.ReadyToSwitchOn, cia402.SwitchedOn:
			s.state = cia402.SwitchOnDisabled
		}
	case cia402.CommandEnableOperation:
		switch s.state {
		case cia402.SwitchedOn, cia402.QuickStopActive:
			s.state = cia402.OperationEnabled
		}
		// A target is latched on the rising edge of New-Setpoint only,
		// a bit held high carries no further targets
		if s.state == cia402.OperationEnabled && newSetpoint {
			s.target = target
			s.actual = target
			s.ack = true
		}
	}
}

func (s *Sim) handleSDO(frame printd.Frame) {
	if frame.DLC < 4 {
		return
	}
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	subindex := frame.Data[3]
	key := uint32(index)<<8 | uint32(subindex)

	reply := printd.NewFrame(uint32(printd.CobSDOReply)+uint32(s.nodeId), 0, 8)
	binary.LittleEndian.PutUint16(reply.Data[1:3], index)
	reply.Data[3] = subindex

	switch frame.Data[0] & 0xE0 {
	case 0x20: // expedited download
		size := 4 - int(frame.Data[0]>>2&0x03)
		data := make([]byte, size)
		copy(data, frame.Data[4:4+size])
		s.mu.Lock()
		s.objects[key] = data
		s.mu.Unlock()
		reply.Data[0] = 0x60
	case 0x40: // upload
		s.mu.Lock()
		data, ok := s.objects[key]
		if index == cia402.IndexErrorCode {
			data = make([]byte, 2)
			binary.LittleEndian.PutUint16(data, s.fault)
			ok = true
		}
		s.mu.Unlock()
		if !ok {
			reply.Data[0] = 0x80
			binary.LittleEndian.PutUint32(reply.Data[4:8], 0x06020000) // object does not exist
			break
		}
		if len(data) > 4 {
			data = data[:4]
		}
		reply.Data[0] = 0x40 | uint8(4-len(data))<<2 | 0x03
		copy(reply.Data[4:], data)
	default:
		return
	}
	if err := s.bm.Send(reply); err != nil {
		log.Warnf("[SIM][x%x] sdo reply failed : %v", s.nodeId, err)
	}
}

// Object returns a value previously written to the simulated object
// dictionary over SDO
func (s *Sim) Object(index uint16, subindex uint8) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[uint32(index)<<8|uint32(subindex)]
	return data, ok
}

// Process publishes the drive's statusword TPDO. Call once per bus
// tick.
func (s *Sim) Process() error {
	s.mu.Lock()
	sw := cia402.StatusBits(s.state)
	if s.actual == s.target {
		sw |= cia402.StatusTargetReached
	}
	if s.ack {
		sw |= cia402.StatusSetpointAck
	}
	actual := s.actual
	s.mu.Unlock()

	frame := printd.NewFrame(uint32(printd.CobTPDO1)+uint32(s.nodeId), 0, 6)
	binary.LittleEndian.PutUint16(frame.Data[0:2], sw)
	binary.LittleEndian.PutUint32(frame.Data[2:6], uint32(actual))
	return s.bm.Send(frame)
}
