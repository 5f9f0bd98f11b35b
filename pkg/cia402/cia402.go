// Package cia402 models the CiA-402 drive profile state machine and the
// controlword/statusword bit layouts, as used by Nanotec CANopen drives.
// The state graph is kept as explicit tables so it can be audited
// against the standard.
package cia402

// Object dictionary entries of the profile that the stack touches
const (
	IndexControlword     uint16 = 0x6040
	IndexStatusword      uint16 = 0x6041
	IndexQuickStopOption uint16 = 0x605A
	IndexModeOfOperation uint16 = 0x6060
	IndexErrorCode       uint16 = 0x603F
	IndexActualPosition  uint16 = 0x6064
	IndexTargetPosition  uint16 = 0x607A
	IndexProfileVelocity uint16 = 0x6081
	IndexProfileAccel    uint16 = 0x6083
	IndexProfileDecel    uint16 = 0x6084
	IndexSoftwareLimit   uint16 = 0x607D // sub 1 min, sub 2 max
)

// Modes of operation (0x6060)
const (
	ModeProfilePosition int8 = 1
	ModeHoming          int8 = 6
)

// Statusword bits
const (
	StatusReadyToSwitchOn  uint16 = 1 << 0
	StatusSwitchedOn       uint16 = 1 << 1
	StatusOperationEnabled uint16 = 1 << 2
	StatusFault            uint16 = 1 << 3
	StatusVoltageEnabled   uint16 = 1 << 4
	StatusQuickStop        uint16 = 1 << 5 // active low
	StatusSwitchOnDisabled uint16 = 1 << 6
	StatusWarning          uint16 = 1 << 7
	StatusTargetReached    uint16 = 1 << 10
	StatusSetpointAck      uint16 = 1 << 12
)

// Controlword bits
const (
	ControlSwitchOn        uint16 = 1 << 0
	ControlEnableVoltage   uint16 = 1 << 1
	ControlQuickStop       uint16 = 1 << 2 // active low
	ControlEnableOperation uint16 = 1 << 3
	ControlNewSetpoint     uint16 = 1 << 4
	ControlChangeSetImmed  uint16 = 1 << 5
	ControlRelative        uint16 = 1 << 6
	ControlFaultReset      uint16 = 1 << 7
	ControlHalt            uint16 = 1 << 8
)

// Drive states per CiA-402 figure 2
type State uint8

const (
	NotReadyToSwitchOn State = iota
	SwitchOnDisabled
	ReadyToSwitchOn
	SwitchedOn
	OperationEnabled
	QuickStopActive
	FaultReactionActive
	Fault
)

var stateDescription = map[State]string{
	NotReadyToSwitchOn:  "NOT-READY-TO-SWITCH-ON",
	SwitchOnDisabled:    "SWITCH-ON-DISABLED",
	ReadyToSwitchOn:     "READY-TO-SWITCH-ON",
	SwitchedOn:          "SWITCHED-ON",
	OperationEnabled:    "OPERATION-ENABLED",
	QuickStopActive:     "QUICK-STOP-ACTIVE",
	FaultReactionActive: "FAULT-REACTION-ACTIVE",
	Fault:               "FAULT",
}

func (s State) String() string {
	if desc, ok := stateDescription[s]; ok {
		return desc
	}
	return "UNKNOWN"
}

// Commands a master can put on the controlword. Each command is a bit
// pattern over controlword bits 0-3 and 7.
type Command uint8

const (
	CommandShutdown        Command = iota // -> ReadyToSwitchOn
	CommandSwitchOn                       // -> SwitchedOn
	CommandEnableOperation                // -> OperationEnabled
	CommandDisableVoltage                 // -> SwitchOnDisabled
	CommandQuickStop                      // -> QuickStopActive
	CommandFaultReset                     // Fault -> SwitchOnDisabled
)

// Controlword bit patterns per CiA-402 table 27. QuickStop and
// EnableVoltage are active low on the wire, hence Shutdown = 0x06.
var commandBits = map[Command]uint16{
	CommandShutdown:        ControlEnableVoltage | ControlQuickStop,
	CommandSwitchOn:        ControlSwitchOn | ControlEnableVoltage | ControlQuickStop,
	CommandEnableOperation: ControlSwitchOn | ControlEnableVoltage | ControlQuickStop | ControlEnableOperation,
	CommandDisableVoltage:  0,
	CommandQuickStop:       ControlEnableVoltage,
	CommandFaultReset:      ControlFaultReset,
}

// Controlword returns the wire pattern for a command
func (c Command) Controlword() uint16 {
	return commandBits[c]
}

// CommandFromControlword decodes the command encoded in a controlword,
// used by the drive side (and the simulator) to react to masters.
func CommandFromControlword(cw uint16) (Command, bool) {
	if cw&ControlFaultReset != 0 {
		return CommandFaultReset, true
	}
	switch cw & (ControlSwitchOn | ControlEnableVoltage | ControlQuickStop | ControlEnableOperation) {
	case commandBits[CommandEnableOperation]:
		return CommandEnableOperation, true
	case commandBits[CommandSwitchOn]:
		return CommandSwitchOn, true
	case commandBits[CommandShutdown]:
		return CommandShutdown, true
	case commandBits[CommandQuickStop]:
		return CommandQuickStop, true
	case 0:
		return CommandDisableVoltage, true
	}
	return 0, false
}

// StateFromStatus decodes the drive state from a statusword, per
// CiA-402 table 40. Bits outside the state mask (warning, target
// reached, ...) are ignored.
func StateFromStatus(sw uint16) State {
	switch sw & 0x4F {
	case 0x00:
		return NotReadyToSwitchOn
	case 0x40:
		return SwitchOnDisabled
	case 0x0F:
		return FaultReactionActive
	case 0x08:
		return Fault
	}
	switch sw & 0x6F {
	case 0x21:
		return ReadyToSwitchOn
	case 0x23:
		return SwitchedOn
	case 0x27:
		return OperationEnabled
	case 0x07:
		return QuickStopActive
	}
	return NotReadyToSwitchOn
}

// StatusBits returns the canonical statusword state bits for a state,
// the inverse of StateFromStatus. Used by drives (and the simulator) to
// publish their state.
func StatusBits(s State) uint16 {
	switch s {
	case SwitchOnDisabled:
		return 0x40
	case ReadyToSwitchOn:
		return 0x21
	case SwitchedOn:
		return 0x23 | StatusVoltageEnabled
	case OperationEnabled:
		return 0x27 | StatusVoltageEnabled
	case QuickStopActive:
		return 0x07 | StatusVoltageEnabled
	case FaultReactionActive:
		return 0x0F
	case Fault:
		return 0x08
	}
	return 0x00
}

// Transition table of the enable chain : for a given observed state,
// the command that moves one step towards the requested state. A false
// second return means the drive cannot get there from here and the
// master has to wait (NotReadyToSwitchOn, FaultReactionActive) or reset
// the fault first.
func NextCommand(current, target State) (Command, bool) {
	if current == target {
		return 0, false
	}
	switch current {
	case SwitchOnDisabled:
		switch target {
		case ReadyToSwitchOn, SwitchedOn, OperationEnabled:
			return CommandShutdown, true
		}
	case ReadyToSwitchOn:
		switch target {
		case SwitchedOn, OperationEnabled:
			return CommandSwitchOn, true
		case SwitchOnDisabled:
			return CommandDisableVoltage, true
		}
	case SwitchedOn:
		switch target {
		case OperationEnabled:
			return CommandEnableOperation, true
		case ReadyToSwitchOn:
			return CommandShutdown, true
		case SwitchOnDisabled:
			return CommandDisableVoltage, true
		}
	case OperationEnabled:
		switch target {
		case SwitchedOn:
			return CommandSwitchOn, true
		case ReadyToSwitchOn:
			return CommandShutdown, true
		case SwitchOnDisabled:
			return CommandDisableVoltage, true
		case QuickStopActive:
			return CommandQuickStop, true
		}
	case QuickStopActive:
		switch target {
		case SwitchOnDisabled:
			return CommandDisableVoltage, true
		// Transition 16, optional in the standard but implemented by
		// the Nanotec drives
		case OperationEnabled:
			return CommandEnableOperation, true
		}
	case Fault:
		// Any way out of Fault starts with a reset
		return CommandFaultReset, true
	}
	return 0, false
}
