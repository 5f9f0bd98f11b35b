package printd

const CanRtrFlag uint32 = 0x40000000
const CanSffMask uint32 = 0x000007FF

// CANopen function codes used on the bus, added to the node id
// to form the COB-ID of a frame
const (
	CobNMT       uint16 = 0x000
	CobEmergency uint16 = 0x080
	CobTPDO1     uint16 = 0x180
	CobRPDO1     uint16 = 0x200
	CobSDOReply  uint16 = 0x580
	CobSDO       uint16 = 0x600
	CobHeartbeat uint16 = 0x700
)

// A CAN frame
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}
