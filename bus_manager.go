package printd

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Returned when the underlying bus rejects a send or a reply does not
// arrive in time. Callers treat this as a transient transport failure.
var ErrBusTimeout = errors.New("bus timeout")

// Bus manager is a wrapper around the CAN bus interface
// Used by the motion stack to route received frames to the drive
// controllers and SDO clients subscribed to specific COB-IDs
type BusManager struct {
	mu             sync.Mutex
	bus            Bus
	frameListeners map[uint32][]FrameListener
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{
		bus:            bus,
		frameListeners: make(map[uint32][]FrameListener),
	}
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	listeners := bm.frameListeners[frame.ID&CanSffMask]
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN frame on the bus
// Failures are reported as ErrBusTimeout so the executor can apply its
// retry policy without knowing about the backend
func (bm *BusManager) Send(frame Frame) error {
	bm.mu.Lock()
	bus := bm.bus
	bm.mu.Unlock()
	if bus == nil {
		return ErrBusTimeout
	}
	err := bus.Send(frame)
	if err != nil {
		log.Warnf("[CAN] send failed : %v", err)
		return errors.Join(ErrBusTimeout, err)
	}
	return nil
}

// Subscribe to a specific COB-ID
func (bm *BusManager) Subscribe(ident uint32, callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	for _, existing := range bm.frameListeners[ident] {
		if existing == callback {
			log.Warnf("[CAN] callback for frame id x%x already added", ident)
			return
		}
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
}

// Unsubscribe a listener from a specific COB-ID
func (bm *BusManager) Unsubscribe(ident uint32, callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	listeners := bm.frameListeners[ident]
	for i, existing := range listeners {
		if existing == callback {
			// Handle iterates without the lock, removal has to leave
			// the old backing array untouched
			updated := make([]FrameListener, 0, len(listeners)-1)
			updated = append(updated, listeners[:i]...)
			updated = append(updated, listeners[i+1:]...)
			bm.frameListeners[ident] = updated
			return
		}
	}
}
