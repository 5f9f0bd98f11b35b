// Package socketcan adapts the linux socketcan interface, through
// brutella/can, to the printd Bus contract.
package socketcan

import (
	"github.com/brutella/can"

	printd "github.com/PS-3D/3dprintd"
	pcan "github.com/PS-3D/3dprintd/pkg/can"
)

func init() {
	pcan.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketCanBus struct {
	bus        *can.Bus
	rxCallback printd.FrameListener
}

func NewSocketCanBus(name string) (printd.Bus, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketCanBus{bus: bus}, nil
}

// "Connect" implementation of Bus interface
func (socketcan *SocketCanBus) Connect(...any) error {
	go socketcan.bus.ConnectAndPublish()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketCanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketCanBus) Send(frame printd.Frame) error {
	return socketcan.bus.Publish(
		can.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Data:   frame.Data,
		})
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketCanBus) Subscribe(rxCallback printd.FrameListener) error {
	socketcan.rxCallback = rxCallback
	// brutella/can defines its own "Handle" interface for received frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketCanBus) Handle(frame can.Frame) {
	if socketcan.rxCallback == nil {
		return
	}
	socketcan.rxCallback.Handle(printd.Frame{
		ID:    frame.ID,
		DLC:   frame.Length,
		Flags: frame.Flags,
		Data:  frame.Data,
	})
}
