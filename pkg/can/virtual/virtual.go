// Package virtual implements an in-memory CAN bus used by the test
// suite and by demo mode. All buses created with the same channel name
// share one broker, a frame sent by one client is delivered to every
// other client on the channel.
package virtual

import (
	"errors"
	"sync"

	printd "github.com/PS-3D/3dprintd"
	can "github.com/PS-3D/3dprintd/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*broker)
)

// A broker fans frames out to every bus attached to a channel
type broker struct {
	mu      sync.Mutex
	clients []*VirtualCanBus
}

func getBroker(channel string) *broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	b, ok := brokers[channel]
	if !ok {
		b = &broker{}
		brokers[channel] = b
	}
	return b
}

func (b *broker) attach(client *VirtualCanBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients = append(b.clients, client)
}

func (b *broker) detach(client *VirtualCanBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.clients {
		if c == client {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			return
		}
	}
}

// Frames are delivered synchronously, in send order, which keeps tests
// deterministic. Handlers must not block.
func (b *broker) publish(from *VirtualCanBus, frame printd.Frame) {
	b.mu.Lock()
	clients := make([]*VirtualCanBus, len(b.clients))
	copy(clients, b.clients)
	b.mu.Unlock()
	for _, c := range clients {
		if c == from && !c.receiveOwn {
			continue
		}
		c.deliver(frame)
	}
}

type VirtualCanBus struct {
	mu           sync.Mutex
	channel      string
	broker       *broker
	framehandler printd.FrameListener
	receiveOwn   bool
	connected    bool
}

func NewVirtualCanBus(channel string) (printd.Bus, error) {
	return &VirtualCanBus{channel: channel}, nil
}

// "Connect" implementation of Bus interface
func (b *VirtualCanBus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.broker = getBroker(b.channel)
	b.broker.attach(b)
	b.connected = true
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *VirtualCanBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.broker.detach(b)
	b.connected = false
	return nil
}

// "Send" implementation of Bus interface
func (b *VirtualCanBus) Send(frame printd.Frame) error {
	b.mu.Lock()
	broker := b.broker
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return errors.New("virtual bus not connected")
	}
	broker.publish(b, frame)
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *VirtualCanBus) Subscribe(framehandler printd.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

// Set whether the bus should also receive its own sent frames
func (b *VirtualCanBus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

func (b *VirtualCanBus) deliver(frame printd.Frame) {
	b.mu.Lock()
	handler := b.framehandler
	b.mu.Unlock()
	if handler != nil {
		handler.Handle(frame)
	}
}
