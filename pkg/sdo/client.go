// Package sdo implements the expedited SDO transfer used to configure
// drives. All objects the motion stack touches fit in 4 bytes, so the
// segmented and block protocols are not needed.
package sdo

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	printd "github.com/PS-3D/3dprintd"
)

const DefaultTimeout = 500 * time.Millisecond

// Command specifiers
const (
	csDownload      uint8 = 0x20
	csDownloadReply uint8 = 0x60
	csUpload        uint8 = 0x40
	csUploadReply   uint8 = 0x40
	csAbort         uint8 = 0x80
	bitExpedited    uint8 = 0x02
	bitSizeShown    uint8 = 0x01
)

// Abort codes actually seen from drives, the rest is reported raw
var abortDescription = map[uint32]string{
	0x05040000: "SDO protocol timed out",
	0x06010000: "unsupported access to object",
	0x06020000: "object does not exist",
	0x06070010: "data type does not match",
	0x06090011: "sub index does not exist",
	0x06090030: "value range of parameter exceeded",
	0x08000000: "general error",
	0x08000022: "data cannot be stored in this device state",
}

// Returned when the server aborts a transfer
type AbortError struct {
	Code uint32
}

func (e *AbortError) Error() string {
	if desc, ok := abortDescription[e.Code]; ok {
		return fmt.Sprintf("sdo abort x%08x : %s", e.Code, desc)
	}
	return fmt.Sprintf("sdo abort x%08x", e.Code)
}

// Client performs expedited SDO transfers with a single server node.
// One transaction at a time.
type Client struct {
	bm      *printd.BusManager
	nodeId  uint8
	timeout time.Duration
	mu      sync.Mutex
	resp    chan printd.Frame
}

func NewClient(bm *printd.BusManager, nodeId uint8, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		bm:      bm,
		nodeId:  nodeId,
		timeout: timeout,
		resp:    make(chan printd.Frame, 1),
	}
	bm.Subscribe(uint32(printd.CobSDOReply)+uint32(nodeId), c)
	return c
}

// Handle receives server replies, implements printd.FrameListener
func (c *Client) Handle(frame printd.Frame) {
	select {
	case c.resp <- frame:
	default:
		log.Warnf("[SDO][x%x] dropping unexpected reply", c.nodeId)
	}
}

func (c *Client) transfer(req printd.Frame, index uint16, subindex uint8) (printd.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Drain a stale reply from a previously timed out transfer
	select {
	case <-c.resp:
	default:
	}
	if err := c.bm.Send(req); err != nil {
		return printd.Frame{}, err
	}
	for {
		select {
		case frame := <-c.resp:
			if binary.LittleEndian.Uint16(frame.Data[1:3]) != index || frame.Data[3] != subindex {
				// Reply to an earlier, timed out request
				continue
			}
			if frame.Data[0]&0xE0 == csAbort {
				return printd.Frame{}, &AbortError{Code: binary.LittleEndian.Uint32(frame.Data[4:8])}
			}
			return frame, nil
		case <-time.After(c.timeout):
			log.Warnf("[SDO][x%x] timeout on x%04x:%d", c.nodeId, index, subindex)
			return printd.Frame{}, printd.ErrBusTimeout
		}
	}
}

// Download writes up to 4 bytes to index:subindex on the server
func (c *Client) Download(index uint16, subindex uint8, data []byte) error {
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("expedited download needs 1-4 bytes, got %d", len(data))
	}
	req := printd.NewFrame(uint32(printd.CobSDO)+uint32(c.nodeId), 0, 8)
	req.Data[0] = csDownload | uint8(4-len(data))<<2 | bitExpedited | bitSizeShown
	binary.LittleEndian.PutUint16(req.Data[1:3], index)
	req.Data[3] = subindex
	copy(req.Data[4:], data)
	_, err := c.transfer(req, index, subindex)
	return err
}

// Upload reads up to 4 bytes from index:subindex on the server
func (c *Client) Upload(index uint16, subindex uint8) ([]byte, error) {
	req := printd.NewFrame(uint32(printd.CobSDO)+uint32(c.nodeId), 0, 8)
	req.Data[0] = csUpload
	binary.LittleEndian.PutUint16(req.Data[1:3], index)
	req.Data[3] = subindex
	reply, err := c.transfer(req, index, subindex)
	if err != nil {
		return nil, err
	}
	if reply.Data[0]&bitExpedited == 0 {
		return nil, fmt.Errorf("server answered with non expedited transfer")
	}
	size := 4
	if reply.Data[0]&bitSizeShown != 0 {
		size = 4 - int(reply.Data[0]>>2&0x03)
	}
	data := make([]byte, size)
	copy(data, reply.Data[4:4+size])
	return data, nil
}

func (c *Client) WriteUint8(index uint16, subindex uint8, value uint8) error {
	return c.Download(index, subindex, []byte{value})
}

func (c *Client) WriteInt8(index uint16, subindex uint8, value int8) error {
	return c.Download(index, subindex, []byte{uint8(value)})
}

func (c *Client) WriteUint16(index uint16, subindex uint8, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return c.Download(index, subindex, buf[:])
}

func (c *Client) WriteUint32(index uint16, subindex uint8, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return c.Download(index, subindex, buf[:])
}

func (c *Client) WriteInt32(index uint16, subindex uint8, value int32) error {
	return c.WriteUint32(index, subindex, uint32(value))
}

func (c *Client) ReadUint16(index uint16, subindex uint8) (uint16, error) {
	data, err := c.Upload(index, subindex)
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return uint16(data[0]), nil
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (c *Client) ReadUint32(index uint16, subindex uint8) (uint32, error) {
	data, err := c.Upload(index, subindex)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:]), nil
}
