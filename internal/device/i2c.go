package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/vwax/roadtest/internal/vhost"
	"github.com/vwax/roadtest/internal/virtqueue"
)

// virtio-i2c wire layout, per the upstream UAPI.
const (
	i2cOutHdrSize = 8 // {addr u16, padding u16, flags u32}

	i2cStatusOK  = 0
	i2cStatusErr = 1

	// VIRTIO_I2C_F_ZERO_LENGTH_REQUEST
	i2cFeatureZeroLength = 1 << 0

	i2cQueueSize = 256
)

// I2C is the virtio-i2c adapter personality: one request queue whose
// elements carry a fixed out header plus optional write payload and a
// trailing status byte.
type I2C struct {
	model I2CModel
}

// NewI2C creates the I2C personality backed by model.
func NewI2C(model I2CModel) *I2C {
	return &I2C{model: model}
}

func (i *I2C) DeviceName() string { return "i2c" }

func (i *I2C) NumQueues() int { return 1 }

func (i *I2C) QueueMaxSize(int) uint16 { return i2cQueueSize }

func (i *I2C) DeviceFeatures() uint64 {
	return vhost.FeatureVersion1 | i2cFeatureZeroLength
}

func (i *I2C) ProtocolFeatures() uint64 { return 0 }

func (i *I2C) ReadConfig(offset, size uint32) ([]byte, error) {
	return nil, fmt.Errorf("i2c: no config space")
}

func (i *I2C) WriteConfig(offset uint32, data []byte) error {
	return fmt.Errorf("i2c: no config space")
}

func (i *I2C) Disconnect(d *vhost.Device) {}

// ProcessQueue drains the request queue. Recognized topologies:
//
//	out={hdr} or {hdr,payload}, in={status}           write
//	out={hdr},                  in={data, status}     read
//
// Anything else is a protocol violation and terminates the device.
func (i *I2C) ProcessQueue(d *vhost.Device, index int) error {
	return drainQueue(d, index, i.processElement)
}

func (i *I2C) processElement(q *virtqueue.Queue, elem *virtqueue.Element) (bool, error) {
	if len(elem.Out) == 0 || len(elem.Out[0]) != i2cOutHdrSize {
		return false, fmt.Errorf("i2c: bad request header (out=%d hdr_len=%d)", len(elem.Out), headerLen(elem))
	}
	// The driver shifts the 7-bit chip address left by one on the
	// wire.
	addr := binary.LittleEndian.Uint16(elem.Out[0][0:2]) >> 1

	switch {
	case len(elem.In) == 1 && (len(elem.Out) == 1 || len(elem.Out) == 2):
		return i.handleWrite(q, elem, addr)
	case len(elem.In) == 2 && len(elem.Out) == 1:
		return i.handleRead(q, elem, addr)
	default:
		return false, fmt.Errorf("i2c: unsupported topology out=%d in=%d", len(elem.Out), len(elem.In))
	}
}

func (i *I2C) handleWrite(q *virtqueue.Queue, elem *virtqueue.Element, addr uint16) (bool, error) {
	status := elem.In[0]
	if len(status) != 1 {
		return false, fmt.Errorf("i2c: status buffer length %d", len(status))
	}

	var payload []byte
	if len(elem.Out) == 2 {
		payload = elem.Out[1]
	}

	ok, err := i.model.Write(addr, payload)
	if err != nil {
		slog.Error("i2c: model write failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
		ok = false
	}
	if ok {
		status[0] = i2cStatusOK
	} else {
		status[0] = i2cStatusErr
	}
	return true, q.Push(elem, 1)
}

func (i *I2C) handleRead(q *virtqueue.Queue, elem *virtqueue.Element, addr uint16) (bool, error) {
	data, status := elem.In[0], elem.In[1]
	if len(status) != 1 {
		return false, fmt.Errorf("i2c: status buffer length %d", len(status))
	}

	buf, err := i.model.Read(addr, len(data))
	if err != nil || len(buf) < len(data) {
		if err != nil {
			slog.Error("i2c: model read failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
		} else {
			slog.Error("i2c: model read short", "addr", fmt.Sprintf("%#x", addr), "want", len(data), "got", len(buf))
		}
		status[0] = i2cStatusErr
		return true, q.Push(elem, uint32(len(data))+1)
	}

	copy(data, buf[:len(data)])
	status[0] = i2cStatusOK
	return true, q.Push(elem, uint32(len(data))+1)
}

func headerLen(elem *virtqueue.Element) int {
	if len(elem.Out) == 0 {
		return 0
	}
	return len(elem.Out[0])
}
