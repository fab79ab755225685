package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/vwax/roadtest/internal/vhost"
	"github.com/vwax/roadtest/internal/virtqueue"
)

// virtio-gpio wire layout, per the upstream UAPI.
const (
	gpioRequestSize  = 8 // {type u16, gpio u16, value u32}
	gpioResponseSize = 2 // {status u8, value u8}

	gpioMsgGetNames     = 0x0001
	gpioMsgGetDirection = 0x0002
	gpioMsgSetDirection = 0x0003
	gpioMsgGetValue     = 0x0004
	gpioMsgSetValue     = 0x0005
	gpioMsgIRQType      = 0x0006

	gpioStatusOK  = 0
	gpioStatusErr = 1

	gpioDirectionIn = 2

	gpioIRQTypeNone = 0

	gpioIRQRequestSize  = 2 // {gpio u16}
	gpioIRQResponseSize = 1 // {status u8}

	gpioIRQStatusInvalid = 0x0
	gpioIRQStatusValid   = 0x1

	// VIRTIO_GPIO_F_IRQ
	gpioFeatureIRQ = 1 << 0

	gpioQueueSize = 256

	gpioRequestQueue = 0
	gpioEventQueue   = 1
)

// GPIO is the virtio-gpio personality: a request queue for line
// operations and an event queue whose elements park per-pin until the
// model raises an interrupt.
type GPIO struct {
	model GPIOModel
	ngpio uint16

	// irqSlots[pin] holds the parked event-queue element, if any.
	irqSlots map[uint16]*virtqueue.Element
	eventQ   *virtqueue.Queue
}

// NewGPIO creates the GPIO personality with ngpio lines.
func NewGPIO(model GPIOModel, ngpio uint16) *GPIO {
	return &GPIO{
		model:    model,
		ngpio:    ngpio,
		irqSlots: make(map[uint16]*virtqueue.Element),
	}
}

func (g *GPIO) DeviceName() string { return "gpio" }

func (g *GPIO) NumQueues() int { return 2 }

func (g *GPIO) QueueMaxSize(int) uint16 { return gpioQueueSize }

func (g *GPIO) DeviceFeatures() uint64 {
	return vhost.FeatureVersion1 | gpioFeatureIRQ
}

func (g *GPIO) ProtocolFeatures() uint64 {
	return vhost.ProtocolFeatureConfig
}

// ReadConfig serves the virtio-gpio config blob:
// {ngpio u16, padding u16, gpio_names_size u32}.
func (g *GPIO) ReadConfig(offset, size uint32) ([]byte, error) {
	var blob [8]byte
	binary.LittleEndian.PutUint16(blob[0:2], g.ngpio)
	if offset >= uint32(len(blob)) {
		return nil, fmt.Errorf("gpio: config offset %d out of range", offset)
	}
	end := offset + size
	if end > uint32(len(blob)) {
		end = uint32(len(blob))
	}
	return blob[offset:end], nil
}

func (g *GPIO) WriteConfig(offset uint32, data []byte) error {
	return fmt.Errorf("gpio: config space is read-only")
}

// Disconnect drops parked IRQ elements; the guest is gone, so there is
// nobody left to complete them for.
func (g *GPIO) Disconnect(d *vhost.Device) {
	for pin, elem := range g.irqSlots {
		elem.Cancel()
		delete(g.irqSlots, pin)
	}
	g.eventQ = nil
}

func (g *GPIO) ProcessQueue(d *vhost.Device, index int) error {
	switch index {
	case gpioRequestQueue:
		return drainQueue(d, index, g.processRequest)
	case gpioEventQueue:
		g.eventQ = d.Queue(index)
		return drainQueue(d, index, g.parkIRQ)
	default:
		return fmt.Errorf("gpio: queue index %d out of range", index)
	}
}

func (g *GPIO) processRequest(q *virtqueue.Queue, elem *virtqueue.Element) (bool, error) {
	if len(elem.Out) != 1 || len(elem.Out[0]) != gpioRequestSize {
		return false, fmt.Errorf("gpio: bad request (out=%d)", len(elem.Out))
	}
	if len(elem.In) != 1 || len(elem.In[0]) != gpioResponseSize {
		return false, fmt.Errorf("gpio: bad response buffer (in=%d)", len(elem.In))
	}

	req := elem.Out[0]
	msgType := binary.LittleEndian.Uint16(req[0:2])
	pin := binary.LittleEndian.Uint16(req[2:4])
	value := binary.LittleEndian.Uint32(req[4:8])

	status, result := g.execute(msgType, pin, value)

	resp := elem.In[0]
	resp[0] = status
	resp[1] = result
	return true, q.Push(elem, gpioResponseSize)
}

func (g *GPIO) execute(msgType, pin uint16, value uint32) (status, result uint8) {
	if pin >= g.ngpio {
		slog.Error("gpio: pin out of range", "pin", pin, "ngpio", g.ngpio)
		return gpioStatusErr, 0
	}

	switch msgType {
	case gpioMsgIRQType:
		if value == gpioIRQTypeNone {
			// Disabling the interrupt wakes any parked subscriber so
			// the guest does not hang in free_irq.
			if err := g.completeIRQ(pin, false); err != nil {
				slog.Error("gpio: irq disable completion failed", "pin", pin, "err", err)
			}
		}
		if err := g.model.SetIRQType(pin, value); err != nil {
			slog.Error("gpio: model set_irq_type failed", "pin", pin, "type", value, "err", err)
			return gpioStatusErr, 0
		}
		return gpioStatusOK, 0

	case gpioMsgGetDirection:
		// Lines under test are always inputs to the guest.
		return gpioStatusOK, gpioDirectionIn

	case gpioMsgSetValue:
		if err := g.model.SetValue(pin, value); err != nil {
			slog.Error("gpio: model set_value failed", "pin", pin, "value", value, "err", err)
			return gpioStatusErr, 0
		}
		return gpioStatusOK, 0

	case gpioMsgGetNames, gpioMsgGetValue, gpioMsgSetDirection:
		// Recognized but unsupported; answering ERR keeps the request
		// queue flowing while the driver probes.
		return gpioStatusErr, 0

	default:
		slog.Error("gpio: unknown request type", "type", msgType)
		return gpioStatusErr, 0
	}
}

// parkIRQ handles an event-queue subscribe: the element is not
// completed now but parked until the model triggers the interrupt.
func (g *GPIO) parkIRQ(q *virtqueue.Queue, elem *virtqueue.Element) (bool, error) {
	if len(elem.Out) != 1 || len(elem.Out[0]) != gpioIRQRequestSize {
		return false, fmt.Errorf("gpio: bad irq request (out=%d)", len(elem.Out))
	}
	if len(elem.In) != 1 || len(elem.In[0]) != gpioIRQResponseSize {
		return false, fmt.Errorf("gpio: bad irq response buffer (in=%d)", len(elem.In))
	}
	pin := binary.LittleEndian.Uint16(elem.Out[0])
	if pin >= g.ngpio {
		return false, fmt.Errorf("gpio: irq subscribe for pin %d out of range", pin)
	}
	if _, ok := g.irqSlots[pin]; ok {
		return false, fmt.Errorf("gpio: duplicate irq subscribe for pin %d", pin)
	}
	g.irqSlots[pin] = elem
	if err := g.model.Unmask(pin); err != nil {
		slog.Error("gpio: model unmask failed", "pin", pin, "err", err)
	}
	return false, nil
}

// TriggerIRQ completes the parked element for pin with a VALID status,
// waking the guest's interrupt handler. Without a parked element it is
// a no-op.
func (g *GPIO) TriggerIRQ(pin uint16) error {
	if _, ok := g.irqSlots[pin]; !ok {
		slog.Debug("gpio: irq trigger with no parked element", "pin", pin)
		return nil
	}
	return g.completeIRQ(pin, true)
}

func (g *GPIO) completeIRQ(pin uint16, valid bool) error {
	elem, ok := g.irqSlots[pin]
	if !ok {
		return nil
	}
	delete(g.irqSlots, pin)
	if g.eventQ == nil {
		elem.Cancel()
		return fmt.Errorf("gpio: irq completion with no event queue")
	}
	if valid {
		elem.In[0][0] = gpioIRQStatusValid
	} else {
		elem.In[0][0] = gpioIRQStatusInvalid
	}
	if err := g.eventQ.Push(elem, gpioIRQResponseSize); err != nil {
		return err
	}
	return g.eventQ.Notify()
}

// Parked reports whether pin has a parked IRQ element.
func (g *GPIO) Parked(pin uint16) bool {
	_, ok := g.irqSlots[pin]
	return ok
}
