// Package device implements the three virtio device personalities the
// backend exposes to the guest: an I2C adapter, a GPIO controller, and
// the UML platform (PCI-over-virtio) device. Each personality drains
// its virtqueues and delegates bus transactions to a scripted model.
package device

import (
	"github.com/vwax/roadtest/internal/vhost"
	"github.com/vwax/roadtest/internal/virtqueue"
)

// I2CModel services I2C transactions against a modelled chip.
type I2CModel interface {
	// Read returns length bytes read from the device.
	Read(addr uint16, length int) ([]byte, error)
	// Write sends data to the device; ok=false completes the guest
	// request with an error status.
	Write(addr uint16, data []byte) (ok bool, err error)
}

// GPIOModel services GPIO line operations.
type GPIOModel interface {
	SetIRQType(pin uint16, mode uint32) error
	SetValue(pin uint16, value uint32) error
	// Unmask tells the model the guest is ready for an interrupt on
	// pin; a level-triggered model may re-raise from here.
	Unmask(pin uint16) error
}

// PlatformModel services MMIO accesses on the platform device.
type PlatformModel interface {
	Read(addr uint64, size int) (uint32, error)
	Write(addr uint64, size int, value uint32) error
}

// drainQueue pops every available element from a queue, hands each to
// process, and raises one guest notification if anything was pushed.
// A process error is fatal for the device: malformed requests mean a
// guest driver or topology bug, which is exactly what the test is
// meant to surface.
func drainQueue(d *vhost.Device, index int, process func(q *virtqueue.Queue, elem *virtqueue.Element) (pushed bool, err error)) error {
	q := d.Queue(index)
	table := d.Mapper().Table()
	pushed := false
	for {
		elem, err := q.Pop(table)
		if err != nil {
			return err
		}
		if elem == nil {
			break
		}
		p, err := process(q, elem)
		if err != nil {
			return err
		}
		if p {
			pushed = true
		}
	}
	if pushed {
		return q.Notify()
	}
	return nil
}
