package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/vwax/roadtest/internal/vhost"
	"github.com/vwax/roadtest/internal/virtqueue"
)

// virtio_pcidev wire layout, per the UML UAPI header.
const (
	pcidevHdrSize = 12 // {op u8, bar u8, size u16, addr u64}

	pcidevOpCfgRead    = 1
	pcidevOpCfgWrite   = 2
	pcidevOpMMIORead   = 3
	pcidevOpMMIOWrite  = 4
	pcidevOpMMIOMemset = 5

	pcidevQueueSize = 256
)

// Platform is the UML PCI-over-virtio personality used for
// memory-mapped platform devices. MMIO reads and writes delegate to
// the model; there is no status field, completion is the used-ring
// entry itself.
type Platform struct {
	model PlatformModel
}

// NewPlatform creates the platform personality backed by model.
func NewPlatform(model PlatformModel) *Platform {
	return &Platform{model: model}
}

func (p *Platform) DeviceName() string { return "platform" }

func (p *Platform) NumQueues() int { return 1 }

func (p *Platform) QueueMaxSize(int) uint16 { return pcidevQueueSize }

func (p *Platform) DeviceFeatures() uint64 {
	return vhost.FeatureVersion1 | vhost.FeatureAccessPlatform
}

func (p *Platform) ProtocolFeatures() uint64 { return 0 }

func (p *Platform) ReadConfig(offset, size uint32) ([]byte, error) {
	return nil, fmt.Errorf("platform: no config space")
}

func (p *Platform) WriteConfig(offset uint32, data []byte) error {
	return fmt.Errorf("platform: no config space")
}

func (p *Platform) Disconnect(d *vhost.Device) {}

func (p *Platform) ProcessQueue(d *vhost.Device, index int) error {
	return drainQueue(d, index, p.processElement)
}

func (p *Platform) processElement(q *virtqueue.Queue, elem *virtqueue.Element) (bool, error) {
	if len(elem.Out) == 0 || len(elem.Out[0]) < pcidevHdrSize {
		return false, fmt.Errorf("platform: bad request header (out=%d)", len(elem.Out))
	}
	hdr := elem.Out[0]
	op := hdr[0]
	size := int(binary.LittleEndian.Uint16(hdr[2:4]))
	addr := binary.LittleEndian.Uint64(hdr[4:12])

	switch op {
	case pcidevOpMMIORead:
		return p.mmioRead(q, elem, addr, size)
	case pcidevOpMMIOWrite:
		return p.mmioWrite(q, elem, addr, size)
	case pcidevOpCfgRead:
		// Config space is not modelled; zero-filled reads let the UML
		// PCI core enumerate without wedging the queue.
		if len(elem.In) == 1 {
			clear(elem.In[0])
			return true, q.Push(elem, uint32(len(elem.In[0])))
		}
		return true, q.Push(elem, 0)
	case pcidevOpCfgWrite:
		return true, q.Push(elem, 0)
	default:
		return false, fmt.Errorf("platform: unsupported op %d", op)
	}
}

func (p *Platform) mmioRead(q *virtqueue.Queue, elem *virtqueue.Element, addr uint64, size int) (bool, error) {
	if size != 4 {
		return false, fmt.Errorf("platform: mmio read size %d (only 4 supported)", size)
	}
	if len(elem.In) != 1 || len(elem.In[0]) < 4 {
		return false, fmt.Errorf("platform: mmio read without result buffer (in=%d)", len(elem.In))
	}

	value, err := p.model.Read(addr, size)
	if err != nil {
		slog.Error("platform: model read failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
		value = 0
	}
	binary.LittleEndian.PutUint32(elem.In[0][:4], value)
	return true, q.Push(elem, 4)
}

func (p *Platform) mmioWrite(q *virtqueue.Queue, elem *virtqueue.Element, addr uint64, size int) (bool, error) {
	if size != 4 {
		return false, fmt.Errorf("platform: mmio write size %d (only 4 supported)", size)
	}
	if len(elem.In) != 0 {
		return false, fmt.Errorf("platform: mmio write with in buffers (in=%d)", len(elem.In))
	}

	// The value is either appended to the header in a single out
	// vector (posted write) or carried in a second out vector.
	var data []byte
	switch {
	case len(elem.Out) == 1 && len(elem.Out[0]) >= pcidevHdrSize+size:
		data = elem.Out[0][pcidevHdrSize : pcidevHdrSize+size]
	case len(elem.Out) == 2 && len(elem.Out[1]) >= size:
		data = elem.Out[1][:size]
	default:
		return false, fmt.Errorf("platform: mmio write without value (out=%d)", len(elem.Out))
	}

	value := binary.LittleEndian.Uint32(data)
	if err := p.model.Write(addr, size, value); err != nil {
		slog.Error("platform: model write failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
	}
	return true, q.Push(elem, 0)
}
