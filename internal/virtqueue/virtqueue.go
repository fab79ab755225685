// Package virtqueue implements the virtio split-virtqueue protocol
// over guest memory shared by a vhost-user peer.
package virtqueue

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/vwax/roadtest/internal/guestmem"
)

const (
	descFNext  = 1
	descFWrite = 2

	availFNoInterrupt = 1

	descSize = 16
)

// GuestMemory provides access to guest physical memory for ring
// parsing.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Element is one drained request: a descriptor chain split into out
// (guest to host) and in (host to guest) vectors. The vectors alias
// the mapped guest memory directly; the element keeps the memory
// table alive until it is pushed back.
type Element struct {
	Head uint16
	Out  [][]byte
	In   [][]byte

	table *guestmem.Table
}

// OutLen returns the total length of the out vectors.
func (e *Element) OutLen() int {
	n := 0
	for _, v := range e.Out {
		n += len(v)
	}
	return n
}

// InLen returns the total length of the in vectors.
func (e *Element) InLen() int {
	n := 0
	for _, v := range e.In {
		n += len(v)
	}
	return n
}

// OutBytes concatenates the out vectors.
func (e *Element) OutBytes() []byte {
	buf := make([]byte, 0, e.OutLen())
	for _, v := range e.Out {
		buf = append(buf, v...)
	}
	return buf
}

// Cancel drops an element without completing it, releasing its
// memory-table reference. Used when a parked request is abandoned on
// device teardown.
func (e *Element) Cancel() {
	e.release()
}

func (e *Element) release() {
	if e.table != nil {
		e.table.Release()
		e.table = nil
	}
}

// Queue is one split virtqueue. Ring addresses and the size come from
// the vhost-user peer; kick and call eventfds are installed
// separately. All methods run on the event-loop goroutine.
type Queue struct {
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	size    uint16
	maxSize uint16

	lastAvailIdx uint16
	usedIdx      uint16

	Enabled bool
	Started bool

	KickFD int
	CallFD int
	ErrFD  int

	mem GuestMemory
}

// New returns a queue with the given maximum size. Ring state arrives
// later over the control socket.
func New(maxSize uint16) *Queue {
	return &Queue{maxSize: maxSize, KickFD: -1, CallFD: -1, ErrFD: -1}
}

// SetMemory installs the guest memory accessor used for ring parsing.
func (q *Queue) SetMemory(mem GuestMemory) {
	q.mem = mem
}

// SetSize sets the ring size negotiated by the peer.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("virtqueue: size %d is not a power of two", size)
	}
	if size > q.maxSize {
		return fmt.Errorf("virtqueue: size %d exceeds max %d", size, q.maxSize)
	}
	q.size = size
	return nil
}

// Size returns the negotiated ring size.
func (q *Queue) Size() uint16 {
	return q.size
}

// MaxSize returns the device maximum ring size.
func (q *Queue) MaxSize() uint16 {
	return q.maxSize
}

// SetBase sets the next available index, from SET_VRING_BASE.
func (q *Queue) SetBase(idx uint16) {
	q.lastAvailIdx = idx
	q.usedIdx = idx
}

// Base returns the next available index, for GET_VRING_BASE.
func (q *Queue) Base() uint16 {
	return q.lastAvailIdx
}

// Ready reports whether the queue has everything it needs to carry
// requests: addresses, a size, a kick fd, a call fd, and queue-enable
// from the peer.
func (q *Queue) Ready() bool {
	return q.size != 0 && q.DescAddr != 0 && q.AvailAddr != 0 && q.UsedAddr != 0 &&
		q.KickFD >= 0 && q.CallFD >= 0 && q.Enabled
}

// Reset clears ring state and closes installed fds.
func (q *Queue) Reset() {
	q.DescAddr = 0
	q.AvailAddr = 0
	q.UsedAddr = 0
	q.size = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.Enabled = false
	q.Started = false
	q.CloseFDs()
}

// CloseFDs closes and forgets the kick, call, and err eventfds.
func (q *Queue) CloseFDs() {
	for _, fd := range []*int{&q.KickFD, &q.CallFD, &q.ErrFD} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}
}

func (q *Queue) readUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if _, err := q.mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) writeUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	_, err := q.mem.WriteAt(buf[:], int64(addr))
	return err
}

func (q *Queue) writeUint32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := q.mem.WriteAt(buf[:], int64(addr))
	return err
}

type descriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (q *Queue) readDescriptor(index uint16) (descriptor, error) {
	if index >= q.size {
		return descriptor{}, fmt.Errorf("virtqueue: descriptor index %d out of bounds (size %d)", index, q.size)
	}
	var buf [descSize]byte
	if _, err := q.mem.ReadAt(buf[:], int64(q.DescAddr+uint64(index)*descSize)); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) readAvail() (flags uint16, idx uint16, err error) {
	var buf [4]byte
	if _, err := q.mem.ReadAt(buf[:], int64(q.AvailAddr)); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(buf[0:2]), binary.LittleEndian.Uint16(buf[2:4]), nil
}

// Pop drains the next available request. It returns nil when the
// available ring is empty. Malformed rings (out-of-range indices,
// chain loops, descriptors outside any mapped region) return an
// error; the caller terminates the device.
func (q *Queue) Pop(table *guestmem.Table) (*Element, error) {
	if q.mem == nil {
		return nil, fmt.Errorf("virtqueue: no guest memory")
	}
	if q.size == 0 {
		return nil, fmt.Errorf("virtqueue: size not set")
	}
	_, availIdx, err := q.readAvail()
	if err != nil {
		return nil, err
	}
	if q.lastAvailIdx == availIdx {
		return nil, nil
	}

	head, err := q.readUint16(q.AvailAddr + 4 + uint64(q.lastAvailIdx&(q.size-1))*2)
	if err != nil {
		return nil, err
	}

	elem := &Element{Head: head, table: table}
	index := head
	for hops := uint16(0); ; hops++ {
		if hops >= q.size {
			return nil, fmt.Errorf("virtqueue: descriptor chain loop at head %d", head)
		}
		desc, err := q.readDescriptor(index)
		if err != nil {
			return nil, err
		}
		buf, err := table.Slice(desc.addr, int(desc.length))
		if err != nil {
			return nil, fmt.Errorf("virtqueue: descriptor %d: %w", index, err)
		}
		if desc.flags&descFWrite != 0 {
			elem.In = append(elem.In, buf)
		} else {
			if len(elem.In) > 0 {
				return nil, fmt.Errorf("virtqueue: out descriptor %d after in descriptors", index)
			}
			elem.Out = append(elem.Out, buf)
		}
		if desc.flags&descFNext == 0 {
			break
		}
		index = desc.next
	}

	q.lastAvailIdx++
	table.Acquire()
	return elem, nil
}

// Push returns an element to the guest with usedBytes written into its
// in vectors, publishing a used-ring entry. The element must not be
// used afterwards.
func (q *Queue) Push(elem *Element, usedBytes uint32) error {
	if int(usedBytes) > elem.InLen() {
		return fmt.Errorf("virtqueue: used bytes %d exceed in length %d", usedBytes, elem.InLen())
	}
	base := q.UsedAddr + 4 + uint64(q.usedIdx&(q.size-1))*8
	if err := q.writeUint32(base, uint32(elem.Head)); err != nil {
		return err
	}
	if err := q.writeUint32(base+4, usedBytes); err != nil {
		return err
	}
	// The element write above must land before the index update below.
	// Both go through Table copies, which the compiler cannot reorder;
	// x86 TSO keeps the store order visible to the guest.
	q.usedIdx++
	if err := q.writeUint16(q.UsedAddr+2, q.usedIdx); err != nil {
		return err
	}
	elem.release()
	return nil
}

// UsedIdx returns the published used index.
func (q *Queue) UsedIdx() uint16 {
	return q.usedIdx
}

// LastAvailIdx returns the consumed available index.
func (q *Queue) LastAvailIdx() uint16 {
	return q.lastAvailIdx
}

// Notify signals the guest over the call eventfd unless the driver
// has suppressed interrupts for the queue.
func (q *Queue) Notify() error {
	flags, _, err := q.readAvail()
	if err != nil {
		return err
	}
	if flags&availFNoInterrupt != 0 {
		return nil
	}
	if q.CallFD < 0 {
		return fmt.Errorf("virtqueue: no call fd")
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(q.CallFD, one[:]); err != nil {
		return fmt.Errorf("virtqueue: write call eventfd: %w", err)
	}
	return nil
}

// DrainKick consumes a pending kick notification from the eventfd.
func (q *Queue) DrainKick() error {
	if q.KickFD < 0 {
		return nil
	}
	var buf [8]byte
	_, err := unix.Read(q.KickFD, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}
