package vhost

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/vwax/roadtest/internal/guestmem"
	"github.com/vwax/roadtest/internal/virtqueue"
)

// Watcher is the slice of the event loop the transport needs: kick
// eventfds and the connected socket are plugged into it, and all of a
// device's watches are torn down together on disconnect.
type Watcher interface {
	AddListen(fd int, owner any, cb func() error) error
	AddSocket(fd int, owner any, cb func() error) error
	AddCallback(fd int, owner any, cb func() error) error
	Remove(fd int)
	RemoveOwner(owner any)
}

// Handler is one virtio device personality on top of the generic
// transport.
type Handler interface {
	DeviceName() string
	NumQueues() int
	QueueMaxSize(index int) uint16
	DeviceFeatures() uint64
	ProtocolFeatures() uint64
	ReadConfig(offset, size uint32) ([]byte, error)
	WriteConfig(offset uint32, data []byte) error
	// ProcessQueue drains a started queue after a guest kick.
	ProcessQueue(d *Device, index int) error
	// Disconnect drops any parked per-device state on peer quit.
	Disconnect(d *Device)
}

// deviceState names the coarse lifecycle phase, for logging.
type deviceState int

const (
	stateRegistered deviceState = iota
	stateConnected
	stateOwnerSet
	stateMemoryMapped
	stateRunning
	stateQuit
)

func (s deviceState) String() string {
	switch s {
	case stateRegistered:
		return "registered"
	case stateConnected:
		return "connected"
	case stateOwnerSet:
		return "owner_set"
	case stateMemoryMapped:
		return "memory_mapped"
	case stateRunning:
		return "running"
	case stateQuit:
		return "quit"
	default:
		return "invalid"
	}
}

// Device is one vhost-user device: a listening socket, at most one
// connected peer, a memory mapper, and the personality's virtqueues.
type Device struct {
	handler Handler
	loop    Watcher
	mapper  *guestmem.Mapper

	listenFD int
	conn     *Conn

	queues []*virtqueue.Queue

	ackFeatures      uint64
	protocolFeatures uint64

	state deviceState
	quit  bool
}

// NewDevice creates a device for the given personality. The listening
// socket is registered separately via Listen.
func NewDevice(handler Handler, loop Watcher) *Device {
	d := &Device{
		handler:  handler,
		loop:     loop,
		mapper:   guestmem.NewMapper(),
		listenFD: -1,
	}
	d.queues = make([]*virtqueue.Queue, handler.NumQueues())
	for i := range d.queues {
		d.queues[i] = virtqueue.New(handler.QueueMaxSize(i))
		d.queues[i].SetMemory(d.mapper)
	}
	return d
}

// Name returns the personality name.
func (d *Device) Name() string {
	return d.handler.DeviceName()
}

// Mapper returns the device's guest memory mapper.
func (d *Device) Mapper() *guestmem.Mapper {
	return d.mapper
}

// Queue returns the queue at index, or nil.
func (d *Device) Queue(index int) *virtqueue.Queue {
	if index < 0 || index >= len(d.queues) {
		return nil
	}
	return d.queues[index]
}

// Quit reports whether the peer has disconnected.
func (d *Device) Quit() bool {
	return d.quit
}

// Listen binds a UNIX listening socket at path and registers it with
// the event loop. The listener fires once: the first connection is
// promoted to the device's control socket.
func (d *Device) Listen(path string) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("vhost: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("vhost: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("vhost: listen %s: %w", path, err)
	}
	d.listenFD = fd
	slog.Debug("vhost: listening", "device", d.Name(), "path", path)

	return d.loop.AddListen(fd, d, d.accept)
}

func (d *Device) accept() error {
	connFD, _, err := unix.Accept4(d.listenFD, unix.SOCK_CLOEXEC)
	if err != nil {
		return fmt.Errorf("vhost: accept: %w", err)
	}
	d.loop.Remove(d.listenFD)
	unix.Close(d.listenFD)
	d.listenFD = -1

	d.conn = NewConn(connFD)
	d.setState(stateConnected)
	slog.Info("vhost: peer connected", "device", d.Name())

	return d.loop.AddSocket(connFD, d, d.Dispatch)
}

func (d *Device) setState(s deviceState) {
	if d.state == s {
		return
	}
	slog.Debug("vhost: state", "device", d.Name(), "from", d.state.String(), "to", s.String())
	d.state = s
}

// Dispatch reads and handles one message from the peer. It is invoked
// by the event loop whenever the control socket is readable.
func (d *Device) Dispatch() error {
	msg, err := d.conn.ReadMessage()
	if errors.Is(err, io.EOF) {
		d.disconnect()
		return nil
	}
	if err != nil {
		return fmt.Errorf("vhost: %s: %w", d.Name(), err)
	}

	slog.Debug("vhost: request", "device", d.Name(), "req", RequestName(msg.Request), "fds", len(msg.FDs))

	if err := d.handle(msg); err != nil {
		closeFDs(msg.FDs)
		return fmt.Errorf("vhost: %s: %s: %w", d.Name(), RequestName(msg.Request), err)
	}

	if msg.Flags&FlagNeedReply != 0 && !repliesByItself(msg.Request) {
		if d.protocolFeatures&ProtocolFeatureReplyAck != 0 {
			return d.conn.Reply(msg.Request, u64Payload(0))
		}
	}
	return nil
}

// repliesByItself lists the requests whose handlers always send a
// payload reply, so REPLY_ACK must not double-reply.
func repliesByItself(req uint32) bool {
	switch req {
	case ReqGetFeatures, ReqGetProtocolFeatures, ReqGetQueueNum, ReqGetVringBase, ReqGetConfig:
		return true
	}
	return false
}

func (d *Device) handle(msg *Message) error {
	switch msg.Request {
	case ReqNone:
		d.disconnect()
		return nil

	case ReqGetFeatures:
		return d.conn.Reply(msg.Request, u64Payload(d.handler.DeviceFeatures()|FeatureProtocol))

	case ReqSetFeatures:
		features, err := msg.U64()
		if err != nil {
			return err
		}
		d.ackFeatures = features
		return nil

	case ReqSetOwner:
		d.setState(stateOwnerSet)
		return nil

	case ReqResetOwner:
		d.resetVrings()
		d.mapper.Reset()
		d.setState(stateConnected)
		return nil

	case ReqGetProtocolFeatures:
		return d.conn.Reply(msg.Request, u64Payload(d.handler.ProtocolFeatures()|ProtocolFeatureReplyAck))

	case ReqSetProtocolFeatures:
		features, err := msg.U64()
		if err != nil {
			return err
		}
		d.protocolFeatures = features
		return nil

	case ReqGetQueueNum:
		return d.conn.Reply(msg.Request, u64Payload(uint64(len(d.queues))))

	case ReqSetMemTable:
		regions, err := msg.MemRegions()
		if err != nil {
			return err
		}
		fds := msg.FDs
		msg.FDs = nil // Update owns the fds from here
		if err := d.mapper.Update(regions, fds); err != nil {
			return err
		}
		d.setState(stateMemoryMapped)
		return nil

	case ReqSetVringNum:
		index, num, err := msg.VringState()
		if err != nil {
			return err
		}
		q, err := d.vring(index)
		if err != nil {
			return err
		}
		return q.SetSize(uint16(num))

	case ReqSetVringAddr:
		addr, err := msg.VringAddr()
		if err != nil {
			return err
		}
		q, err := d.vring(addr.Index)
		if err != nil {
			return err
		}
		q.DescAddr = addr.Desc
		q.AvailAddr = addr.Avail
		q.UsedAddr = addr.Used
		d.maybeStart(int(addr.Index))
		return nil

	case ReqSetVringBase:
		index, num, err := msg.VringState()
		if err != nil {
			return err
		}
		q, err := d.vring(index)
		if err != nil {
			return err
		}
		q.SetBase(uint16(num))
		return nil

	case ReqGetVringBase:
		index, _, err := msg.VringState()
		if err != nil {
			return err
		}
		q, err := d.vring(index)
		if err != nil {
			return err
		}
		d.stopVring(q)
		return d.conn.Reply(msg.Request, vringStatePayload(index, uint32(q.Base())))

	case ReqSetVringKick:
		return d.installVringFD(msg, d.setKick)

	case ReqSetVringCall:
		return d.installVringFD(msg, d.setCall)

	case ReqSetVringErr:
		return d.installVringFD(msg, d.setErr)

	case ReqSetVringEnable:
		index, enable, err := msg.VringState()
		if err != nil {
			return err
		}
		q, err := d.vring(index)
		if err != nil {
			return err
		}
		q.Enabled = enable != 0
		if q.Enabled {
			d.maybeStart(int(index))
		} else if q.Started {
			q.Started = false
			slog.Debug("vhost: vring stopped", "device", d.Name(), "index", index)
		}
		return nil

	case ReqGetConfig:
		offset, size, _, err := msg.ConfigSpace()
		if err != nil {
			return err
		}
		blob, err := d.handler.ReadConfig(offset, size)
		if err != nil {
			return err
		}
		return d.conn.Reply(msg.Request, configPayload(offset, size, blob))

	case ReqSetConfig:
		offset, _, data, err := msg.ConfigSpace()
		if err != nil {
			return err
		}
		return d.handler.WriteConfig(offset, data)

	case ReqSetLogBase, ReqSetLogFD:
		// Dirty-page logging is never negotiated; accept and drop.
		closeFDs(msg.FDs)
		return nil

	default:
		return fmt.Errorf("unhandled request")
	}
}

func (d *Device) vring(index uint32) (*virtqueue.Queue, error) {
	if int(index) >= len(d.queues) {
		return nil, fmt.Errorf("vring index %d out of range (have %d)", index, len(d.queues))
	}
	return d.queues[index], nil
}

func (d *Device) installVringFD(msg *Message, set func(*virtqueue.Queue, int) error) error {
	payload, err := msg.U64()
	if err != nil {
		return err
	}
	index := uint32(payload & 0xff)
	q, err := d.vring(index)
	if err != nil {
		return err
	}
	fd := -1
	if payload&VringNoFDMask == 0 {
		if len(msg.FDs) != 1 {
			return fmt.Errorf("expected 1 fd, got %d", len(msg.FDs))
		}
		fd = msg.FDs[0]
		msg.FDs = nil // the queue owns the fd from here
	}
	if err := set(q, fd); err != nil {
		return err
	}
	d.maybeStart(int(index))
	return nil
}

func (d *Device) setKick(q *virtqueue.Queue, fd int) error {
	if q.KickFD >= 0 {
		d.loop.Remove(q.KickFD)
		unix.Close(q.KickFD)
	}
	q.KickFD = fd
	if fd < 0 {
		return nil
	}
	index := d.queueIndex(q)
	return d.loop.AddCallback(fd, d, func() error {
		if err := q.DrainKick(); err != nil {
			return err
		}
		if !q.Started {
			return nil
		}
		return d.handler.ProcessQueue(d, index)
	})
}

func (d *Device) setCall(q *virtqueue.Queue, fd int) error {
	if q.CallFD >= 0 {
		unix.Close(q.CallFD)
	}
	q.CallFD = fd
	return nil
}

func (d *Device) setErr(q *virtqueue.Queue, fd int) error {
	if q.ErrFD >= 0 {
		unix.Close(q.ErrFD)
	}
	q.ErrFD = fd
	return nil
}

func (d *Device) queueIndex(q *virtqueue.Queue) int {
	for i := range d.queues {
		if d.queues[i] == q {
			return i
		}
	}
	return -1
}

// maybeStart transitions a vring to running once its addresses, size,
// eventfds, and queue-enable are all present.
func (d *Device) maybeStart(index int) {
	q := d.queues[index]
	if q.Started || !q.Ready() {
		return
	}
	q.Started = true
	slog.Info("vhost: vring running", "device", d.Name(), "index", index, "size", q.Size())
	d.setState(stateRunning)
}

// stopVring parks a vring without tearing down the device, as
// GET_VRING_BASE demands.
func (d *Device) stopVring(q *virtqueue.Queue) {
	q.Started = false
	q.Enabled = false
	if q.KickFD >= 0 {
		d.loop.Remove(q.KickFD)
		unix.Close(q.KickFD)
		q.KickFD = -1
	}
}

func (d *Device) resetVrings() {
	for _, q := range d.queues {
		if q.KickFD >= 0 {
			d.loop.Remove(q.KickFD)
		}
		q.Reset()
	}
}

// disconnect handles graceful peer shutdown: NONE or socket EOF.
func (d *Device) disconnect() {
	if d.quit {
		return
	}
	slog.Info("vhost: peer disconnected", "device", d.Name())
	d.quit = true
	d.setState(stateQuit)
	d.handler.Disconnect(d)
	d.loop.RemoveOwner(d)
	d.resetVrings()
	d.mapper.Reset()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	if d.listenFD >= 0 {
		unix.Close(d.listenFD)
		d.listenFD = -1
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
