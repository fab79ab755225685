package vhost

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Conn frames vhost-user messages over a connected UNIX socket fd.
// Ancillary file descriptors arrive with the header read.
type Conn struct {
	fd int
}

// NewConn wraps a connected socket fd.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// FD returns the underlying socket fd.
func (c *Conn) FD() int {
	return c.fd
}

// Close closes the socket.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// ReadMessage reads one message. A zero-byte read (peer close) is
// reported as io.EOF; the device layer treats it like NONE.
func (c *Conn) ReadMessage() (*Message, error) {
	var hdr [HeaderSize]byte
	oob := make([]byte, unix.CmsgSpace(MaxMemRegions*4))

	n, oobn, _, _, err := unix.Recvmsg(c.fd, hdr[:], oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("vhost: recvmsg: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	if n < HeaderSize {
		if err := c.readFull(hdr[n:]); err != nil {
			return nil, err
		}
	}

	msg := &Message{
		Request: binary.LittleEndian.Uint32(hdr[0:4]),
		Flags:   binary.LittleEndian.Uint32(hdr[4:8]),
	}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, fmt.Errorf("vhost: parse control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			msg.FDs = append(msg.FDs, fds...)
		}
	}

	size := binary.LittleEndian.Uint32(hdr[8:12])
	if size > MaxMsgSize {
		return nil, fmt.Errorf("vhost: message %s payload %d exceeds limit", RequestName(msg.Request), size)
	}
	if size > 0 {
		msg.Payload = make([]byte, size)
		if err := c.readFull(msg.Payload); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (c *Conn) readFull(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("vhost: read: %w", err)
		}
		if n == 0 {
			return io.EOF
		}
		buf = buf[n:]
	}
	return nil
}

// Reply sends a reply message for the given request with the REPLY
// flag set.
func (c *Conn) Reply(request uint32, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], request)
	binary.LittleEndian.PutUint32(buf[4:8], flagVersion|FlagReply)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	for len(buf) > 0 {
		n, err := unix.Write(c.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("vhost: write reply: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}
