// Package control reads the harness command channel: a FIFO in the
// work directory carrying one command per line. The event loop drains
// it once per wake and hands each complete line to the script layer.
package control

import (
	"bytes"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// FIFOName is the channel file created inside the work directory.
const FIFOName = "control"

// Channel is the open command stream. The read end is opened O_RDWR so
// the FIFO never reports writer-less EOF between harness connections.
type Channel struct {
	fd      int
	partial []byte
	handler func(line string) error
}

// Open creates the FIFO at path if needed and opens it nonblocking.
// handler receives each complete command line.
func Open(path string, handler func(line string) error) (*Channel, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil && err != unix.EEXIST {
		return nil, fmt.Errorf("control: mkfifo %s: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("control: open %s: %w", path, err)
	}
	return &Channel{fd: fd, handler: handler}, nil
}

// FD returns the fd to watch for readability.
func (c *Channel) FD() int {
	return c.fd
}

// Drain consumes everything currently buffered in the FIFO and
// dispatches complete lines. Partial lines are kept for the next
// drain.
func (c *Channel) Drain() error {
	var buf [4096]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("control: read: %w", err)
		}
		if n == 0 {
			break
		}
		c.partial = append(c.partial, buf[:n]...)
	}

	for {
		idx := bytes.IndexByte(c.partial, '\n')
		if idx < 0 {
			break
		}
		line := string(c.partial[:idx])
		c.partial = c.partial[idx+1:]
		if line == "" {
			continue
		}
		slog.Debug("control: command", "line", line)
		if err := c.handler(line); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the FIFO fd.
func (c *Channel) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
