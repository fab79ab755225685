// Package guestmem maps guest physical memory shared over vhost-user
// into the backend's address space and translates guest physical
// addresses into host byte slices.
package guestmem

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnmapped is returned when a guest physical address does not
	// fall inside any live region.
	ErrUnmapped = errors.New("guestmem: address not mapped")

	// ErrShortRegion is returned when an access fits the start of a
	// region but runs past its end. Accesses never splice across
	// regions.
	ErrShortRegion = errors.New("guestmem: access crosses region end")
)

// RegionDesc describes one memory region as received in a vhost-user
// memory table update.
type RegionDesc struct {
	GuestPhysAddr uint64
	Size          uint64
	UserAddr      uint64
	MmapOffset    uint64
}

// region is one live mapping. The mmap covers MmapOffset+Size bytes
// from the start of the file so the page-aligned offset constraint is
// always met; base points MmapOffset bytes in.
type region struct {
	desc RegionDesc
	mm   []byte // raw mmap, munmap'd on release
	base []byte // mm[MmapOffset : MmapOffset+Size]
}

func (r *region) contains(gpa uint64) bool {
	return gpa >= r.desc.GuestPhysAddr && gpa < r.desc.GuestPhysAddr+r.desc.Size
}

// Table is one generation of the guest memory map. Virtqueue elements
// hold a reference to the table their buffers resolve against so a
// memory-table update cannot unmap pages under an in-flight request.
type Table struct {
	regions []region
	refs    int
	retired bool
}

// Slice returns the host bytes backing [gpa, gpa+length). The returned
// slice always lies inside a single region; if fewer than length bytes
// remain until the region end the access fails with ErrShortRegion.
func (t *Table) Slice(gpa uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("guestmem: negative length %d", length)
	}
	for i := range t.regions {
		r := &t.regions[i]
		if !r.contains(gpa) {
			continue
		}
		off := gpa - r.desc.GuestPhysAddr
		remain := r.desc.Size - off
		if uint64(length) > remain {
			return nil, fmt.Errorf("%w: gpa=%#x length=%d remain=%d", ErrShortRegion, gpa, length, remain)
		}
		return r.base[off : off+uint64(length)], nil
	}
	return nil, fmt.Errorf("%w: gpa=%#x", ErrUnmapped, gpa)
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (t *Table) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative offset %d", off)
	}
	src, err := t.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (t *Table) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative offset %d", off)
	}
	dst, err := t.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Acquire takes a reference for an in-flight element.
func (t *Table) Acquire() {
	t.refs++
}

// Release drops a reference. A retired table with no remaining
// references is unmapped.
func (t *Table) Release() {
	if t.refs <= 0 {
		panic("guestmem: release without acquire")
	}
	t.refs--
	if t.retired && t.refs == 0 {
		t.unmap()
	}
}

func (t *Table) unmap() {
	for i := range t.regions {
		if t.regions[i].mm != nil {
			if err := unix.Munmap(t.regions[i].mm); err != nil {
				slog.Error("guestmem: munmap failed", "err", err)
			}
			t.regions[i].mm = nil
			t.regions[i].base = nil
		}
	}
	t.regions = nil
}

// Mapper owns the current table and swaps in replacements from
// memory-table updates.
type Mapper struct {
	current *Table
}

// NewMapper returns a mapper with an empty table.
func NewMapper() *Mapper {
	return &Mapper{current: &Table{}}
}

// Table returns the current generation. Callers that stash buffers
// must Acquire it first.
func (m *Mapper) Table() *Table {
	return m.current
}

// Update atomically replaces the memory map. Each descriptor is mapped
// from the matching file descriptor; the fds are closed once mapped.
// The previous table is retired and unmapped when its last in-flight
// reference is released.
func (m *Mapper) Update(descs []RegionDesc, fds []int) error {
	// Update owns the fds: each is closed once mapped, and any not yet
	// consumed are closed on failure.
	fail := func(from int, err error, next *Table) error {
		for _, fd := range fds[from:] {
			unix.Close(fd)
		}
		if next != nil {
			next.unmap()
		}
		return err
	}

	if len(descs) != len(fds) {
		return fail(0, fmt.Errorf("guestmem: %d regions but %d fds", len(descs), len(fds)), nil)
	}
	for i, a := range descs {
		for _, b := range descs[:i] {
			if a.GuestPhysAddr < b.GuestPhysAddr+b.Size && b.GuestPhysAddr < a.GuestPhysAddr+a.Size {
				return fail(0, fmt.Errorf("guestmem: overlapping regions gpa=%#x and gpa=%#x", a.GuestPhysAddr, b.GuestPhysAddr), nil)
			}
		}
	}

	next := &Table{regions: make([]region, 0, len(descs))}
	for i, d := range descs {
		if d.Size == 0 {
			return fail(i, fmt.Errorf("guestmem: zero-size region gpa=%#x", d.GuestPhysAddr), next)
		}
		length := d.MmapOffset + d.Size
		if length > uint64(int(^uint(0)>>1)) {
			return fail(i, fmt.Errorf("guestmem: region too large gpa=%#x size=%#x", d.GuestPhysAddr, d.Size), next)
		}
		mm, err := unix.Mmap(fds[i], 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fail(i, fmt.Errorf("guestmem: mmap region gpa=%#x size=%#x: %w", d.GuestPhysAddr, d.Size, err), next)
		}
		unix.Close(fds[i])
		next.regions = append(next.regions, region{
			desc: d,
			mm:   mm,
			base: mm[d.MmapOffset : d.MmapOffset+d.Size],
		})
		slog.Debug("guestmem: mapped region",
			"gpa", fmt.Sprintf("%#x", d.GuestPhysAddr),
			"size", fmt.Sprintf("%#x", d.Size),
			"mmap_offset", fmt.Sprintf("%#x", d.MmapOffset))
	}

	m.retire()
	m.current = next
	return nil
}

// Reset drops all mappings, e.g. on device teardown.
func (m *Mapper) Reset() {
	m.retire()
	m.current = &Table{}
}

func (m *Mapper) retire() {
	old := m.current
	old.retired = true
	if old.refs == 0 {
		old.unmap()
	}
}

// Empty reports whether the current table has no regions.
func (m *Mapper) Empty() bool {
	return len(m.current.regions) == 0
}

// ReadAt reads guest memory through the current table.
func (m *Mapper) ReadAt(p []byte, off int64) (int, error) {
	return m.current.ReadAt(p, off)
}

// WriteAt writes guest memory through the current table.
func (m *Mapper) WriteAt(p []byte, off int64) (int, error) {
	return m.current.WriteAt(p, off)
}

var _ io.ReaderAt = (*Table)(nil)
var _ io.WriterAt = (*Table)(nil)
var _ io.ReaderAt = (*Mapper)(nil)
var _ io.WriterAt = (*Mapper)(nil)
