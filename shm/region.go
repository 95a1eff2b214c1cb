// Package shm implements the lock-free shared-memory frame ring used to
// move rendered frames across the process boundary. The host consumer
// creates and owns a memory-mapped file; the sandboxed producer maps the
// same file and publishes frames into a fixed set of slots guarded by
// per-slot atomic state words.
package shm

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zsiec/beam/media"
	"github.com/zsiec/beam/wire"
)

// DefaultPath is the canonical region file location, shared with the
// producer side which reaches it through its path translation layer.
const DefaultPath = "/tmp/alvr_frame_buffer.shm"

// Slot states. Exactly one party may transition EMPTY→WRITING (producer)
// and exactly one READY→ENCODING (consumer); both transitions go through
// compare-and-swap on the state word.
const (
	SlotEmpty uint32 = iota
	SlotWriting
	SlotReady
	SlotEncoding
)

// Region open/validation failures. All are fatal at startup.
var (
	ErrBadMagic       = errors.New("shm: bad region magic")
	ErrBadVersion     = errors.New("shm: unsupported region version")
	ErrRegionTooSmall = errors.New("shm: region file too small")
)

// ErrShutdown is returned once either side has raised the region's
// shutdown flag.
var ErrShutdown = errors.New("shm: region shut down")

// Slot is the per-buffer metadata block inside the mapped region. Field
// order and padding mirror the producer's packed layout; every slot owns a
// fixed-size pixel slab at a page-aligned offset past the header.
//
// Only State needs atomic access: the release store to READY (after the
// pixel copy) paired with the consumer's acquire load is what publishes
// the remaining plain fields.
type Slot struct {
	State       atomic.Uint32
	Width       uint32
	Height      uint32
	Stride      uint32
	TimestampNS uint64
	FrameNumber uint64
	IsIDR       uint8
	_           [7]byte
	Pose        media.Pose
}

// Header is the region preamble shared by both processes. magic and
// version are written exactly once, by the consumer, before initialized
// is raised; cfg_* are write-once by the producer under cfg_set.
type Header struct {
	Magic       uint32
	Version     uint32
	Initialized atomic.Uint32
	Shutdown    atomic.Uint32

	CfgWidth  uint32
	CfgHeight uint32
	CfgFormat uint32
	CfgSet    atomic.Uint32

	WriteSequence atomic.Uint64
	ReadSequence  atomic.Uint64

	FramesWritten atomic.Uint64
	FramesEncoded atomic.Uint64
	FramesDropped atomic.Uint64

	_ [64]byte

	Slots [media.NumBuffers]Slot
}

const (
	slotSize   = 88
	headerSize = 400
)

// pageSize is the alignment for the pixel slabs. The layout assumes 4096;
// hosts with larger pages widen the alignment so slabs stay page-aligned.
var pageSize = func() int {
	if ps := os.Getpagesize(); ps > 4096 {
		return ps
	}
	return 4096
}()

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// SlabOffset returns the byte offset of slot i's pixel slab within the
// region file.
func SlabOffset(i int) int {
	return alignUp(headerSize, pageSize) + i*media.MaxFrameSize
}

// TotalSize returns the full size of the region file.
func TotalSize() int {
	return SlabOffset(media.NumBuffers)
}

// Region is a mapped view of the shared frame ring. The consumer creates
// the backing file (and later unlinks it); the producer opens an existing
// one and refuses anything with an unexpected magic or version.
type Region struct {
	f     *os.File
	data  []byte
	hdr   *Header
	path  string
	owner bool
}

// Create builds a fresh region file at path, sized and zeroed, with magic
// and version stamped and initialized raised. Only the consumer calls
// this; the returned Region owns the file and unlinks it on Close.
func Create(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create region file: %w", err)
	}

	size := TotalSize()
	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: size region to %d: %w", size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: map region: %w", err)
	}

	r := &Region{f: f, data: data, hdr: (*Header)(unsafe.Pointer(&data[0])), path: path, owner: true}

	// Truncate-then-grow leaves the file zeroed, so every slot already
	// reads EMPTY and all counters start at 0. Stamp the identity last.
	r.hdr.Magic = wire.Magic
	r.hdr.Version = wire.Version
	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		r.Close()
		return nil, fmt.Errorf("shm: sync region header: %w", err)
	}
	r.hdr.Initialized.Store(1)

	return r, nil
}

// Open maps an existing region file created by the consumer. The producer
// calls this and must not proceed past a magic or version mismatch.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open region file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat region file: %w", err)
	}
	size := TotalSize()
	if fi.Size() < int64(size) {
		f.Close()
		return nil, fmt.Errorf("shm: region is %d bytes, need %d: %w", fi.Size(), size, ErrRegionTooSmall)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: map region: %w", err)
	}

	r := &Region{f: f, data: data, hdr: (*Header)(unsafe.Pointer(&data[0])), path: path}

	if r.hdr.Magic != wire.Magic {
		got := r.hdr.Magic
		r.Close()
		return nil, fmt.Errorf("shm: magic 0x%08X, want 0x%08X: %w", got, uint32(wire.Magic), ErrBadMagic)
	}
	if r.hdr.Version != wire.Version {
		got := r.hdr.Version
		r.Close()
		return nil, fmt.Errorf("shm: version %d, want %d: %w", got, uint32(wire.Version), ErrBadVersion)
	}

	return r, nil
}

// Header returns the mapped region header.
func (r *Region) Header() *Header {
	return r.hdr
}

// Slot returns slot i's mapped metadata block.
func (r *Region) Slot(i int) *Slot {
	return &r.hdr.Slots[i]
}

// Pixels returns slot i's full pixel slab.
func (r *Region) Pixels(i int) []byte {
	off := SlabOffset(i)
	return r.data[off : off+media.MaxFrameSize]
}

// Path returns the backing file path.
func (r *Region) Path() string {
	return r.path
}

// Close unmaps the region and, if this side created it, unlinks the
// backing file. Safe to call more than once.
func (r *Region) Close() error {
	var firstErr error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shm: unmap region: %w", err)
		}
		r.data = nil
		r.hdr = nil
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shm: close region file: %w", err)
		}
		r.f = nil
	}
	if r.owner {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("shm: unlink region file: %w", err)
		}
		r.owner = false
	}
	return firstErr
}
