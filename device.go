package pagekv

import (
	"fmt"
	"os"

	"github.com/pagekv/pagekv/mmap"
)

// Device is the block-device collaborator the page manager reads and
// writes fixed-size pages against. This package ships one mmap-backed
// implementation (mmapDevice) plus an in-memory stand-in for
// in-memory-only environments.
type Device interface {
	// ReadPage reads page_size bytes at addr into buf.
	ReadPage(addr uint64, buf []byte) error
	// WritePage writes buf (page_size bytes) to addr.
	WritePage(addr uint64, buf []byte) error
	// Truncate shrinks or grows the device to exactly size bytes.
	Truncate(size int64) error
	// FileSize returns the current device size in bytes.
	FileSize() int64
	// IsInMemory reports whether the device has no backing file.
	IsInMemory() bool
	// Close releases any resources held by the device.
	Close() error
}

// mmapDevice is a Device backed by a memory-mapped file.
type mmapDevice struct {
	file     *os.File
	m        *mmap.Map
	pageSize uint32
	size     int64
}

// OpenFileDevice opens (creating if necessary) a page device at path.
func OpenFileDevice(path string, pageSize uint32) (*mmapDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	size := fi.Size()
	if size == 0 {
		// an empty file cannot be mmap'd; grow it to one page before mapping.
		size = int64(pageSize)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: truncate %s: %v", ErrIO, path, err)
		}
	}

	m, err := mmap.New(int(f.Fd()), 0, int(size), true)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIO, path, err)
	}

	return &mmapDevice{file: f, m: m, pageSize: pageSize, size: size}, nil
}

func (d *mmapDevice) ReadPage(addr uint64, buf []byte) error {
	end := addr + uint64(len(buf))
	if end > uint64(d.size) {
		return fmt.Errorf("%w: read at %d beyond file size %d", ErrIO, addr, d.size)
	}
	copy(buf, d.m.Data()[addr:end])
	return nil
}

func (d *mmapDevice) WritePage(addr uint64, buf []byte) error {
	end := addr + uint64(len(buf))
	if end > uint64(d.size) {
		if err := d.Truncate(int64(end)); err != nil {
			return err
		}
	}
	copy(d.m.Data()[addr:end], buf)
	return nil
}

func (d *mmapDevice) Truncate(size int64) error {
	if size == d.size {
		return nil
	}
	if err := d.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate: %v", ErrIO, err)
	}
	if size > 0 {
		if err := d.m.Remap(size); err != nil {
			return fmt.Errorf("%w: remap: %v", ErrIO, err)
		}
	}
	d.size = size
	return nil
}

func (d *mmapDevice) FileSize() int64 { return d.size }

func (d *mmapDevice) IsInMemory() bool { return false }

func (d *mmapDevice) Close() error {
	var firstErr error
	if d.m != nil {
		if err := d.m.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := d.m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// memDevice is an in-memory Device: no file I/O, and eviction never
// destroys state, since a page written back on eviction lands in the
// same in-process buffer a later Fetch reads from.
type memDevice struct {
	pageSize uint32
	buf      []byte
}

// NewMemoryDevice creates an in-memory Device.
func NewMemoryDevice(pageSize uint32) *memDevice {
	return &memDevice{pageSize: pageSize}
}

func (d *memDevice) ReadPage(addr uint64, buf []byte) error {
	end := addr + uint64(len(buf))
	if end > uint64(len(d.buf)) {
		return fmt.Errorf("%w: read at %d beyond size %d", ErrIO, addr, len(d.buf))
	}
	copy(buf, d.buf[addr:end])
	return nil
}

func (d *memDevice) WritePage(addr uint64, buf []byte) error {
	end := addr + uint64(len(buf))
	if end > uint64(len(d.buf)) {
		grown := make([]byte, end)
		copy(grown, d.buf)
		d.buf = grown
	}
	copy(d.buf[addr:end], buf)
	return nil
}

func (d *memDevice) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidParameter)
	}
	if int64(len(d.buf)) == size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, d.buf)
	d.buf = grown
	return nil
}

func (d *memDevice) FileSize() int64 { return int64(len(d.buf)) }

func (d *memDevice) IsInMemory() bool { return true }

func (d *memDevice) Close() error { return nil }
