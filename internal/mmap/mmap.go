// Package mmap provides a thin, remappable read-only file mapping.
package mmap

import (
	"errors"
	"os"
)

// ErrClosed is returned when accessing a closed mapping.
var ErrClosed = errors.New("mmap: mapping is closed")

// Mapping is a read-only shared mapping of a file prefix. Because the
// mapping is MAP_SHARED over the same file, bytes appended through the
// file descriptor are visible without remapping until the file grows past
// the mapped length; callers remap via Remap when that happens.
type Mapping struct {
	data []byte
	f    *os.File
}

// Map maps the first size bytes of f.
func Map(f *os.File, size int64) (*Mapping, error) {
	m := &Mapping{f: f}
	if size == 0 {
		return m, nil
	}
	data, err := mapFile(f, int(size))
	if err != nil {
		return nil, err
	}
	m.data = data
	return m, nil
}

// Bytes returns the mapped region. The slice aliases kernel pages; it must
// not be modified and is invalidated by Remap and Close.
func (m *Mapping) Bytes() []byte { return m.data }

// Len returns the mapped length in bytes.
func (m *Mapping) Len() int64 { return int64(len(m.data)) }

// Remap replaces the mapping with one covering the first size bytes.
func (m *Mapping) Remap(size int64) error {
	if m.f == nil {
		return ErrClosed
	}
	if m.data != nil {
		if err := unmapFile(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	if size == 0 {
		return nil
	}
	data, err := mapFile(m.f, int(size))
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

// Close unmaps the region. The underlying file is owned by the caller and
// is not closed here.
func (m *Mapping) Close() error {
	if m == nil || m.f == nil {
		return nil
	}
	var err error
	if m.data != nil {
		err = unmapFile(m.data)
		m.data = nil
	}
	m.f = nil
	return err
}
