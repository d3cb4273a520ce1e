// Package vectorstore implements the fixed-stride on-disk vector file.
//
// Vectors are raw little-endian float32 records of stride dimension*4,
// addressed by block id: block i lives at byte offset i*stride. The file
// is append-only; reads are served from a shared memory mapping that is
// re-established whenever an append grows the file past the mapped
// region (page-granular).
package vectorstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/JTan2231/dewey/internal/atomicfile"
	"github.com/JTan2231/dewey/internal/mmap"
)

const (
	// Magic identifies dewey data files.
	Magic = "DWY1"

	// Version is the current format version of the vector file.
	Version = 1

	// DataFile and MetaFile are the on-disk names under the store directory.
	DataFile = "vectors.bin"
	MetaFile = "vectors.meta"

	metaSize = 12 // magic(4) + version(u32) + dimension(u32)
)

var (
	// ErrBadMagic indicates the sidecar header does not start with Magic.
	ErrBadMagic = errors.New("vectorstore: bad magic")

	// ErrBadVersion indicates an unsupported format version.
	ErrBadVersion = errors.New("vectorstore: unsupported version")

	// ErrTruncated indicates the vector file length is not a multiple of
	// the record stride. Load is strict: this is fatal.
	ErrTruncated = errors.New("vectorstore: truncated vector file")

	// ErrNotFound indicates a block id beyond the end of the file.
	ErrNotFound = errors.New("vectorstore: block not found")
)

// ErrDimensionMismatch indicates the on-disk dimension does not match the
// configured one, or an appended vector has the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vectorstore: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Store is the append-only vector file plus its sidecar header.
type Store struct {
	mu        sync.RWMutex
	dim       int
	stride    int64
	f         *os.File
	size      int64
	mapping   *mmap.Mapping
	mappedLen int64
	pageSize  int64
}

// Open opens (or creates) the vector store in dir with the given
// dimension. A sidecar dimension that differs from dim is fatal.
func Open(dir string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vectorstore: invalid dimension %d", dim)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	metaPath := filepath.Join(dir, MetaFile)
	if raw, err := os.ReadFile(metaPath); err == nil {
		if err := checkMeta(raw, dim); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeMeta(metaPath, dim); err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, DataFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Store{
		dim:      dim,
		stride:   int64(dim) * 4,
		f:        f,
		size:     fi.Size(),
		pageSize: int64(os.Getpagesize()),
	}

	if s.size%s.stride != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %d bytes with stride %d", ErrTruncated, s.size, s.stride)
	}

	s.mappedLen = roundUpPage(s.size, s.pageSize)
	s.mapping, err = mmap.Map(f, s.mappedLen)
	if err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

// Append writes vec at the end of the file and returns its block id,
// which is the previous length divided by the stride. Ids are assigned
// monotonically and never reused.
func (s *Store) Append(vec []float32) (uint64, error) {
	if len(vec) != s.dim {
		return 0, &ErrDimensionMismatch{Expected: s.dim, Actual: len(vec)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, s.stride)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	if _, err := s.f.WriteAt(buf, s.size); err != nil {
		return 0, err
	}

	id := uint64(s.size / s.stride)
	s.size += s.stride

	if s.size > s.mappedLen {
		s.mappedLen = roundUpPage(s.size, s.pageSize)
		if err := s.mapping.Remap(s.mappedLen); err != nil {
			return 0, err
		}
	}

	return id, nil
}

// Read returns a copy of the vector at id.
func (s *Store) Read(id uint64) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	off := int64(id) * s.stride
	if off < 0 || off+s.stride > s.size {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	raw := s.mapping.Bytes()[off : off+s.stride]
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}

// Len returns the number of stored vectors.
func (s *Store) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(s.size / s.stride)
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int { return s.dim }

// Flush syncs appended records to stable storage.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

// Close unmaps and closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.mapping.Close()
	if closeErr := s.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func roundUpPage(n, page int64) int64 {
	return (n + page - 1) / page * page
}

func checkMeta(raw []byte, dim int) error {
	if len(raw) < metaSize {
		return fmt.Errorf("%w: meta file too short", ErrBadMagic)
	}
	if string(raw[:4]) != Magic {
		return ErrBadMagic
	}
	if v := binary.LittleEndian.Uint32(raw[4:]); v != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	if d := int(binary.LittleEndian.Uint32(raw[8:])); d != dim {
		return &ErrDimensionMismatch{Expected: dim, Actual: d}
	}
	return nil
}

func writeMeta(path string, dim int) error {
	return atomicfile.Write(path, func(w io.Writer) error {
		buf := make([]byte, metaSize)
		copy(buf, Magic)
		binary.LittleEndian.PutUint32(buf[4:], Version)
		binary.LittleEndian.PutUint32(buf[8:], uint32(dim))
		_, err := w.Write(buf)
		return err
	})
}
