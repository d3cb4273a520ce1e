package hnsw

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/JTan2231/dewey/internal/atomicfile"
)

const (
	// Magic identifies dewey graph files.
	Magic = "DWY1"

	// Version is the current graph file format version.
	Version = 1

	// GraphFile is the on-disk name under the index directory.
	GraphFile = "graph.bin"

	// noEntryPoint marks an empty graph in the header.
	noEntryPoint = math.MaxUint64

	maxLevelStored = 255 // level is serialized as u8
)

var (
	// ErrBadMagic indicates the file does not start with Magic.
	ErrBadMagic = errors.New("hnsw: bad magic")

	// ErrBadVersion indicates an unsupported graph format version.
	ErrBadVersion = errors.New("hnsw: unsupported version")

	// ErrCorrupt indicates a structurally invalid graph file. Unlike the
	// source log, the graph has no truncation tolerance.
	ErrCorrupt = errors.New("hnsw: corrupt graph file")
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// SaveToFile writes the graph to path via a temp sibling and rename.
func (h *HNSW) SaveToFile(path string) error {
	return atomicfile.Write(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if _, err := h.WriteTo(bw); err != nil {
			return err
		}
		return bw.Flush()
	})
}

// LoadFromFile reads a graph from path. A missing file yields an empty
// graph. Load is strict: version mismatch, dimension mismatch, or a
// truncated record is fatal.
func LoadFromFile(path string, source VectorSource, optFns ...func(o *Options)) (*HNSW, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(source, optFns...)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := New(source, optFns...)
	if err != nil {
		return nil, err
	}
	if err := h.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteTo serializes the graph.
func (h *HNSW) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	entry := uint64(noEntryPoint)
	if h.hasEntry {
		entry = h.entryPoint
	}

	if _, err := cw.Write([]byte(Magic)); err != nil {
		return cw.n, err
	}
	for _, v := range []uint32{Version, uint32(h.opts.Dimension), uint32(h.mmax), uint32(h.mmax0), uint32(h.opts.EFConstruction)} {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, err
		}
	}
	if err := binary.Write(cw, binary.LittleEndian, entry); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(h.maxLevel)); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint64(h.count)); err != nil {
		return cw.n, err
	}

	for id := uint64(0); id < uint64(len(h.nodes)); id++ {
		n := h.nodes[id]
		if n == nil {
			continue
		}
		if n.level > maxLevelStored {
			return cw.n, fmt.Errorf("%w: level %d exceeds storable range", ErrCorrupt, n.level)
		}
		if err := binary.Write(cw, binary.LittleEndian, id); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write([]byte{byte(n.level)}); err != nil {
			return cw.n, err
		}
		for layer := 0; layer <= n.level; layer++ {
			conns := n.neighbors[layer]
			if err := binary.Write(cw, binary.LittleEndian, uint16(len(conns))); err != nil {
				return cw.n, err
			}
			for _, c := range conns {
				if err := binary.Write(cw, binary.LittleEndian, c); err != nil {
					return cw.n, err
				}
			}
		}
	}

	return cw.n, nil
}

// ReadFrom populates an empty graph from r, replacing its contents.
func (h *HNSW) ReadFrom(r io.Reader) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if string(magic[:]) != Magic {
		return ErrBadMagic
	}

	var version, dim, m, m0, efc, maxLevel uint32
	var entry, count uint64
	for _, dst := range []any{&version, &dim, &m, &m0, &efc} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &maxLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	if int(dim) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: int(dim)}
	}
	if int(m) != h.mmax || int(m0) != h.mmax0 {
		return fmt.Errorf("%w: M %d/%d does not match configured %d/%d", ErrCorrupt, m, m0, h.mmax, h.mmax0)
	}

	h.nodes = nil
	h.count = 0
	h.hasEntry = false
	h.maxLevel = 0

	for i := uint64(0); i < count; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("%w: node %d: %w", ErrCorrupt, i, err)
		}
		var levelByte [1]byte
		if _, err := io.ReadFull(r, levelByte[:]); err != nil {
			return fmt.Errorf("%w: node %d: %w", ErrCorrupt, i, err)
		}
		level := int(levelByte[0])

		n := &node{level: level, neighbors: make([][]uint64, level+1)}
		for layer := 0; layer <= level; layer++ {
			var neighborCount uint16
			if err := binary.Read(r, binary.LittleEndian, &neighborCount); err != nil {
				return fmt.Errorf("%w: node %d layer %d: %w", ErrCorrupt, i, layer, err)
			}
			conns := make([]uint64, neighborCount)
			for j := range conns {
				if err := binary.Read(r, binary.LittleEndian, &conns[j]); err != nil {
					return fmt.Errorf("%w: node %d layer %d: %w", ErrCorrupt, i, layer, err)
				}
			}
			n.neighbors[layer] = conns
		}

		h.grow(id)
		if h.nodes[id] != nil {
			return fmt.Errorf("%w: duplicate node %d", ErrCorrupt, id)
		}
		h.nodes[id] = n
		h.count++
	}

	// Reject trailing garbage.
	var trailing [1]byte
	if _, err := r.Read(trailing[:]); err != io.EOF {
		return fmt.Errorf("%w: trailing bytes after %d nodes", ErrCorrupt, count)
	}

	h.maxLevel = int(maxLevel)
	if entry != noEntryPoint {
		if !h.Contains(entry) {
			return fmt.Errorf("%w: entry point %d has no node", ErrCorrupt, entry)
		}
		if h.nodes[entry].level != h.maxLevel {
			return fmt.Errorf("%w: entry point level %d != max level %d", ErrCorrupt, h.nodes[entry].level, h.maxLevel)
		}
		h.entryPoint = entry
		h.hasEntry = true
	} else if count != 0 {
		return fmt.Errorf("%w: %d nodes but no entry point", ErrCorrupt, count)
	}

	return nil
}
