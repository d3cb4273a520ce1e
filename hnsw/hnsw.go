// Package hnsw implements the persistent Hierarchical Navigable Small
// World graph over block ids.
//
// The graph stores only topology: levels and neighbor lists keyed by
// block id. Vectors live in the vector store and are fetched through a
// VectorSource (normally the embedding cache). All vectors are
// L2-normalized before insertion, so distance is cosine distance
// computed as 1 - dot.
//
// Writes require external single-writer discipline (the coordinator's
// write lock); searches may run concurrently with each other.
package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/JTan2231/dewey/distance"
	"github.com/JTan2231/dewey/internal/queue"
	"github.com/JTan2231/dewey/internal/visited"
)

const (
	// DefaultM is the default neighbor capacity per layer above 0.
	DefaultM = 16

	// DefaultEFConstruction is the default construction beam width.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default search beam width.
	DefaultEFSearch = 50

	// mmax0Multiplier doubles the capacity at layer 0.
	mmax0Multiplier = 2

	minimumM = 2
)

var (
	// ErrDuplicateID is returned when inserting an id already present.
	ErrDuplicateID = errors.New("hnsw: duplicate block id")

	// ErrUnknownNode is returned when an insert links back to an id that
	// has no graph node at that layer. The graph and the vector store
	// share an id domain, so this indicates corruption.
	ErrUnknownNode = errors.New("hnsw: unknown node")
)

// ErrDimensionMismatch indicates a vector of the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// VectorSource resolves a block id to its stored (normalized) vector.
type VectorSource interface {
	Vector(id uint64) ([]float32, error)
}

// Options configures graph construction and search.
type Options struct {
	// Dimension is the vector dimension shared by the deployment.
	Dimension int
	// M is the neighbor capacity per layer above 0; layer 0 holds 2M.
	M int
	// EFConstruction is the beam width used while inserting.
	EFConstruction int
	// EFSearch is the default beam width used while searching.
	EFSearch int
	// RandomSeed pins the level-draw RNG for deterministic builds.
	// Nil seeds from the clock.
	RandomSeed *int64
}

// DefaultOptions are the graph defaults from the deployment profile.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
}

// Result is one search hit.
type Result struct {
	ID       uint64
	Distance float32
}

type node struct {
	level     int
	neighbors [][]uint64 // layer -> neighbor ids, len == level+1
}

// HNSW is the multi-layer proximity graph.
type HNSW struct {
	mmax      int
	mmax0     int
	levelMult float64

	hasEntry   bool
	entryPoint uint64
	maxLevel   int

	nodes []*node // indexed by block id
	count int

	source VectorSource
	opts   Options

	rng   *rand.Rand
	rngMu sync.Mutex

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// New creates an empty graph reading vectors from source.
func New(source VectorSource, optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	h := &HNSW{
		mmax:      opts.M,
		mmax0:     mmax0Multiplier * opts.M,
		levelMult: 1 / math.Log(float64(opts.M)),
		source:    source,
		opts:      opts,
		rng:       rng,
		minQueuePool: &sync.Pool{
			New: func() any { return queue.NewMin(opts.EFConstruction) },
		},
		maxQueuePool: &sync.Pool{
			New: func() any { return queue.NewMax(opts.EFConstruction) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}
	return h, nil
}

// Len returns the number of nodes in the graph.
func (h *HNSW) Len() int { return h.count }

// MaxLevel returns the current maximum layer.
func (h *HNSW) MaxLevel() int { return h.maxLevel }

// EntryPoint returns the current entry node, if any.
func (h *HNSW) EntryPoint() (uint64, bool) { return h.entryPoint, h.hasEntry }

// Contains reports whether id has a graph node.
func (h *HNSW) Contains(id uint64) bool {
	return id < uint64(len(h.nodes)) && h.nodes[id] != nil
}

// Neighbors returns the neighbor list of id at layer, or nil.
func (h *HNSW) Neighbors(id uint64, layer int) []uint64 {
	if !h.Contains(id) {
		return nil
	}
	n := h.nodes[id]
	if layer > n.level {
		return nil
	}
	return n.neighbors[layer]
}

// Insert adds id with its pre-normalized vector vec to the graph.
func (h *HNSW) Insert(id uint64, vec []float32) error {
	if len(vec) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(vec)}
	}
	if h.Contains(id) {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	level := h.drawLevel()

	h.grow(id)
	n := &node{level: level, neighbors: make([][]uint64, level+1)}

	if !h.hasEntry {
		h.nodes[id] = n
		h.count++
		h.entryPoint = id
		h.maxLevel = level
		h.hasEntry = true
		return nil
	}

	currID := h.entryPoint
	currDist, err := h.dist(vec, currID)
	if err != nil {
		return err
	}

	// Greedy descent through the layers above the new node's level.
	for layer := h.maxLevel; layer > level; layer-- {
		currID, currDist, err = h.greedyStep(vec, currID, currDist, layer)
		if err != nil {
			return err
		}
	}

	h.nodes[id] = n
	h.count++

	for layer := min(level, h.maxLevel); layer >= 0; layer-- {
		results, err := h.searchLayer(vec, currID, currDist, layer, h.opts.EFConstruction, nil)
		if err != nil {
			return err
		}

		if best, ok := results.Min(); ok {
			currID, currDist = best.Node, best.Distance
		}

		capacity := h.layerCapacity(layer)
		neighbors, err := h.selectNeighbors(vec, results, capacity)

		results.Reset()
		h.maxQueuePool.Put(results)

		if err != nil {
			return err
		}

		n.neighbors[layer] = neighbors
		for _, neighborID := range neighbors {
			if err := h.link(neighborID, id, layer); err != nil {
				return err
			}
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
	return nil
}

// Search returns up to k admitted block ids nearest to q, in ascending
// (distance, id) order. The filter admits ids into the result set only;
// the traversal frontier is never filtered, so recall survives near
// tombstoned regions.
func (h *HNSW) Search(q []float32, k, ef int, filter func(id uint64) bool) ([]Result, error) {
	if len(q) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}
	if !h.hasEntry {
		return nil, nil
	}
	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	currID := h.entryPoint
	currDist, err := h.dist(q, currID)
	if err != nil {
		return nil, err
	}

	var stepErr error
	for layer := h.maxLevel; layer > 0; layer-- {
		currID, currDist, stepErr = h.greedyStep(q, currID, currDist, layer)
		if stepErr != nil {
			return nil, stepErr
		}
	}

	results, err := h.searchLayer(q, currID, currDist, 0, ef, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		results.Reset()
		h.maxQueuePool.Put(results)
	}()

	out := make([]Result, 0, min(k, results.Len()))
	for _, item := range results.Items() {
		out = append(out, Result{ID: item.Node, Distance: item.Distance})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// greedyStep moves to the closest improving neighbor at layer until no
// neighbor improves.
func (h *HNSW) greedyStep(q []float32, currID uint64, currDist float32, layer int) (uint64, float32, error) {
	for {
		improved := false
		for _, nextID := range h.Neighbors(currID, layer) {
			nextDist, err := h.dist(q, nextID)
			if err != nil {
				return 0, 0, err
			}
			if nextDist < currDist || (nextDist == currDist && nextID < currID) {
				currID, currDist = nextID, nextDist
				improved = true
			}
		}
		if !improved {
			return currID, currDist, nil
		}
	}
}

// searchLayer is the layer-local beam search: a min-heap frontier, a
// max-heap of the best ef admitted results, and a visited set. The
// caller must Reset and return the result queue to maxQueuePool.
func (h *HNSW) searchLayer(q []float32, epID uint64, epDist float32, layer, ef int, filter func(id uint64) bool) (*queue.PriorityQueue, error) {
	seen := h.visitedPool.Get().(*visited.Set)
	seen.Reset()
	defer h.visitedPool.Put(seen)

	candidates := h.minQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.minQueuePool.Put(candidates)
	}()

	results := h.maxQueuePool.Get().(*queue.PriorityQueue)
	results.Reset()

	seen.Visit(epID)
	candidates.Push(queue.Item{Node: epID, Distance: epDist})
	if filter == nil || filter(epID) {
		results.Push(queue.Item{Node: epID, Distance: epDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, nextID := range h.Neighbors(curr.Node, layer) {
			if seen.Visited(nextID) {
				continue
			}
			seen.Visit(nextID)

			nextDist, err := h.dist(q, nextID)
			if err != nil {
				return nil, err
			}

			// Skip clearly losing candidates once the beam is full.
			// With a filter the frontier stays permissive so traversal
			// does not stall inside filtered-out regions.
			if filter == nil && results.Len() >= ef {
				if worst, ok := results.Top(); ok && nextDist > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Node: nextID, Distance: nextDist})
			if filter == nil || filter(nextID) {
				results.Push(queue.Item{Node: nextID, Distance: nextDist})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results, nil
}

// selectNeighbors applies the diversity heuristic: walk candidates in
// ascending distance to the query and keep those closer to the query
// than to any already-kept neighbor.
func (h *HNSW) selectNeighbors(vec []float32, candidates *queue.PriorityQueue, m int) ([]uint64, error) {
	ordered := make([]queue.Item, candidates.Len())
	for i := len(ordered) - 1; i >= 0; i-- {
		ordered[i], _ = candidates.Pop()
	}

	kept := make([]uint64, 0, m)
	keptVecs := make([][]float32, 0, m)
	for _, cand := range ordered {
		if len(kept) >= m {
			break
		}
		candVec, err := h.source.Vector(cand.Node)
		if err != nil {
			return nil, err
		}
		diverse := true
		for _, kv := range keptVecs {
			if distance.Cosine(candVec, kv) < cand.Distance {
				diverse = false
				break
			}
		}
		if diverse {
			kept = append(kept, cand.Node)
			keptVecs = append(keptVecs, candVec)
		}
	}
	return kept, nil
}

// link installs the back edge target -> source, trimming with the
// heuristic when the list would exceed its capacity.
func (h *HNSW) link(id, newID uint64, layer int) error {
	n := h.nodes[id]
	if n == nil || layer > n.level {
		return fmt.Errorf("%w: %d at layer %d", ErrUnknownNode, id, layer)
	}

	for _, existing := range n.neighbors[layer] {
		if existing == newID {
			return nil
		}
	}

	capacity := h.layerCapacity(layer)
	if len(n.neighbors[layer]) < capacity {
		n.neighbors[layer] = append(n.neighbors[layer], newID)
		return nil
	}

	// Over capacity: rerun the heuristic on existing neighbors + newID.
	vec, err := h.source.Vector(id)
	if err != nil {
		return err
	}

	union := h.maxQueuePool.Get().(*queue.PriorityQueue)
	union.Reset()
	defer func() {
		union.Reset()
		h.maxQueuePool.Put(union)
	}()

	for _, c := range append(append([]uint64{}, n.neighbors[layer]...), newID) {
		d, err := h.dist(vec, c)
		if err != nil {
			return err
		}
		union.Push(queue.Item{Node: c, Distance: d})
	}

	trimmed, err := h.selectNeighbors(vec, union, capacity)
	if err != nil {
		return err
	}
	n.neighbors[layer] = trimmed
	return nil
}

func (h *HNSW) layerCapacity(layer int) int {
	if layer == 0 {
		return h.mmax0
	}
	return h.mmax
}

func (h *HNSW) dist(q []float32, id uint64) (float32, error) {
	vec, err := h.source.Vector(id)
	if err != nil {
		return 0, err
	}
	return distance.Cosine(q, vec), nil
}

// drawLevel samples the node level from the exponential distribution
// floor(-ln(U) * levelMultiplier), U in (0, 1].
func (h *HNSW) drawLevel() int {
	h.rngMu.Lock()
	u := 1 - h.rng.Float64()
	h.rngMu.Unlock()
	return int(math.Floor(-math.Log(u) * h.levelMult))
}

func (h *HNSW) grow(id uint64) {
	if id < uint64(len(h.nodes)) {
		return
	}
	grown := make([]*node, id+1)
	copy(grown, h.nodes)
	h.nodes = grown
}
