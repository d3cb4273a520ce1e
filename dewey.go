// Package dewey is an embedding index for local plaintext corpora.
//
// Dewey splits files into chunks, embeds them through an external
// provider, and maintains a persistent HNSW index over the resulting
// vectors, answering top-k similarity queries with optional tag filters.
// The coordinator in this package is the only type external callers
// touch; the subsystems live in their own packages (vectorstore,
// directory, splitter, embedding, cache, hnsw).
package dewey

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/JTan2231/dewey/cache"
	"github.com/JTan2231/dewey/directory"
	"github.com/JTan2231/dewey/distance"
	"github.com/JTan2231/dewey/embedding"
	"github.com/JTan2231/dewey/hnsw"
	"github.com/JTan2231/dewey/splitter"
	"github.com/JTan2231/dewey/vectorstore"
)

// MaxK bounds the k argument of queries.
const MaxK = 1024

// Result is one query hit: a source region and its cosine distance to
// the query, in [0, 2].
type Result struct {
	Path  string
	Start uint64
	End   uint64
	Score float32
}

// ChunkRef identifies a chunk that was not committed.
type ChunkRef struct {
	Path  string
	Start uint64
	End   uint64
}

// ReindexResult reports reindex progress. FirstUnprocessed is nil when
// the walk completed. On failure it names the first chunk that did not
// make it into the index, provided that chunk had already been split: a
// cancellation observed right after a batch that used up every split
// chunk leaves it nil even though the walk stopped early.
type ReindexResult struct {
	ChunksCommitted  int
	FirstUnprocessed *ChunkRef
}

// Stats summarizes the index.
type Stats struct {
	Blocks      uint64
	Live        int
	Graph       hnsw.Stats
	CacheHits   int64
	CacheMisses int64
}

// Dewey is the index coordinator: a process-wide singleton over the
// three persisted files under its home directory. A single
// reader-writer lock governs the whole index; queries take the read
// lock, mutation takes the write lock one batch at a time.
type Dewey struct {
	mu sync.RWMutex

	home  string
	opts  Options
	store *vectorstore.Store
	cache *cache.Cache
	dir   *directory.Directory
	graph *hnsw.HNSW
	split *splitter.Splitter

	embedMu  sync.Mutex
	embedder embedding.Client

	logger *Logger
}

// Open loads (or initializes) the index under home. Version or
// dimension mismatches in the persisted files are fatal; a graph lagging
// behind the committed block set (a crash window between batch files) is
// repaired by reinserting the missing blocks.
func Open(home string, optFns ...func(o *Options)) (*Dewey, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}

	store, err := vectorstore.Open(home, opts.Dimension)
	if err != nil {
		return nil, translateError(err)
	}

	vcache := cache.New(store, opts.CacheCapacity)

	dir, err := directory.Open(filepath.Join(home, directory.LogFile), opts.Logger.Logger)
	if err != nil {
		store.Close()
		return nil, translateError(err)
	}

	graph, err := hnsw.LoadFromFile(filepath.Join(home, hnsw.GraphFile), vcache, func(o *hnsw.Options) {
		o.Dimension = opts.Dimension
		o.M = opts.M
		o.EFConstruction = opts.EFConstruction
		o.EFSearch = opts.EFSearch
		o.RandomSeed = opts.RandomSeed
	})
	if err != nil {
		dir.Close()
		store.Close()
		return nil, translateError(err)
	}

	d := &Dewey{
		home:     home,
		opts:     opts,
		store:    store,
		cache:    vcache,
		dir:      dir,
		graph:    graph,
		split:    splitter.New(opts.Rules...),
		embedder: opts.Embedder,
		logger:   opts.Logger,
	}

	if err := d.repairGraph(); err != nil {
		d.Close()
		return nil, translateError(err)
	}
	return d, nil
}

// repairGraph reinserts blocks present in the source directory but
// missing from the graph.
func (d *Dewey) repairGraph() error {
	repaired := 0
	for _, id := range d.dir.IDs() {
		if d.graph.Contains(id) {
			continue
		}
		vec, err := d.store.Read(id)
		if err != nil {
			return err
		}
		if err := d.graph.Insert(id, vec); err != nil {
			return err
		}
		repaired++
	}
	if repaired > 0 {
		d.logger.Warn("graph lagged behind committed blocks, repaired", "blocks", repaired)
		return d.graph.SaveToFile(filepath.Join(d.home, hnsw.GraphFile))
	}
	return nil
}

// Reindex walks root honoring ignore rules, splits every non-ignored
// file, and commits chunks to the index in batches. The write lock is
// held per batch, not for the whole walk. On embedding failure the
// committed batches persist and the result names the first unprocessed
// chunk. Cancellation is observed between batches.
func (d *Dewey) Reindex(ctx context.Context, root string) (ReindexResult, error) {
	res := ReindexResult{}
	var pending []splitter.Chunk
	batchNum := 0

	commit := func(batch []splitter.Chunk) error {
		if err := d.commitBatch(ctx, batch); err != nil {
			res.FirstUnprocessed = ref(batch[0])
			return err
		}
		batchNum++
		res.ChunksCommitted += len(batch)
		d.logger.LogBatchCommit(batchNum, len(batch), res.ChunksCommitted)
		return nil
	}

	var commitErr error
	walkErr := splitter.WalkCorpus(root, func(path string) error {
		chunks, err := d.split.SplitFile(path)
		if err != nil {
			d.logger.Warn("skipping unreadable file", "path", path, "error", err)
			return nil
		}
		pending = append(pending, chunks...)
		for len(pending) >= d.opts.BatchSize {
			batch := pending[:d.opts.BatchSize]
			pending = pending[d.opts.BatchSize:]
			if commitErr = commit(batch); commitErr != nil {
				return commitErr
			}
			if err := ctx.Err(); err != nil {
				commitErr = fmt.Errorf("%w: %w", ErrCancelled, err)
				if len(pending) > 0 {
					res.FirstUnprocessed = ref(pending[0])
				}
				return commitErr
			}
		}
		return nil
	})

	if commitErr != nil {
		return res, commitErr
	}
	if walkErr != nil {
		return res, translateError(walkErr)
	}
	if len(pending) > 0 {
		if err := commit(pending); err != nil {
			return res, err
		}
	}
	return res, nil
}

// AddFile splits a single file and commits its chunks, tombstoning any
// blocks previously indexed for the same path. When the file's chunk
// hashes are unchanged it is a no-op returning 0.
func (d *Dewey) AddFile(ctx context.Context, path string) (int, error) {
	chunks, err := d.split.SplitFile(path)
	if err != nil {
		return 0, translateError(err)
	}

	if d.unchanged(path, chunks) {
		return 0, nil
	}

	if _, err := d.Tombstone(path); err != nil && !isNotFound(err) {
		return 0, err
	}

	committed := 0
	for start := 0; start < len(chunks); start += d.opts.BatchSize {
		end := min(start+d.opts.BatchSize, len(chunks))
		if err := d.commitBatch(ctx, chunks[start:end]); err != nil {
			return committed, err
		}
		committed += end - start
	}
	return committed, nil
}

// unchanged reports whether path's live blocks already match chunks by
// range and content hash.
func (d *Dewey) unchanged(path string, chunks []splitter.Chunk) bool {
	ids := d.dir.BlocksForPath(path)
	if len(ids) != len(chunks) || len(chunks) == 0 {
		return len(ids) == 0 && len(chunks) == 0
	}
	for i, id := range ids {
		rec, ok := d.dir.Get(id)
		if !ok ||
			rec.Start != chunks[i].Start ||
			rec.End != chunks[i].End ||
			rec.Hash != sha256.Sum256([]byte(chunks[i].Text)) {
			return false
		}
	}
	return true
}

// commitBatch embeds one batch and commits it under the write lock.
func (d *Dewey) commitBatch(ctx context.Context, batch []splitter.Chunk) error {
	if len(batch) == 0 {
		return nil
	}

	client, err := d.embedderClient()
	if err != nil {
		return translateError(err)
	}

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vecs, err := client.Embed(ctx, texts)
	if err != nil {
		return translateError(err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("%w: embedder returned %d vectors for %d chunks", ErrEmbeddingFatal, len(vecs), len(batch))
	}

	normalized := make([][]float32, len(vecs))
	for i, v := range vecs {
		norm, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return fmt.Errorf("%w: zero embedding for chunk %s:%d", ErrInvalidArgument, batch[i].Path, batch[i].Start)
		}
		normalized[i] = norm
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, chunk := range batch {
		id, err := d.store.Append(normalized[i])
		if err != nil {
			return translateError(err)
		}
		rec := directory.Record{
			BlockID: id,
			Path:    chunk.Path,
			Start:   chunk.Start,
			End:     chunk.End,
			Tags:    chunk.Tags,
			Hash:    sha256.Sum256([]byte(chunk.Text)),
		}
		if err := d.dir.Insert(rec); err != nil {
			return translateError(err)
		}
		if err := d.graph.Insert(id, normalized[i]); err != nil {
			return translateError(err)
		}
	}

	if err := d.store.Flush(); err != nil {
		return translateError(err)
	}
	if err := d.dir.Flush(); err != nil {
		return translateError(err)
	}
	return d.graph.SaveToFile(filepath.Join(d.home, hnsw.GraphFile))
}

// Query embeds text and returns the k nearest chunks passing the tag
// filter, ordered by ascending cosine distance. An empty index yields an
// empty result without error.
func (d *Dewey) Query(ctx context.Context, text string, tags []string, k int) ([]Result, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty query text", ErrInvalidArgument)
	}

	d.mu.RLock()
	empty := d.graph.Len() == 0
	d.mu.RUnlock()
	if empty {
		return nil, nil
	}

	client, err := d.embedderClient()
	if err != nil {
		return nil, translateError(err)
	}
	vecs, err := client.Embed(ctx, []string{text})
	if err != nil {
		d.logger.LogQuery(k, 0, err)
		return nil, translateError(err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for one input", ErrEmbeddingFatal, len(vecs))
	}

	q, ok := distance.NormalizeL2Copy(vecs[0])
	if !ok {
		return nil, fmt.Errorf("%w: zero query embedding", ErrInvalidArgument)
	}

	results, err := d.search(q, tags, k)
	d.logger.LogQuery(k, len(results), err)
	return results, err
}

// QueryByFile averages the normalized vectors of path's blocks,
// re-normalizes, and searches with the result. A path with no indexed
// blocks yields an empty result without error.
func (d *Dewey) QueryByFile(ctx context.Context, path string, tags []string, k int) ([]Result, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.dir.BlocksForPath(path)
	if len(ids) == 0 {
		return nil, nil
	}

	avg := make([]float32, d.opts.Dimension)
	for _, id := range ids {
		vec, err := d.cache.Vector(id)
		if err != nil {
			return nil, translateError(err)
		}
		for i, v := range vec {
			avg[i] += v
		}
	}
	if !distance.NormalizeL2InPlace(avg) {
		return nil, nil
	}

	return d.searchLocked(avg, tags, k)
}

func (d *Dewey) search(q []float32, tags []string, k int) ([]Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.searchLocked(q, tags, k)
}

func (d *Dewey) searchLocked(q []float32, tags []string, k int) ([]Result, error) {
	ef := max(d.opts.EFSearch, k)
	hits, err := d.graph.Search(q, k, ef, d.dir.Filter(tags))
	if err != nil {
		return nil, translateError(err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		rec, ok := d.dir.Get(hit.ID)
		if !ok {
			d.logger.Warn("search hit without source record", "id", hit.ID)
			continue
		}
		results = append(results, Result{
			Path:  rec.Path,
			Start: rec.Start,
			End:   rec.End,
			Score: hit.Distance,
		})
	}
	return results, nil
}

// Tombstone logically deletes every live block of path, returning the
// count. The vector slots and graph nodes are retained so block ids stay
// stable; searches filter the dead ids out.
func (d *Dewey) Tombstone(path string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := d.dir.BlocksForPath(path)
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no indexed blocks for %s", ErrNotFound, path)
	}
	for _, id := range ids {
		if err := d.dir.Tombstone(id); err != nil {
			return 0, translateError(err)
		}
	}
	if err := d.dir.Flush(); err != nil {
		return 0, translateError(err)
	}
	return len(ids), nil
}

// Snapshot persists all three files. The source log is rewritten in
// compact form and the graph serialized, each via a temp sibling and
// rename. The append-only vector file is synced in place; it does not go
// through a temp sibling and rename.
func (d *Dewey) Snapshot() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.snapshotLocked()
	d.logger.LogSnapshot(d.home, err)
	return err
}

func (d *Dewey) snapshotLocked() error {
	if err := d.store.Flush(); err != nil {
		return translateError(err)
	}
	if err := d.dir.Snapshot(); err != nil {
		return translateError(err)
	}
	return d.graph.SaveToFile(filepath.Join(d.home, hnsw.GraphFile))
}

// Stats reports index shape and cache effectiveness.
func (d *Dewey) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	hits, misses := d.cache.Stats()
	return Stats{
		Blocks:      d.store.Len(),
		Live:        d.dir.LiveCount(),
		Graph:       d.graph.Stats(),
		CacheHits:   hits,
		CacheMisses: misses,
	}
}

// Close flushes and releases the underlying files.
func (d *Dewey) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.dir.Close()
	if storeErr := d.store.Close(); storeErr != nil && err == nil {
		err = storeErr
	}
	return err
}

// embedderClient lazily builds the provider client from the environment
// when none was injected.
func (d *Dewey) embedderClient() (embedding.Client, error) {
	d.embedMu.Lock()
	defer d.embedMu.Unlock()

	if d.embedder == nil {
		client, err := embedding.NewOpenAI(func(o *embedding.Options) {
			o.Dimension = d.opts.Dimension
		})
		if err != nil {
			return nil, err
		}
		d.embedder = client
	}
	return d.embedder, nil
}

func validateK(k int) error {
	if k < 1 || k > MaxK {
		return fmt.Errorf("%w: k must be in 1..%d, got %d", ErrInvalidArgument, MaxK, k)
	}
	return nil
}

func ref(c splitter.Chunk) *ChunkRef {
	return &ChunkRef{Path: c.Path, Start: c.Start, End: c.End}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
