package dewey

import (
	"github.com/JTan2231/dewey/embedding"
	"github.com/JTan2231/dewey/splitter"
)

// Options configures the index coordinator.
type Options struct {
	// Dimension is the vector dimension shared by the deployment.
	// Mismatched persisted files are fatal on open.
	Dimension int

	// M is the graph neighbor capacity per layer above 0.
	M int

	// EFConstruction is the construction beam width.
	EFConstruction int

	// EFSearch is the default search beam width.
	EFSearch int

	// CacheCapacity bounds the embedding cache in entries. Zero disables
	// caching; the cache is advisory either way.
	CacheCapacity int

	// BatchSize is the number of chunks committed per write-lock
	// acquisition during reindex.
	BatchSize int

	// Rules is the split rule table. Empty uses splitter.DefaultRules.
	Rules []splitter.Rule

	// Embedder is the embedding provider. Nil builds an OpenAI client
	// from the environment on first use.
	Embedder embedding.Client

	// RandomSeed pins the graph's level-draw RNG.
	RandomSeed *int64

	// Logger receives structured logs. Nil discards.
	Logger *Logger
}

// DefaultOptions are the deployment defaults.
var DefaultOptions = Options{
	Dimension:      1536,
	M:              16,
	EFConstruction: 200,
	EFSearch:       50,
	CacheCapacity:  4096,
	BatchSize:      64,
}
