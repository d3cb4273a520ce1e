package dewey

import (
	"context"
	"errors"
	"fmt"

	"github.com/JTan2231/dewey/directory"
	"github.com/JTan2231/dewey/embedding"
	"github.com/JTan2231/dewey/hnsw"
	"github.com/JTan2231/dewey/vectorstore"
)

var (
	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument = errors.New("dewey: invalid argument")

	// ErrNotFound indicates an unknown path or block id.
	ErrNotFound = errors.New("dewey: not found")

	// ErrIndexEmpty indicates an operation that requires indexed content
	// ran against an empty index. Plain queries against an empty index
	// return an empty result instead.
	ErrIndexEmpty = errors.New("dewey: index is empty")

	// ErrEmbeddingUnavailable indicates the embedding provider kept
	// failing transiently until the retry budget ran out.
	ErrEmbeddingUnavailable = errors.New("dewey: embedding provider unavailable")

	// ErrEmbeddingFatal indicates the provider rejected the request in a
	// way retries cannot fix.
	ErrEmbeddingFatal = errors.New("dewey: embedding request rejected")

	// ErrCancelled indicates the operation observed cancellation.
	ErrCancelled = errors.New("dewey: cancelled")
)

// ErrDimensionMismatch indicates vectors of the wrong length anywhere in
// the pipeline. The underlying error is available via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dewey: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError normalizes subsystem errors to the public kinds.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	if errors.Is(err, embedding.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if errors.Is(err, embedding.ErrFatal) || errors.Is(err, embedding.ErrMissingAPIKey) {
		return fmt.Errorf("%w: %w", ErrEmbeddingFatal, err)
	}

	if errors.Is(err, vectorstore.ErrNotFound) || errors.Is(err, directory.ErrUnknownBlock) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var sdm *vectorstore.ErrDimensionMismatch
	if errors.As(err, &sdm) {
		return &ErrDimensionMismatch{Expected: sdm.Expected, Actual: sdm.Actual, cause: err}
	}
	var gdm *hnsw.ErrDimensionMismatch
	if errors.As(err, &gdm) {
		return &ErrDimensionMismatch{Expected: gdm.Expected, Actual: gdm.Actual, cause: err}
	}

	return err
}
