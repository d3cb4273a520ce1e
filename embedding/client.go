// Package embedding provides the batched client for the external
// embedding provider.
//
// The contract is order- and length-preserving: Embed returns exactly one
// vector per input text, in input order. Requests are cut into
// sub-batches by a byte budget, paced by a rate limiter, issued
// concurrently, and retried with exponential backoff on transient
// failures.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Env variable names consumed by NewOpenAI.
const (
	EnvAPIKey   = "EMBED_API_KEY"
	EnvEndpoint = "EMBED_ENDPOINT"
	EnvModel    = "EMBED_MODEL"
)

var (
	// ErrUnavailable wraps a transient provider failure that survived
	// every retry attempt.
	ErrUnavailable = errors.New("embedding: provider unavailable")

	// ErrFatal wraps a provider rejection that retrying cannot fix
	// (authentication, malformed request).
	ErrFatal = errors.New("embedding: request rejected")

	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("embedding: missing API key")
)

// Client is the embedding provider contract consumed by the coordinator.
type Client interface {
	// Embed returns one vector per text, order preserved.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the expected vector dimension, or 0 if unknown.
	Dimension() int
}

// Options configures the OpenAI-compatible client.
type Options struct {
	// APIKey authenticates requests. Defaults to $EMBED_API_KEY.
	APIKey string
	// BaseURL overrides the provider endpoint. Defaults to $EMBED_ENDPOINT.
	BaseURL string
	// Model is the embedding model name. Defaults to $EMBED_MODEL.
	Model string
	// Dimension, when non-zero, is enforced on every returned vector.
	Dimension int
	// MaxBatchBytes is the byte budget per request.
	MaxBatchBytes int
	// MaxAttempts bounds the attempts of one request on transient
	// failure, the first try included.
	MaxAttempts int
	// RequestTimeout bounds a single provider request.
	RequestTimeout time.Duration
	// BatchDeadline bounds one whole Embed call. Zero means no deadline.
	BatchDeadline time.Duration
	// RequestsPerSecond paces outgoing requests.
	RequestsPerSecond float64
	// Concurrency bounds in-flight sub-batch requests.
	Concurrency int
}

// DefaultOptions are the client defaults.
var DefaultOptions = Options{
	Model:             "text-embedding-3-small",
	MaxBatchBytes:     1 << 20,
	MaxAttempts:       5,
	RequestTimeout:    60 * time.Second,
	RequestsPerSecond: 10,
	Concurrency:       4,
}

// OpenAI is a Client backed by an OpenAI-compatible embeddings endpoint.
type OpenAI struct {
	client  *openai.Client
	limiter *rate.Limiter
	opts    Options
}

var _ Client = (*OpenAI)(nil)

// NewOpenAI creates a client, filling unset options from the environment.
func NewOpenAI(optFns ...func(o *Options)) (*OpenAI, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.APIKey == "" {
		opts.APIKey = os.Getenv(EnvAPIKey)
	}
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.BaseURL == "" {
		opts.BaseURL = os.Getenv(EnvEndpoint)
	}
	if m := os.Getenv(EnvModel); m != "" && opts.Model == DefaultOptions.Model {
		opts.Model = m
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(cfg),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		opts:    opts,
	}, nil
}

// Dimension returns the configured dimension, or 0 if unknown.
func (c *OpenAI) Dimension() int { return c.opts.Dimension }

// Embed implements Client.
func (c *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if c.opts.BatchDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.BatchDeadline)
		defer cancel()
	}

	out := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for _, p := range partition(texts, c.opts.MaxBatchBytes) {
		g.Go(func() error {
			vecs, err := c.embedBatch(ctx, texts[p.start:p.end])
			if err != nil {
				return err
			}
			copy(out[p.start:], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: batch deadline exceeded: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	return out, nil
}

// embedBatch issues one sub-batch with retry.
func (c *OpenAI) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vecs, err := c.request(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		if !isTransient(err) {
			return nil, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d attempts: %w", ErrUnavailable, c.opts.MaxAttempts, lastErr)
}

func (c *OpenAI) request(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx := ctx
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	resp, err := c.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.opts.Model),
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrFatal, len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vecs) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrFatal, item.Index)
		}
		if c.opts.Dimension > 0 && len(item.Embedding) != c.opts.Dimension {
			return nil, fmt.Errorf("%w: dimension %d, expected %d", ErrFatal, len(item.Embedding), c.opts.Dimension)
		}
		vecs[item.Index] = item.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("%w: missing embedding for input %d", ErrFatal, i)
		}
	}
	return vecs, nil
}

type part struct {
	start, end int
}

// partition cuts texts into contiguous sub-batches whose summed byte
// length stays within budget. A single oversized text still gets its own
// batch.
func partition(texts []string, budget int) []part {
	var parts []part
	start, size := 0, 0
	for i, t := range texts {
		if i > start && size+len(t) > budget {
			parts = append(parts, part{start, i})
			start, size = i, 0
		}
		size += len(t)
	}
	if start < len(texts) {
		parts = append(parts, part{start, len(texts)})
	}
	return parts
}

// isTransient classifies provider failures worth retrying: rate limits,
// server errors, and network timeouts.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func backoffDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond << (attempt - 1)
	if d > 16*time.Second {
		d = 16 * time.Second
	}
	return d
}
