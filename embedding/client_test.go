package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// newServer returns an OpenAI-compatible embeddings endpoint that
// derives each vector deterministically from its input text, after
// failing the first failures requests with status failStatus.
func newServer(t *testing.T, failures int, failStatus int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))

		n := calls.Add(1)
		if int(n) <= failures {
			w.WriteHeader(failStatus)
			_, _ = w.Write([]byte(`{"error":{"message":"induced failure","type":"server_error"}}`))
			return
		}

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Object string `json:"object"`
			Data   []item `json:"data"`
			Model  string `json:"model"`
		}{Object: "list", Model: req.Model}

		for i, text := range req.Input {
			resp.Data = append(resp.Data, item{
				Object:    "embedding",
				Index:     i,
				Embedding: vectorFor(text),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func vectorFor(text string) []float32 {
	var sum float32
	for _, b := range []byte(text) {
		sum += float32(b)
	}
	return []float32{float32(len(text)), sum}
}

func newClient(t *testing.T, srv *httptest.Server, optFns ...func(o *Options)) *OpenAI {
	t.Helper()
	c, err := NewOpenAI(append([]func(o *Options){func(o *Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL + "/v1"
		o.RequestsPerSecond = 1000
	}}, optFns...)...)
	require.NoError(t, err)
	return c
}

func TestEmbedPreservesOrderAcrossSubBatches(t *testing.T) {
	srv, calls := newServer(t, 0, 0)
	// A tiny byte budget forces one request per text.
	c := newClient(t, srv, func(o *Options) { o.MaxBatchBytes = 1 })

	texts := []string{"alpha", "bb", "ccc", "dddd", "eeeee", "f"}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, text := range texts {
		assert.Equal(t, vectorFor(text), vecs[i], "vector %d out of order", i)
	}
	assert.Equal(t, int32(len(texts)), calls.Load())
}

func TestEmbedSingleBatch(t *testing.T) {
	srv, calls := newServer(t, 0, 0)
	c := newClient(t, srv)

	vecs, err := c.Embed(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedEmptyInput(t *testing.T) {
	srv, calls := newServer(t, 0, 0)
	c := newClient(t, srv)

	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRetriesTransientFailure(t *testing.T) {
	srv, calls := newServer(t, 2, http.StatusInternalServerError)
	c := newClient(t, srv, func(o *Options) { o.MaxAttempts = 3 })

	vecs, err := c.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, vectorFor("hello"), vecs[0])
	assert.Equal(t, int32(3), calls.Load())
}

func TestExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	srv, calls := newServer(t, 100, http.StatusTooManyRequests)
	c := newClient(t, srv, func(o *Options) { o.MaxAttempts = 2 })

	_, err := c.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFatalFailureDoesNotRetry(t *testing.T) {
	srv, calls := newServer(t, 100, http.StatusUnauthorized)
	c := newClient(t, srv, func(o *Options) { o.MaxAttempts = 5 })

	_, err := c.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMissingAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	_, err := NewOpenAI()
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestDimensionEnforced(t *testing.T) {
	srv, _ := newServer(t, 0, 0)
	c := newClient(t, srv, func(o *Options) { o.Dimension = 128 })

	_, err := c.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrFatal)
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name   string
		texts  []string
		budget int
		want   []part
	}{
		{"all fit", []string{"aa", "bb"}, 100, []part{{0, 2}}},
		{"one per batch", []string{"aa", "bb", "cc"}, 2, []part{{0, 1}, {1, 2}, {2, 3}}},
		{"oversized text still ships", []string{"aaaaaaaa"}, 2, []part{{0, 1}}},
		{"split mid-list", []string{"aaa", "bbb", "c"}, 4, []part{{0, 1}, {1, 3}}},
		{"empty", nil, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, partition(tt.texts, tt.budget))
		})
	}
}
