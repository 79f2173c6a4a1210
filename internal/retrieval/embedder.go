package retrieval

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"

	"google.golang.org/genai"

	"atomforge/internal/logging"
)

// Embedder maps text to a fixed-dimension vector.
type Embedder interface {
	Embed(text string) []float64
	Dimension() int
}

// LocalEmbedder is a deterministic token-hash embedder: fast, offline and
// stable across runs. The quality floor for pattern retrieval when no
// embedding service is configured.
type LocalEmbedder struct {
	dim int
}

// NewLocalEmbedder creates a local embedder with the given dimension.
func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &LocalEmbedder{dim: dim}
}

// Dimension returns the vector width.
func (e *LocalEmbedder) Dimension() int { return e.dim }

// Embed hashes lowercase tokens into buckets and L2-normalizes.
func (e *LocalEmbedder) Embed(text string) []float64 {
	vec := make([]float64, e.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%e.dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// GenAIEmbedder embeds through the Google GenAI embedding API, falling
// back to a local embedder when the service is unavailable.
type GenAIEmbedder struct {
	client   *genai.Client
	model    string
	fallback *LocalEmbedder
}

// NewGenAIEmbedder creates a GenAI embedder.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GenAIEmbedder{
		client:   client,
		model:    model,
		fallback: NewLocalEmbedder(64),
	}, nil
}

// Dimension returns the fallback dimension; remote vectors are truncated
// or padded to it so stored embeddings stay comparable.
func (e *GenAIEmbedder) Dimension() int { return e.fallback.Dimension() }

// Embed requests a remote embedding, degrading to the local embedder on
// any error.
func (e *GenAIEmbedder) Embed(text string) []float64 {
	resp, err := e.client.Models.EmbedContent(context.Background(), e.model,
		genai.Text(text), nil)
	if err != nil || len(resp.Embeddings) == 0 {
		logging.Get(logging.CategoryRetrieval).Debug("GenAI embedding unavailable, using local: %v", err)
		return e.fallback.Embed(text)
	}
	values := resp.Embeddings[0].Values
	dim := e.Dimension()
	vec := make([]float64, dim)
	for i := 0; i < dim && i < len(values); i++ {
		vec[i] = float64(values[i])
	}
	return vec
}

// jsonVector renders a vector in the JSON form sqlite-vec accepts for its
// distance functions.
func jsonVector(vec []float64) string {
	data, _ := json.Marshal(vec)
	return string(data)
}

// encodeVector serializes a vector as little-endian float64s.
func encodeVector(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float64 {
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}
