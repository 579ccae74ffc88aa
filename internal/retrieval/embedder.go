package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"google.golang.org/genai"
)

// Task tells the embedder which side of a search a text is on.
type Task string

const (
	TaskDocument Task = "RETRIEVAL_DOCUMENT"
	TaskQuery    Task = "RETRIEVAL_QUERY"
)

const (
	DefaultGenAIModel      = "gemini-embedding-001"
	DefaultGenAIDimensions = 768
	DefaultHashDimensions  = 256
)

// Embedder turns texts into vectors of a fixed dimensionality.
type Embedder interface {
	Embed(ctx context.Context, texts []string, task Task) ([][]float32, error)
	Name() string
}

// GenAIConfig configures the Gemini embedding client.
type GenAIConfig struct {
	APIKey     string
	Model      string
	Dimensions int
}

// GenAIEmbedder embeds through the Gemini API.
type GenAIEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
}

var _ Embedder = (*GenAIEmbedder)(nil)

func NewGenAIEmbedder(ctx context.Context, cfg GenAIConfig) (*GenAIEmbedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("new genai embedder: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultGenAIModel
	}
	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = DefaultGenAIDimensions
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("new genai embedder: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model, dimensions: int32(dimensions)}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	dimensions := e.dimensions
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             string(task),
		OutputDimensionality: &dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, embedding := range result.Embeddings {
		out[i] = normalize(embedding.Values)
	}
	return out, nil
}

func (e *GenAIEmbedder) Name() string {
	return "genai:" + e.model
}

// HashEmbedder is a deterministic hashed bag-of-words embedder for local runs
// and tests. It needs no network access.
type HashEmbedder struct {
	Dimensions int
}

var _ Embedder = HashEmbedder{}

func (e HashEmbedder) Embed(ctx context.Context, texts []string, _ Task) ([][]float32, error) {
	dimensions := e.Dimensions
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vector := make([]float32, dimensions)
		for _, token := range tokenize(text) {
			h := fnv.New64a()
			_, _ = h.Write([]byte(token))
			sum := h.Sum64()
			sign := float32(1)
			if sum&1 == 1 {
				sign = -1
			}
			vector[(sum>>1)%uint64(dimensions)] += sign
		}
		out[i] = normalize(vector)
	}
	return out, nil
}

func (e HashEmbedder) Name() string {
	return "hash"
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vector []float32) []float32 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vector
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = v / norm
	}
	return out
}

// cosine assumes both vectors are normalized.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
