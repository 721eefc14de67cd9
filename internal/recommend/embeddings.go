package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	embedding "github.com/matthewjhunter/go-embedding"

	"github.com/sgn/rssfilter/internal/storage"
)

// Articles are embedded in groups of this size; the inference service's
// batch sweet spot.
const embedBatchSize = 32

// EncodeVector serializes a vector as a JSON array, the canonical stored
// form of article embeddings and cluster centers.
func EncodeVector(v []float32) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode vector: %w", err)
	}
	return string(b), nil
}

// DecodeVector parses a stored JSON vector.
func DecodeVector(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return v, nil
}

// EncodeCenters and DecodeCenters handle the users.clusters column, a JSON
// array of center vectors.
func EncodeCenters(centers [][]float32) (string, error) {
	b, err := json.Marshal(centers)
	if err != nil {
		return "", fmt.Errorf("encode centers: %w", err)
	}
	return string(b), nil
}

func DecodeCenters(s string) ([][]float32, error) {
	var centers [][]float32
	if err := json.Unmarshal([]byte(s), &centers); err != nil {
		return nil, fmt.Errorf("decode centers: %w", err)
	}
	return centers, nil
}

func embedInput(a *storage.Article) string {
	return strings.TrimSpace(a.Title + " " + a.Description)
}

// ComputeEmbeddings embeds every article that does not already have a
// vector and stores the results. Returns how many articles were embedded.
func ComputeEmbeddings(ctx context.Context, embedder embedding.Embedder, store *storage.Store, articles []storage.Article) (int, error) {
	var pending []storage.Article
	for _, a := range articles {
		if a.Embedding == nil {
			pending = append(pending, a)
		}
	}

	computed := 0
	for start := 0; start < len(pending); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = embedInput(&batch[i])
		}

		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			return computed, fmt.Errorf("embed batch of %d: %w", len(batch), err)
		}
		if len(vectors) != len(batch) {
			return computed, fmt.Errorf("embedder returned %d vectors for %d articles", len(vectors), len(batch))
		}

		for i, a := range batch {
			encoded, err := EncodeVector(vectors[i])
			if err != nil {
				return computed, err
			}
			if err := store.SetArticleEmbedding(a.ID, encoded); err != nil {
				return computed, err
			}
			computed++
		}
	}
	return computed, nil
}
