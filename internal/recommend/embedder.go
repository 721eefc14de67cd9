// Package recommend computes article embeddings, clusters a user's reading
// history, and ranks fresh articles against the resulting interest centers.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	embedding "github.com/matthewjhunter/go-embedding"
)

// RemoteEmbedder implements embedding.Embedder against an external inference
// service. The model itself is opaque; only the vector dimension matters and
// even that is dictated by the service.
type RemoteEmbedder struct {
	url    string
	model  string
	client *http.Client
}

var _ embedding.Embedder = (*RemoteEmbedder)(nil)

func NewRemoteEmbedder(url, model string) *RemoteEmbedder {
	return &RemoteEmbedder{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (e *RemoteEmbedder) Model() string { return e.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends texts to the inference service and returns one vector per
// input, in order.
func (e *RemoteEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, body)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs",
			len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}
