/*
Package qdrant is a thin HTTP client for the Qdrant points API, covering the
subset the memory system needs: collection bootstrap, upsert, scored vector
search with payload filters, retrieval and deletion.
*/
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/theapemachine/mnemo/pkg/errors"
)

// Client wraps an endpoint + collection.
type Client struct {
	Endpoint   string // e.g. http://localhost:6333
	Collection string // e.g. "semantic_memory"
	httpClient *http.Client
}

// New returns a Client with sane defaults.
func New(endpoint, collection string) *Client {
	return &Client{
		Endpoint:   endpoint,
		Collection: collection,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Condition is a single payload match used to filter searches, e.g.
// {Key: "userId", Value: "u1"}.
type Condition struct {
	Key   string
	Value any
}

// EnsureCollection creates the collection with the given vector dimension
// and cosine distance if it does not exist yet. Creating an existing
// collection is treated as success.
func (client *Client) EnsureCollection(ctx context.Context, dimensions int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimensions,
			"distance": "Cosine",
		},
	}

	b, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPut,
		fmt.Sprintf("%s/collections/%s", client.Endpoint, client.Collection),
		bytes.NewReader(b),
	)

	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return errors.NewConnection("qdrant", err)
	}

	defer resp.Body.Close()

	// 409 means the collection already exists.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return errors.NewConnection("qdrant", fmt.Errorf("create collection status %s", resp.Status))
	}

	return nil
}

// Put upserts a batch of documents as points.
func (client *Client) Put(ctx context.Context, docs []Document) error {
	var points []map[string]any

	for _, d := range docs {
		points = append(points, map[string]any{
			"id":      d.ID,
			"payload": d.Metadata,
			"vector":  d.Vector,
		})
	}

	body := map[string]any{"points": points}
	b, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPut,
		fmt.Sprintf("%s/collections/%s/points?wait=true", client.Endpoint, client.Collection),
		bytes.NewReader(b),
	)

	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return errors.NewConnection("qdrant", err)
	}

	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.NewConnection("qdrant", fmt.Errorf("upsert status %s", resp.Status))
	}

	return nil
}

// Get retrieves a document by ID including its payload and vector.
func (client *Client) Get(ctx context.Context, id string) (*Document, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%s/collections/%s/points/%s", client.Endpoint, client.Collection, id),
		nil,
	)

	if err != nil {
		return nil, err
	}

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return nil, errors.NewConnection("qdrant", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NewNotFound("point", id)
	}

	if resp.StatusCode >= 300 {
		return nil, errors.NewConnection("qdrant", fmt.Errorf("get status %s", resp.Status))
	}

	var out struct {
		Result struct {
			ID      string         `json:"id"`
			Payload map[string]any `json:"payload"`
			Vector  []float32      `json:"vector"`
		} `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	if out.Result.ID == "" {
		return nil, errors.NewNotFound("point", id)
	}

	doc := &Document{
		ID:       out.Result.ID,
		Content:  fmt.Sprintf("%v", out.Result.Payload["content"]),
		Metadata: out.Result.Payload,
		Vector:   out.Result.Vector,
	}

	return doc, nil
}

// Search performs a scored vector search. Results below threshold are
// excluded server-side via score_threshold, and the payload conditions are
// ANDed into a filter clause.
func (client *Client) Search(
	ctx context.Context,
	queryVec []float32,
	limit int,
	threshold float64,
	conditions []Condition,
) ([]Document, error) {
	body := map[string]any{
		"vector":          queryVec,
		"limit":           limit,
		"with_payload":    true,
		"score_threshold": threshold,
	}

	if len(conditions) > 0 {
		var must []map[string]any
		for _, c := range conditions {
			must = append(must, map[string]any{
				"key":   c.Key,
				"match": map[string]any{"value": c.Value},
			})
		}
		body["filter"] = map[string]any{"must": must}
	}

	b, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/collections/%s/points/search", client.Endpoint, client.Collection),
		bytes.NewReader(b),
	)

	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return nil, errors.NewConnection("qdrant", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errors.NewConnection("qdrant", fmt.Errorf("search status %s", resp.Status))
	}

	var out struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(out.Result))

	for _, r := range out.Result {
		docs = append(docs, Document{
			ID:       r.ID,
			Content:  fmt.Sprintf("%v", r.Payload["content"]),
			Metadata: r.Payload,
			Score:    r.Score,
		})
	}

	return docs, nil
}

// Delete removes a document by ID.
func (client *Client) Delete(ctx context.Context, id string) error {
	body := map[string]any{"points": []string{id}}
	b, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/collections/%s/points/delete?wait=true", client.Endpoint, client.Collection),
		bytes.NewReader(b),
	)

	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return errors.NewConnection("qdrant", err)
	}

	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.NewConnection("qdrant", fmt.Errorf("delete status %s", resp.Status))
	}

	return nil
}

// DeleteByFilter removes every point whose payload matches all conditions.
// Used to clear a user's semantic memories in one call.
func (client *Client) DeleteByFilter(ctx context.Context, conditions []Condition) error {
	var must []map[string]any
	for _, c := range conditions {
		must = append(must, map[string]any{
			"key":   c.Key,
			"match": map[string]any{"value": c.Value},
		})
	}

	body := map[string]any{"filter": map[string]any{"must": must}}
	b, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/collections/%s/points/delete?wait=true", client.Endpoint, client.Collection),
		bytes.NewReader(b),
	)

	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return errors.NewConnection("qdrant", err)
	}

	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.NewConnection("qdrant", fmt.Errorf("delete by filter status %s", resp.Status))
	}

	return nil
}

// Ping checks that the collection is reachable.
func (client *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%s/collections/%s", client.Endpoint, client.Collection),
		nil,
	)

	if err != nil {
		return err
	}

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return errors.NewConnection("qdrant", err)
	}

	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.NewConnection("qdrant", fmt.Errorf("ping status %s", resp.Status))
	}

	return nil
}
