/*
Package neo4j is a thin client for the Neo4j HTTP transactional Cypher
endpoint. Statements submitted together in ExecBatch share one transaction,
which the episodic chain repair relies on.
*/
package neo4j

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/theapemachine/mnemo/pkg/errors"
)

type Client struct {
	Endpoint   string
	Username   string
	Password   string
	httpClient *http.Client
}

func New(endpoint, user, pass string) *Client {
	return &Client{
		Endpoint:   endpoint,
		Username:   user,
		Password:   pass,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Statement pairs a Cypher string with its parameters.
type Statement struct {
	Cypher string
	Params map[string]any
}

// ExecCypher sends a single Cypher statement with optional parameters and
// returns the raw Neo4j JSON response.
func (client *Client) ExecCypher(
	ctx context.Context, cypher string, params map[string]any,
) (map[string]any, error) {
	return client.ExecBatch(ctx, []Statement{{Cypher: cypher, Params: params}})
}

// ExecBatch sends multiple statements in a single transaction. Either all
// statements commit or none do.
func (client *Client) ExecBatch(
	ctx context.Context, statements []Statement,
) (map[string]any, error) {
	stmts := make([]map[string]any, 0, len(statements))

	for _, s := range statements {
		stmts = append(stmts, map[string]any{
			"statement":  s.Cypher,
			"parameters": s.Params,
		})
	}

	payload := map[string]any{"statements": stmts}

	b, err := json.Marshal(payload)

	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		client.Endpoint+"/db/neo4j/tx/commit",
		bytes.NewReader(b),
	)

	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if client.Username != "" {
		req.SetBasicAuth(client.Username, client.Password)
	}

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return nil, errors.NewConnection("neo4j", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errors.NewConnection("neo4j", fmt.Errorf("status %s", resp.Status))
	}

	var out map[string]any

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	if errs, ok := out["errors"].([]any); ok && len(errs) > 0 {
		return nil, fmt.Errorf("neo4j: %v", errs[0])
	}

	return out, nil
}

// Rows extracts the row values of the statement at the given index from a
// raw transactional response. A missing or empty result yields an empty
// slice, never an error.
func Rows(out map[string]any, index int) [][]any {
	results, ok := out["results"].([]any)

	if !ok || index >= len(results) {
		return nil
	}

	data, ok := results[index].(map[string]any)["data"].([]any)

	if !ok {
		return nil
	}

	rows := make([][]any, 0, len(data))

	for _, d := range data {
		row, ok := d.(map[string]any)["row"].([]any)
		if !ok {
			continue
		}
		rows = append(rows, row)
	}

	return rows
}

// EnsureIndexes creates the indexes and constraints the memory schema
// relies on. All statements are idempotent (IF NOT EXISTS).
func (client *Client) EnsureIndexes(ctx context.Context) error {
	statements := []string{
		"CREATE INDEX episodic_user IF NOT EXISTS FOR (m:EpisodicMemory) ON (m.userId)",
		"CREATE INDEX episodic_timestamp IF NOT EXISTS FOR (m:EpisodicMemory) ON (m.timestamp)",
		"CREATE INDEX semantic_user IF NOT EXISTS FOR (m:SemanticMemory) ON (m.userId)",
		"CREATE CONSTRAINT semantic_concept IF NOT EXISTS FOR (m:SemanticMemory) REQUIRE (m.userId, m.concept, m.category) IS UNIQUE",
	}

	for _, stmt := range statements {
		if _, err := client.ExecCypher(ctx, stmt, nil); err != nil {
			return err
		}
	}

	return nil
}

// Ping verifies the endpoint is reachable and accepting statements.
func (client *Client) Ping(ctx context.Context) error {
	_, err := client.ExecCypher(ctx, "RETURN 1", nil)
	return err
}
