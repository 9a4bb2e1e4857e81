package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/mnemo/pkg/errors"
	"github.com/theapemachine/mnemo/pkg/memory"
)

func mnemoConnErr() error {
	return errors.NewConnection("neo4j", nil)
}

func newTestServer(t *testing.T) (*Server, *memory.MockEpisodicStore, *memory.MockSemanticStore) {
	t.Helper()

	embedder := memory.NewMockEmbedder()
	episodic := memory.NewMockEpisodicStore()
	semantic := memory.NewMockSemanticStore(embedder)
	completer := &memory.MockCompleter{Responses: []string{"[]"}}

	working, err := memory.NewWorkingMemoryManager(episodic, memory.DefaultWorkingMemoryConfig())
	require.NoError(t, err)

	srv := NewServer(Deps{
		Episodic: episodic,
		Semantic: semantic,
		Embedder: embedder,
		Assembler: memory.NewContextAssembler(
			episodic, semantic, embedder, memory.DefaultScoreWeights()),
		Working: working,
		Pipeline: memory.NewExtractionPipeline(
			episodic, semantic, embedder, completer, memory.DefaultExtractionConfig()),
		QueueSize: 4,
	})
	t.Cleanup(func() { srv.queue.Stop(); working.Close() })

	return srv, episodic, semantic
}

func doJSON(t *testing.T, srv *Server, method, target string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStoreEpisodicEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/memory/episodic", memory.EpisodicMemory{
		UserID:    "u1",
		SessionID: "s1",
		Content:   "I like Python",
		Metadata:  memory.EpisodicMetadata{Source: "user", Importance: 0.6},
	})

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	stored := decode[memory.EpisodicMemory](t, resp)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "I like Python", stored.Content)
}

func TestStoreEpisodicRejectsInvalid(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/memory/episodic", memory.EpisodicMemory{
		SessionID: "s1",
		Content:   "missing user",
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchEndpoints(t *testing.T) {
	srv, episodic, semantic := newTestServer(t)

	_, err := episodic.Store(t.Context(), &memory.EpisodicMemory{
		UserID: "u1", SessionID: "s1", Content: "remembered",
		Metadata: memory.EpisodicMetadata{Source: "user", Importance: 0.5},
	})
	require.NoError(t, err)

	_, err = semantic.Store(t.Context(), &memory.SemanticMemory{
		UserID: "u1", Concept: "Python", Description: "a language",
		Metadata: memory.SemanticMetadata{Category: "Programming", Confidence: 0.9},
	})
	require.NoError(t, err)

	t.Run("episodic", func(t *testing.T) {
		resp := doJSON(t, srv, http.MethodPost, "/memory/search", SearchRequest{
			Kind: "episodic", UserID: "u1", SessionID: "s1",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[map[string][]memory.EpisodicMemory](t, resp)
		assert.Len(t, body["episodic"], 1)
	})

	t.Run("semantic", func(t *testing.T) {
		resp := doJSON(t, srv, http.MethodPost, "/memory/search", SearchRequest{
			Kind: "semantic", UserID: "u1", Text: "Python: a language", Threshold: 0.9,
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unknown kind", func(t *testing.T) {
		resp := doJSON(t, srv, http.MethodPost, "/memory/search", SearchRequest{
			Kind: "holographic", UserID: "u1",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestContextEndpoint(t *testing.T) {
	srv, episodic, _ := newTestServer(t)

	_, err := episodic.Store(t.Context(), &memory.EpisodicMemory{
		UserID: "u1", SessionID: "s1", Content: "we talked about gardens",
		Metadata: memory.EpisodicMetadata{Source: "user", Importance: 0.5},
	})
	require.NoError(t, err)

	resp := doJSON(t, srv, http.MethodGet, "/memory/context/u1/s1?q=gardens", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[ContextResponse](t, resp)
	require.NotNil(t, body.Working)
	assert.False(t, body.Stale)
	require.NotNil(t, body.Memory)
	assert.Contains(t, body.Memory.EnhancedContext, "gardens")
}

func TestContextEndpointDegradesToCache(t *testing.T) {
	srv, episodic, _ := newTestServer(t)

	_, err := episodic.Store(t.Context(), &memory.EpisodicMemory{
		UserID: "u1", SessionID: "s1", Content: "cached turn",
		Metadata: memory.EpisodicMetadata{Source: "user", Importance: 0.5},
	})
	require.NoError(t, err)

	// Warm the working-memory cache, then take the store down.
	resp := doJSON(t, srv, http.MethodGet, "/memory/context/u1/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	episodic.FailWith = mnemoConnErr()

	resp = doJSON(t, srv, http.MethodGet, "/memory/context/u1/s1?q=anything", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[ContextResponse](t, resp)
	assert.True(t, body.Stale)
	require.NotNil(t, body.Working)
	assert.Len(t, body.Working.History, 1)
}

func TestStatsAndClearEndpoints(t *testing.T) {
	srv, episodic, semantic := newTestServer(t)

	for _, content := range []string{"I like Python", "I like Rust"} {
		_, err := episodic.Store(t.Context(), &memory.EpisodicMemory{
			UserID: "u1", SessionID: "s1", Content: content,
			Metadata: memory.EpisodicMetadata{Source: "user", Importance: 0.6},
		})
		require.NoError(t, err)
	}
	_, err := semantic.Store(t.Context(), &memory.SemanticMemory{
		UserID: "u1", Concept: "Python", Description: "a language",
		Metadata: memory.SemanticMetadata{Category: "Programming", Confidence: 0.9},
	})
	require.NoError(t, err)

	resp := doJSON(t, srv, http.MethodGet, "/memory/stats/u1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decode[memory.MemoryStats](t, resp)
	assert.Equal(t, 2, stats.Episodic.Count)
	assert.Equal(t, 1, stats.Semantic.Count)

	resp = doJSON(t, srv, http.MethodDelete, "/memory/user/u1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodGet, "/memory/stats/u1", nil)
	stats = decode[memory.MemoryStats](t, resp)
	assert.Equal(t, 0, stats.Episodic.Count)
	assert.Equal(t, 0, stats.Semantic.Count)
}

func TestExtractEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/memory/extract", ExtractRequest{UserID: "u1"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/memory/extract", ExtractRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGoalEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/memory/turn/u1/s1", memory.ConversationTurn{
		Role: "user", Content: "hello there",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/memory/goals/u1/s1", memory.Goal{
		Description: "learn woodworking", Priority: 0.7,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	goal := decode[memory.Goal](t, resp)
	assert.Equal(t, memory.GoalPending, goal.Status)

	// Completion requires the goal to have been started.
	resp = doJSON(t, srv, http.MethodPatch, "/memory/goals/u1/s1/"+goal.ID,
		map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPatch, "/memory/goals/u1/s1/"+goal.ID,
		map[string]string{"status": "in_progress"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPatch, "/memory/goals/u1/s1/"+goal.ID,
		map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Terminal states never regress.
	resp = doJSON(t, srv, http.MethodPatch, "/memory/goals/u1/s1/"+goal.ID,
		map[string]string{"status": "in_progress"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv, episodic, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	episodic.FailWith = mnemoConnErr()

	resp = doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
