package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/mnemo/pkg/errors"
)

// ScoreWeights blends recency, similarity and importance/confidence into a
// single ranking score. Weights are tunable and should sum to 1.
type ScoreWeights struct {
	Recency    float64 `json:"recency"`
	Similarity float64 `json:"similarity"`
	Importance float64 `json:"importance"`
}

// DefaultScoreWeights returns the default blend.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Recency: 0.4, Similarity: 0.4, Importance: 0.2}
}

// AssembleOptions bounds a single context assembly.
type AssembleOptions struct {
	MaxEpisodic         int     `json:"maxEpisodic"`
	MaxSemantic         int     `json:"maxSemantic"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
	MaxContextMemories  int     `json:"maxContextMemories"`
	MaxTokens           int     `json:"maxTokens"`
}

// DefaultAssembleOptions returns sensible bounds for one turn.
func DefaultAssembleOptions() AssembleOptions {
	return AssembleOptions{
		MaxEpisodic:         10,
		MaxSemantic:         10,
		SimilarityThreshold: 0.7,
		MaxContextMemories:  20,
		MaxTokens:           2048,
	}
}

// MemoryContext is the assembled, bounded context for one query.
type MemoryContext struct {
	EnhancedContext string            `json:"enhancedContext"`
	Episodic        []*EpisodicMemory `json:"episodic"`
	Semantic        []*SemanticMemory `json:"semantic"`
	ContextWindow   ContextWindow     `json:"contextWindow"`
	TruncatedCount  int               `json:"truncatedCount"`
}

// ContextAssembler retrieves and ranks episodic and semantic hits into a
// single enhanced-context block under a token budget.
type ContextAssembler struct {
	episodic EpisodicStore
	semantic SemanticStore
	embedder Embedder
	weights  ScoreWeights
}

func NewContextAssembler(
	episodic EpisodicStore, semantic SemanticStore, embedder Embedder, weights ScoreWeights,
) *ContextAssembler {
	if weights == (ScoreWeights{}) {
		weights = DefaultScoreWeights()
	}

	return &ContextAssembler{
		episodic: episodic,
		semantic: semantic,
		embedder: embedder,
		weights:  weights,
	}
}

type scoredItem struct {
	episodic *EpisodicMemory
	semantic *SemanticMemory
	score    float64
}

/*
Assemble embeds the query, fetches recent session episodes and semantically
similar concepts concurrently, blends them into one ranked list, and renders
the highest-scored items until the token budget runs out. Every omitted item
is counted in TruncatedCount; a budget too small for even one item surfaces
a CompressionError.
*/
func (a *ContextAssembler) Assemble(
	ctx context.Context, userID, sessionID, queryText string, opts AssembleOptions,
) (*MemoryContext, error) {
	if userID == "" {
		return nil, errors.NewValidation("userId", "must not be blank")
	}

	keywords := ExtractKeywords(queryText)

	queryVector, err := a.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	type episodicResult struct {
		recent []*EpisodicMemory
		tagged []*EpisodicMemory
		err    error
	}
	type semanticResult struct {
		hits []ScoredSemanticMemory
		err  error
	}

	episodicCh := make(chan episodicResult, 1)
	semanticCh := make(chan semanticResult, 1)

	go func() {
		var res episodicResult

		res.recent, res.err = a.episodic.Search(ctx, EpisodicQuery{
			UserID:    userID,
			SessionID: sessionID,
			Limit:     opts.MaxEpisodic,
		})

		if res.err == nil && len(keywords) > 0 {
			res.tagged, res.err = a.episodic.Search(ctx, EpisodicQuery{
				UserID: userID,
				Tags:   keywords,
				Limit:  opts.MaxEpisodic,
			})
		}

		episodicCh <- res
	}()

	go func() {
		var res semanticResult
		res.hits, res.err = a.semantic.SearchBySimilarity(
			ctx, userID, queryVector, opts.SimilarityThreshold, opts.MaxSemantic)
		semanticCh <- res
	}()

	epi := <-episodicCh
	sem := <-semanticCh

	if epi.err != nil {
		return nil, epi.err
	}
	if sem.err != nil {
		return nil, sem.err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool)
	var items []scoredItem

	for _, mem := range epi.recent {
		seen[mem.ID] = true
		items = append(items, scoredItem{
			episodic: mem,
			score:    a.scoreEpisodic(mem, keywords, now),
		})
	}

	for _, mem := range epi.tagged {
		if seen[mem.ID] {
			continue
		}
		seen[mem.ID] = true
		items = append(items, scoredItem{
			episodic: mem,
			score:    a.scoreEpisodic(mem, keywords, now),
		})
	}

	for _, hit := range sem.hits {
		items = append(items, scoredItem{
			semantic: hit.Memory,
			score:    a.scoreSemantic(hit, now),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})

	truncated := 0
	if opts.MaxContextMemories > 0 && len(items) > opts.MaxContextMemories {
		truncated = len(items) - opts.MaxContextMemories
		items = items[:opts.MaxContextMemories]
	}

	rendered, included, renderTruncated, err := renderContext(items, opts.MaxTokens, truncated)
	if err != nil {
		return nil, err
	}
	truncated += renderTruncated

	out := &MemoryContext{
		EnhancedContext: rendered,
		TruncatedCount:  truncated,
		ContextWindow: ContextWindow{
			MaxTokens:     opts.MaxTokens,
			CurrentTokens: EstimateTokens(rendered),
		},
	}

	for _, item := range included {
		if item.episodic != nil {
			out.Episodic = append(out.Episodic, item.episodic)
			continue
		}

		out.Semantic = append(out.Semantic, item.semantic)

		if err := a.semantic.Touch(ctx, item.semantic.ID); err != nil {
			log.Warn("failed to touch semantic memory", "id", item.semantic.ID, "error", err)
		}
	}

	return out, nil
}

func (a *ContextAssembler) scoreEpisodic(mem *EpisodicMemory, keywords []string, now time.Time) float64 {
	similarity := 0.0
	if len(keywords) > 0 && len(mem.Metadata.Tags) > 0 {
		matches := 0
		for _, keyword := range keywords {
			for _, tag := range mem.Metadata.Tags {
				if strings.EqualFold(keyword, tag) {
					matches++
					break
				}
			}
		}
		similarity = float64(matches) / float64(len(keywords))
	}

	return a.weights.Recency*recencyScore(mem.Timestamp, now) +
		a.weights.Similarity*similarity +
		a.weights.Importance*mem.Metadata.Importance
}

func (a *ContextAssembler) scoreSemantic(hit ScoredSemanticMemory, now time.Time) float64 {
	return a.weights.Recency*recencyScore(hit.Memory.Metadata.LastAccessed, now) +
		a.weights.Similarity*hit.Score +
		a.weights.Importance*hit.Memory.Metadata.Confidence
}

// recencyScore decays from 1 toward 0 with a 24 hour half-life.
func recencyScore(t time.Time, now time.Time) float64 {
	if t.IsZero() || t.After(now) {
		return 1
	}
	age := now.Sub(t).Hours()
	return 24 / (24 + age)
}

// renderContext renders items into the budget. prior counts candidates
// already dropped upstream so a CompressionError reports every candidate.
func renderContext(items []scoredItem, maxTokens, prior int) (string, []scoredItem, int, error) {
	if len(items) == 0 {
		return "", nil, 0, nil
	}
	if maxTokens <= 0 {
		maxTokens = DefaultAssembleOptions().MaxTokens
	}

	var (
		builder  strings.Builder
		included []scoredItem
	)

	builder.WriteString("Relevant memories:\n")
	budget := maxTokens - EstimateTokens(builder.String())

	for i, item := range items {
		line := renderItem(item)
		cost := EstimateTokens(line)

		if cost <= budget {
			builder.WriteString(line)
			budget -= cost
			included = append(included, item)
			continue
		}

		// The lowest-scored remaining item gets truncated when a useful
		// fragment still fits.
		if budget > 8 {
			builder.WriteString(TruncateToTokens(line, budget))
			builder.WriteString("\n")
			included = append(included, item)
			return builder.String(), included, len(items) - i - 1, nil
		}

		if len(included) == 0 {
			return "", nil, 0, &errors.CompressionError{
				TruncatedCount: prior + len(items),
				MaxTokens:      maxTokens,
			}
		}

		return builder.String(), included, len(items) - i, nil
	}

	return builder.String(), included, 0, nil
}

func renderItem(item scoredItem) string {
	if item.episodic != nil {
		return fmt.Sprintf("- [%s] %s\n",
			item.episodic.Timestamp.Format("2006-01-02 15:04"), item.episodic.Content)
	}
	return fmt.Sprintf("- %s: %s\n", item.semantic.Concept, item.semantic.Description)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "do": true, "for": true, "from": true,
	"has": true, "have": true, "how": true, "i": true, "in": true, "is": true,
	"it": true, "me": true, "my": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "will": true, "with": true, "you": true, "your": true,
}

// ExtractKeywords lowercases, splits on non-letter/digit runes and drops
// stopwords and single-character tokens.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})

	seen := make(map[string]bool)
	var keywords []string

	for _, field := range fields {
		if len(field) < 2 || stopwords[field] || seen[field] {
			continue
		}
		seen[field] = true
		keywords = append(keywords, field)
	}

	return keywords
}
