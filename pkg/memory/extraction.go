package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/mnemo/pkg/errors"
)

// ExtractionConfig tunes the semantic extraction pipeline.
type ExtractionConfig struct {
	Enabled                      bool     `json:"enabled"`
	MinConfidence                float64  `json:"minConfidence"`
	MaxConceptsPerMemory         int      `json:"maxConceptsPerMemory"`
	EnableRelationshipExtraction bool     `json:"enableRelationshipExtraction"`
	Categories                   []string `json:"categories"`
	BatchSize                    int      `json:"batchSize"`
	MergeThreshold               float64  `json:"mergeThreshold"`
}

func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		Enabled:                      true,
		MinConfidence:                0.6,
		MaxConceptsPerMemory:         3,
		EnableRelationshipExtraction: true,
		Categories: []string{
			"Preference", "Fact", "Skill", "Relationship", "Event", "Programming",
		},
		BatchSize:      10,
		MergeThreshold: 0.92,
	}
}

// ConceptCandidate is one concept proposed by the completion model.
type ConceptCandidate struct {
	Concept       string              `json:"concept"`
	Description   string              `json:"description"`
	Category      string              `json:"category"`
	Confidence    float64             `json:"confidence"`
	Keywords      []string            `json:"keywords,omitempty"`
	Relationships []RelationCandidate `json:"relationships,omitempty"`
}

// RelationCandidate proposes an edge from the candidate to another concept
// by name.
type RelationCandidate struct {
	Target string       `json:"target"`
	Kind   RelationKind `json:"kind"`
}

// PipelineStats summarizes one extraction run.
type PipelineStats struct {
	Processed     int           `json:"processed"`
	Created       int           `json:"created"`
	Merged        int           `json:"merged"`
	Skipped       int           `json:"skipped"`
	Failures      int           `json:"failures"`
	RelationsMade int           `json:"relationsMade"`
	Duration      time.Duration `json:"duration"`
}

/*
ExtractionPipeline promotes recurring episodic content into semantic
concepts. Each batch is sent to the completion model with a fixed prompt,
candidates below minConfidence are dropped, and survivors are merged into
the semantic store at the merge threshold so re-running a batch reinforces
existing concepts instead of duplicating them.
*/
type ExtractionPipeline struct {
	episodic  EpisodicStore
	semantic  SemanticStore
	embedder  Embedder
	completer Completer
	config    ExtractionConfig
}

func NewExtractionPipeline(
	episodic EpisodicStore,
	semantic SemanticStore,
	embedder Embedder,
	completer Completer,
	config ExtractionConfig,
) *ExtractionPipeline {
	if config.BatchSize <= 0 {
		config = DefaultExtractionConfig()
	}

	return &ExtractionPipeline{
		episodic:  episodic,
		semantic:  semantic,
		embedder:  embedder,
		completer: completer,
		config:    config,
	}
}

// Run extracts concepts from a user's recent episodes. sessionID narrows
// the scan to one session when non-empty.
func (p *ExtractionPipeline) Run(ctx context.Context, userID, sessionID string) (*PipelineStats, error) {
	if !p.config.Enabled {
		return &PipelineStats{}, nil
	}
	if userID == "" {
		return nil, errors.NewValidation("userId", "must not be blank")
	}

	episodes, err := p.episodic.Search(ctx, EpisodicQuery{
		UserID:    userID,
		SessionID: sessionID,
		Limit:     p.config.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	return p.RunBatch(ctx, userID, episodes)
}

// RunBatch extracts concepts from an explicit episodic batch.
func (p *ExtractionPipeline) RunBatch(ctx context.Context, userID string, episodes []*EpisodicMemory) (*PipelineStats, error) {
	stats := &PipelineStats{}
	started := time.Now()
	defer func() { stats.Duration = time.Since(started) }()

	if len(episodes) == 0 {
		return stats, nil
	}

	for start := 0; start < len(episodes); start += p.config.BatchSize {
		end := start + p.config.BatchSize
		if end > len(episodes) {
			end = len(episodes)
		}
		batch := episodes[start:end]

		candidates, err := p.extractBatch(ctx, batch)
		if err != nil {
			stats.Failures++
			log.Warn("extraction batch failed", "userId", userID, "error", err)
			continue
		}

		stats.Processed += len(batch)
		p.absorb(ctx, userID, batch, candidates, stats)
	}

	return stats, nil
}

func (p *ExtractionPipeline) extractBatch(ctx context.Context, batch []*EpisodicMemory) ([]ConceptCandidate, error) {
	var content strings.Builder
	for _, episode := range batch {
		content.WriteString("- ")
		content.WriteString(episode.Content)
		content.WriteString("\n")
	}

	prompt := fmt.Sprintf(extractionPrompt,
		strings.Join(p.config.Categories, ", "),
		p.config.MaxConceptsPerMemory*len(batch),
		content.String())

	response, err := p.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	candidates, err := ParseCandidates(response)
	if err != nil {
		return nil, errors.NewExtraction(batch[0].ID, err)
	}

	return candidates, nil
}

func (p *ExtractionPipeline) absorb(
	ctx context.Context, userID string, batch []*EpisodicMemory,
	candidates []ConceptCandidate, stats *PipelineStats,
) {
	sourceIDs := make([]string, 0, len(batch))
	for _, episode := range batch {
		sourceIDs = append(sourceIDs, episode.ID)
	}

	limit := p.config.MaxConceptsPerMemory * len(batch)
	absorbed := 0
	created := make(map[string]string)

	for _, candidate := range candidates {
		if candidate.Confidence < p.config.MinConfidence {
			stats.Skipped++
			continue
		}
		if absorbed >= limit {
			stats.Skipped++
			continue
		}

		mem := &SemanticMemory{
			UserID:      userID,
			Concept:     candidate.Concept,
			Description: candidate.Description,
			Metadata: SemanticMetadata{
				Category:   candidate.Category,
				Confidence: candidate.Confidence,
				Source:     "extraction",
				Extraction: &ExtractionMetadata{
					SourceMemoryIDs:      sourceIDs,
					ExtractionTimestamp:  time.Now().UTC(),
					ExtractionConfidence: candidate.Confidence,
					Keywords:             candidate.Keywords,
				},
			},
		}

		result, merged, err := p.semantic.MergeOrCreate(ctx, mem, p.config.MergeThreshold)
		if err != nil {
			stats.Failures++
			log.Warn("failed to absorb concept", "concept", candidate.Concept, "error", err)
			continue
		}

		absorbed++
		created[strings.ToLower(candidate.Concept)] = result.ID
		if merged {
			stats.Merged++
		} else {
			stats.Created++
		}

		if p.config.EnableRelationshipExtraction {
			p.linkCandidates(ctx, result.ID, candidate.Relationships, created, stats)
		}
	}
}

func (p *ExtractionPipeline) linkCandidates(
	ctx context.Context, sourceID string, relations []RelationCandidate,
	created map[string]string, stats *PipelineStats,
) {
	for _, relation := range relations {
		targetID, ok := created[strings.ToLower(relation.Target)]
		if !ok || targetID == sourceID {
			continue
		}

		if err := p.semantic.LinkRelated(ctx, sourceID, targetID, relation.Kind); err != nil {
			log.Warn("failed to link concepts",
				"source", sourceID, "target", targetID, "error", err)
			continue
		}
		stats.RelationsMade++
	}
}

/*
ParseCandidates decodes the completion model's JSON output. Models often
wrap JSON in fenced code blocks or prose, so the parser strips fences and
falls back to the outermost array in the text.
*/
func ParseCandidates(response string) ([]ConceptCandidate, error) {
	cleaned := strings.TrimSpace(response)

	if idx := strings.Index(cleaned, "```"); idx >= 0 {
		cleaned = cleaned[idx+3:]
		cleaned = strings.TrimPrefix(cleaned, "json")
		if end := strings.Index(cleaned, "```"); end >= 0 {
			cleaned = cleaned[:end]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	if !strings.HasPrefix(cleaned, "[") {
		start := strings.Index(cleaned, "[")
		end := strings.LastIndex(cleaned, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON array in completion output")
		}
		cleaned = cleaned[start : end+1]
	}

	var candidates []ConceptCandidate
	if err := json.Unmarshal([]byte(cleaned), &candidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}

	return candidates, nil
}

const extractionPrompt = `You analyze conversation excerpts and extract durable facts about the user as semantic concepts.

Rules:
- Only extract facts worth remembering long-term (preferences, skills, relationships, recurring topics).
- category must be one of: %s.
- confidence is your certainty in [0,1].
- Return at most %d concepts.
- relationships may reference other concepts in this same output by their concept name, with kind one of: similar, related, opposite, parent, causes, partOf, instanceOf.

Respond with ONLY a JSON array, no prose:
[{"concept":"...","description":"...","category":"...","confidence":0.0,"keywords":["..."],"relationships":[{"target":"...","kind":"related"}]}]

Conversation:
%s`
