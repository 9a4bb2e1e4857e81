/*
Package memory implements long-lived conversational memory for an AI agent:
an append-only episodic store over a graph database, a vector-indexed
semantic concept store, a pipeline that promotes recurring episodic content
into semantic concepts, a relevance-ranked context assembler, and a
per-session working-memory manager with token-budget compression.
*/
package memory

import (
	"time"

	"github.com/cohesivestack/valgo"
	"github.com/theapemachine/mnemo/pkg/errors"
)

// ContextKeys documents the allowed keys of the EpisodicMemory.Context bag.
// Anything outside this set is rejected at validation time so the schema
// cannot drift silently.
var ContextKeys = map[string]bool{
	"channel":  true,
	"tool":     true,
	"intent":   true,
	"language": true,
	"client":   true,
	"topic":    true,
}

// EpisodicMetadata carries per-event annotations.
type EpisodicMetadata struct {
	Source       string   `json:"source"`
	Importance   float64  `json:"importance"` // [0,1]
	Tags         []string `json:"tags,omitempty"`
	Location     string   `json:"location,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// EpisodicRelationships links an episode into its session chain and to
// explicitly related episodes. Previous/Next form a per-session
// doubly-linked list in timestamp order.
type EpisodicRelationships struct {
	Previous string   `json:"previous,omitempty"`
	Next     string   `json:"next,omitempty"`
	Related  []string `json:"related,omitempty"`
}

// EpisodicMemory is a timestamped record of a single interaction event.
type EpisodicMemory struct {
	ID            string                `json:"id"`
	UserID        string                `json:"userId"`
	SessionID     string                `json:"sessionId"`
	Timestamp     time.Time             `json:"timestamp"`
	Content       string                `json:"content"`
	Context       map[string]string     `json:"context,omitempty"`
	Metadata      EpisodicMetadata      `json:"metadata"`
	Relationships EpisodicRelationships `json:"relationships"`
}

// Validate rejects malformed episodes before they reach a store.
func (m *EpisodicMemory) Validate() error {
	val := valgo.Is(
		valgo.String(m.UserID, "userId").Not().Blank(),
	).Is(
		valgo.String(m.SessionID, "sessionId").Not().Blank(),
	).Is(
		valgo.String(m.Content, "content").Not().Blank(),
	).Is(
		valgo.Number(m.Metadata.Importance, "importance").Between(0, 1),
	)

	if !val.Valid() {
		return errors.NewValidation("episodicMemory", val.Error().Error())
	}

	for key := range m.Context {
		if !ContextKeys[key] {
			return errors.NewValidation("context."+key, "key not in the allowed set")
		}
	}

	return nil
}

// ExtractionMetadata records how a semantic concept was derived.
type ExtractionMetadata struct {
	SourceMemoryIDs      []string      `json:"sourceMemoryIds"`
	ExtractionTimestamp  time.Time     `json:"extractionTimestamp"`
	ExtractionConfidence float64       `json:"extractionConfidence"`
	Keywords             []string      `json:"keywords,omitempty"`
	ProcessingTime       time.Duration `json:"processingTime"`
}

// SemanticMetadata carries concept-level annotations and access tracking.
type SemanticMetadata struct {
	Category     string              `json:"category"`
	Confidence   float64             `json:"confidence"` // [0,1]
	Source       string              `json:"source"`
	LastAccessed time.Time           `json:"lastAccessed"`
	AccessCount  int                 `json:"accessCount"`
	Extraction   *ExtractionMetadata `json:"extractionMetadata,omitempty"`
}

// SemanticRelationships is the adjacency list of a concept, one slice per
// relation kind, keyed by stable ids rather than pointers.
type SemanticRelationships struct {
	Similar    []string `json:"similar,omitempty"`
	Parent     string   `json:"parent,omitempty"`
	Children   []string `json:"children,omitempty"`
	Related    []string `json:"related,omitempty"`
	Causes     []string `json:"causes,omitempty"`
	CausedBy   []string `json:"causedBy,omitempty"`
	PartOf     []string `json:"partOf,omitempty"`
	HasParts   []string `json:"hasParts,omitempty"`
	Opposite   []string `json:"opposite,omitempty"`
	InstanceOf []string `json:"instanceOf,omitempty"`
}

// SemanticMemory is a durable, de-duplicated conceptual fact derived from
// one or more episodes.
type SemanticMemory struct {
	ID            string                `json:"id"`
	UserID        string                `json:"userId"`
	Concept       string                `json:"concept"`
	Description   string                `json:"description"`
	Vector        []float32             `json:"vector,omitempty"`
	Metadata      SemanticMetadata      `json:"metadata"`
	Relationships SemanticRelationships `json:"relationships"`
}

// Validate rejects malformed concepts before they reach a store.
func (m *SemanticMemory) Validate() error {
	val := valgo.Is(
		valgo.String(m.UserID, "userId").Not().Blank(),
	).Is(
		valgo.String(m.Concept, "concept").Not().Blank(),
	).Is(
		valgo.Number(m.Metadata.Confidence, "confidence").Between(0, 1),
	)

	if !val.Valid() {
		return errors.NewValidation("semanticMemory", val.Error().Error())
	}

	return nil
}

// RelationKind names an edge between two semantic memories.
type RelationKind string

const (
	RelationSimilar    RelationKind = "similar"
	RelationRelated    RelationKind = "related"
	RelationOpposite   RelationKind = "opposite"
	RelationParent     RelationKind = "parent"
	RelationCauses     RelationKind = "causes"
	RelationPartOf     RelationKind = "partOf"
	RelationInstanceOf RelationKind = "instanceOf"
)

// Symmetric reports whether linking a->b implies b->a for this kind.
func (k RelationKind) Symmetric() bool {
	switch k {
	case RelationSimilar, RelationRelated, RelationOpposite:
		return true
	}
	return false
}

// EdgeType maps a relation kind to its graph edge label.
func (k RelationKind) EdgeType() string {
	switch k {
	case RelationSimilar:
		return "SIMILAR"
	case RelationRelated:
		return "RELATED"
	case RelationOpposite:
		return "OPPOSITE"
	case RelationParent:
		return "PARENT_OF"
	case RelationCauses:
		return "CAUSES"
	case RelationPartOf:
		return "PART_OF"
	case RelationInstanceOf:
		return "INSTANCE_OF"
	}
	return "RELATED"
}

// EpisodicQuery filters an episodic search. UserID is required; nil
// pointers leave their dimension unbounded.
type EpisodicQuery struct {
	UserID        string
	SessionID     string
	From          *time.Time
	To            *time.Time
	Tags          []string
	MinImportance *float64
	MaxImportance *float64
	Limit         int
}

// Validate checks the query before it reaches a store.
func (q *EpisodicQuery) Validate() error {
	if q.UserID == "" {
		return errors.NewValidation("userId", "must not be blank")
	}
	return nil
}

// ScoredSemanticMemory pairs a search hit with its cosine similarity.
type ScoredSemanticMemory struct {
	Memory *SemanticMemory `json:"memory"`
	Score  float64         `json:"score"` // cosine similarity in [-1,1]
}

// EpisodicStats summarizes a user's episodic memories.
type EpisodicStats struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// SemanticStats summarizes a user's semantic memories.
type SemanticStats struct {
	Count int `json:"count"`
}

// MemoryStats combines per-store statistics for one user.
type MemoryStats struct {
	Episodic EpisodicStats `json:"episodic"`
	Semantic SemanticStats `json:"semantic"`
}
