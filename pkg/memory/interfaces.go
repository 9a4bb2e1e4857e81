package memory

import "context"

// Embedder represents a service capable of generating embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer represents an external text-completion capability
// (prompt -> text). The core never implements model inference.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// EpisodicStore is the append-only graph of timestamped interaction events.
type EpisodicStore interface {
	Store(ctx context.Context, mem *EpisodicMemory) (*EpisodicMemory, error)
	Get(ctx context.Context, id string) (*EpisodicMemory, error)
	Search(ctx context.Context, query EpisodicQuery) ([]*EpisodicMemory, error)
	Update(ctx context.Context, id string, partial EpisodicUpdate) (*EpisodicMemory, error)
	Delete(ctx context.Context, id string) (bool, error)
	ClearUser(ctx context.Context, userID string) (bool, error)
	ClearSession(ctx context.Context, userID, sessionID string) (bool, error)
	Stats(ctx context.Context, userID string) (EpisodicStats, error)
	Ping(ctx context.Context) error
}

// EpisodicUpdate is the mutable subset of an episode. Timestamp and userId
// are immutable by design; nil fields are left untouched.
type EpisodicUpdate struct {
	Content  *string
	Context  map[string]string
	Metadata *EpisodicMetadata
	Related  []string
}

// SemanticStore is the vector-indexed concept store with typed
// relationships.
type SemanticStore interface {
	Store(ctx context.Context, mem *SemanticMemory) (*SemanticMemory, error)
	Get(ctx context.Context, id string) (*SemanticMemory, error)
	SearchBySimilarity(ctx context.Context, userID string, queryVector []float32, threshold float64, limit int) ([]ScoredSemanticMemory, error)
	Update(ctx context.Context, mem *SemanticMemory) (*SemanticMemory, error)
	Delete(ctx context.Context, id string) (bool, error)
	ClearUser(ctx context.Context, userID string) (bool, error)
	LinkRelated(ctx context.Context, aID, bID string, kind RelationKind) error
	MergeOrCreate(ctx context.Context, mem *SemanticMemory, mergeThreshold float64) (*SemanticMemory, bool, error)
	Touch(ctx context.Context, id string) error
	Count(ctx context.Context, userID string) (int, error)
	Ping(ctx context.Context) error
}
