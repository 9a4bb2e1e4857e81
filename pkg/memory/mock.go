package memory

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/theapemachine/mnemo/pkg/errors"
)

// MockEmbedder produces deterministic unit vectors so identical text has
// cosine similarity 1.0 and unrelated text scores low. Fixed vectors can
// be pinned per text to script similarity in tests.
type MockEmbedder struct {
	Dimensions int
	Fixed      map[string][]float32
}

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{Dimensions: 64, Fixed: make(map[string][]float32)}
}

func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.Fixed[text]; ok {
		return vec, nil
	}

	vec := make([]float32, e.Dimensions)
	h := fnv.New64a()

	for i := range vec {
		h.Write([]byte(text))
		vec[i] = float32(h.Sum64()%1000)/1000.0 - 0.5
	}

	return normalize(vec), nil
}

func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Cosine computes the cosine similarity of two vectors in [-1,1].
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MockCompleter replays scripted responses in order. When the script runs
// out it returns the last response again.
type MockCompleter struct {
	mu        sync.Mutex
	Responses []string
	Calls     []string
	Err       error
	cursor    int
}

func (c *MockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Calls = append(c.Calls, prompt)

	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Responses) == 0 {
		return "", nil
	}
	if c.cursor >= len(c.Responses) {
		return c.Responses[len(c.Responses)-1], nil
	}

	resp := c.Responses[c.cursor]
	c.cursor++
	return resp, nil
}

// MockEpisodicStore keeps episodes in memory and maintains the per-session
// previous/next chain exactly as the graph store does.
type MockEpisodicStore struct {
	mu       sync.RWMutex
	memories map[string]*EpisodicMemory
	FailWith error
}

func NewMockEpisodicStore() *MockEpisodicStore {
	return &MockEpisodicStore{memories: make(map[string]*EpisodicMemory)}
}

func (s *MockEpisodicStore) Store(ctx context.Context, mem *EpisodicMemory) (*EpisodicMemory, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	if err := mem.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *mem
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}

	// Link to the current session tail.
	var tail *EpisodicMemory
	for _, existing := range s.memories {
		if existing.UserID != clone.UserID || existing.SessionID != clone.SessionID {
			continue
		}
		if existing.Relationships.Next != "" {
			continue
		}
		if tail == nil || existing.Timestamp.After(tail.Timestamp) {
			tail = existing
		}
	}

	if tail != nil {
		tail.Relationships.Next = clone.ID
		clone.Relationships.Previous = tail.ID
		if !clone.Timestamp.After(tail.Timestamp) {
			clone.Timestamp = tail.Timestamp.Add(time.Millisecond)
		}
	}
	clone.Relationships.Next = ""

	s.memories[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (s *MockEpisodicStore) Get(ctx context.Context, id string) (*EpisodicMemory, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	mem, ok := s.memories[id]
	if !ok {
		return nil, errors.NewNotFound("episodic memory", id)
	}
	clone := *mem
	return &clone, nil
}

func (s *MockEpisodicStore) Search(ctx context.Context, query EpisodicQuery) ([]*EpisodicMemory, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*EpisodicMemory

	for _, mem := range s.memories {
		if mem.UserID != query.UserID {
			continue
		}
		if query.SessionID != "" && mem.SessionID != query.SessionID {
			continue
		}
		if query.From != nil && mem.Timestamp.Before(*query.From) {
			continue
		}
		if query.To != nil && mem.Timestamp.After(*query.To) {
			continue
		}
		if query.MinImportance != nil && mem.Metadata.Importance < *query.MinImportance {
			continue
		}
		if query.MaxImportance != nil && mem.Metadata.Importance > *query.MaxImportance {
			continue
		}
		if len(query.Tags) > 0 && !tagsIntersect(mem.Metadata.Tags, query.Tags) {
			continue
		}
		clone := *mem
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func tagsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (s *MockEpisodicStore) Update(ctx context.Context, id string, partial EpisodicUpdate) (*EpisodicMemory, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mem, ok := s.memories[id]
	if !ok {
		return nil, errors.NewNotFound("episodic memory", id)
	}

	if mem.Relationships.Next != "" &&
		(partial.Content != nil || partial.Context != nil || partial.Metadata != nil) {
		return nil, errors.NewValidation("id", "episode is sealed; only relationships may change")
	}

	if partial.Content != nil {
		mem.Content = *partial.Content
	}
	if partial.Context != nil {
		mem.Context = partial.Context
	}
	if partial.Metadata != nil {
		mem.Metadata = *partial.Metadata
	}
	if partial.Related != nil {
		mem.Relationships.Related = partial.Related
	}

	clone := *mem
	return &clone, nil
}

func (s *MockEpisodicStore) Delete(ctx context.Context, id string) (bool, error) {
	if s.FailWith != nil {
		return false, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mem, ok := s.memories[id]
	if !ok {
		return false, errors.NewNotFound("episodic memory", id)
	}

	// Re-link neighbors around the removed node.
	if prev, ok := s.memories[mem.Relationships.Previous]; ok {
		prev.Relationships.Next = mem.Relationships.Next
	}
	if next, ok := s.memories[mem.Relationships.Next]; ok {
		next.Relationships.Previous = mem.Relationships.Previous
	}

	delete(s.memories, id)
	return true, nil
}

func (s *MockEpisodicStore) ClearUser(ctx context.Context, userID string) (bool, error) {
	if s.FailWith != nil {
		return false, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, mem := range s.memories {
		if mem.UserID == userID {
			delete(s.memories, id)
		}
	}
	return true, nil
}

func (s *MockEpisodicStore) ClearSession(ctx context.Context, userID, sessionID string) (bool, error) {
	if s.FailWith != nil {
		return false, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, mem := range s.memories {
		if mem.UserID == userID && mem.SessionID == sessionID {
			delete(s.memories, id)
		}
	}
	return true, nil
}

func (s *MockEpisodicStore) Stats(ctx context.Context, userID string) (EpisodicStats, error) {
	if s.FailWith != nil {
		return EpisodicStats{}, s.FailWith
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := EpisodicStats{}
	for _, mem := range s.memories {
		if mem.UserID != userID {
			continue
		}
		stats.Count++
		if stats.Oldest.IsZero() || mem.Timestamp.Before(stats.Oldest) {
			stats.Oldest = mem.Timestamp
		}
		if mem.Timestamp.After(stats.Newest) {
			stats.Newest = mem.Timestamp
		}
	}
	return stats, nil
}

func (s *MockEpisodicStore) Ping(ctx context.Context) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	return nil
}

// MockSemanticStore keeps concepts in memory with real cosine scoring so
// merge and ranking behavior can be tested offline.
type MockSemanticStore struct {
	mu       sync.Mutex
	memories map[string]*SemanticMemory
	embedder Embedder
	FailWith error
}

func NewMockSemanticStore(embedder Embedder) *MockSemanticStore {
	return &MockSemanticStore{
		memories: make(map[string]*SemanticMemory),
		embedder: embedder,
	}
}

func (s *MockSemanticStore) Store(ctx context.Context, mem *SemanticMemory) (*SemanticMemory, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	if err := mem.Validate(); err != nil {
		return nil, err
	}

	clone := *mem
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Vector == nil {
		vec, err := s.embedder.Embed(ctx, clone.Concept+": "+clone.Description)
		if err != nil {
			return nil, err
		}
		clone.Vector = vec
	}
	if clone.Metadata.LastAccessed.IsZero() {
		clone.Metadata.LastAccessed = time.Now().UTC()
	}

	s.mu.Lock()
	s.memories[clone.ID] = &clone
	s.mu.Unlock()

	out := clone
	return &out, nil
}

func (s *MockSemanticStore) Get(ctx context.Context, id string) (*SemanticMemory, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mem, ok := s.memories[id]
	if !ok {
		return nil, errors.NewNotFound("semantic memory", id)
	}
	clone := *mem
	return &clone, nil
}

func (s *MockSemanticStore) SearchBySimilarity(
	ctx context.Context, userID string, queryVector []float32, threshold float64, limit int,
) ([]ScoredSemanticMemory, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []ScoredSemanticMemory
	for _, mem := range s.memories {
		if mem.UserID != userID {
			continue
		}
		score := Cosine(queryVector, mem.Vector)
		if score < threshold {
			continue
		}
		clone := *mem
		results = append(results, ScoredSemanticMemory{Memory: &clone, Score: score})
	}

	SortScored(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MockSemanticStore) Update(ctx context.Context, mem *SemanticMemory) (*SemanticMemory, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memories[mem.ID]; !ok {
		return nil, errors.NewNotFound("semantic memory", mem.ID)
	}

	clone := *mem
	s.memories[mem.ID] = &clone
	out := clone
	return &out, nil
}

func (s *MockSemanticStore) Delete(ctx context.Context, id string) (bool, error) {
	if s.FailWith != nil {
		return false, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memories[id]; !ok {
		return false, errors.NewNotFound("semantic memory", id)
	}
	delete(s.memories, id)
	return true, nil
}

func (s *MockSemanticStore) ClearUser(ctx context.Context, userID string) (bool, error) {
	if s.FailWith != nil {
		return false, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, mem := range s.memories {
		if mem.UserID == userID {
			delete(s.memories, id)
		}
	}
	return true, nil
}

func (s *MockSemanticStore) LinkRelated(ctx context.Context, aID, bID string, kind RelationKind) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	if aID == bID {
		return errors.NewValidation("id", "cannot relate a concept to itself")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.memories[aID]
	if !ok {
		return errors.NewNotFound("semantic memory", aID)
	}
	b, ok := s.memories[bID]
	if !ok {
		return errors.NewNotFound("semantic memory", bID)
	}

	switch kind {
	case RelationSimilar:
		a.Relationships.Similar = appendUnique(a.Relationships.Similar, bID)
		b.Relationships.Similar = appendUnique(b.Relationships.Similar, aID)
	case RelationRelated:
		a.Relationships.Related = appendUnique(a.Relationships.Related, bID)
		b.Relationships.Related = appendUnique(b.Relationships.Related, aID)
	case RelationOpposite:
		a.Relationships.Opposite = appendUnique(a.Relationships.Opposite, bID)
		b.Relationships.Opposite = appendUnique(b.Relationships.Opposite, aID)
	case RelationParent:
		a.Relationships.Children = appendUnique(a.Relationships.Children, bID)
		b.Relationships.Parent = aID
	case RelationCauses:
		a.Relationships.Causes = appendUnique(a.Relationships.Causes, bID)
		b.Relationships.CausedBy = appendUnique(b.Relationships.CausedBy, aID)
	case RelationPartOf:
		a.Relationships.PartOf = appendUnique(a.Relationships.PartOf, bID)
		b.Relationships.HasParts = appendUnique(b.Relationships.HasParts, aID)
	case RelationInstanceOf:
		a.Relationships.InstanceOf = appendUnique(a.Relationships.InstanceOf, bID)
	}

	return nil
}

func (s *MockSemanticStore) MergeOrCreate(
	ctx context.Context, mem *SemanticMemory, mergeThreshold float64,
) (*SemanticMemory, bool, error) {
	if s.FailWith != nil {
		return nil, false, s.FailWith
	}
	if err := mem.Validate(); err != nil {
		return nil, false, err
	}

	if mem.Vector == nil {
		vec, err := s.embedder.Embed(ctx, mem.Concept+": "+mem.Description)
		if err != nil {
			return nil, false, err
		}
		mem.Vector = vec
	}

	s.mu.Lock()

	var best *SemanticMemory
	bestScore := mergeThreshold
	for _, existing := range s.memories {
		if existing.UserID != mem.UserID || existing.Metadata.Category != mem.Metadata.Category {
			continue
		}
		if score := Cosine(mem.Vector, existing.Vector); score >= bestScore {
			best, bestScore = existing, score
		}
	}

	if best == nil {
		s.mu.Unlock()
		stored, err := s.Store(ctx, mem)
		return stored, false, err
	}

	best.Metadata.AccessCount++
	best.Metadata.LastAccessed = time.Now().UTC()
	if mem.Metadata.Confidence > best.Metadata.Confidence {
		best.Metadata.Confidence = mem.Metadata.Confidence
	}
	if mem.Metadata.Extraction != nil {
		if best.Metadata.Extraction == nil {
			best.Metadata.Extraction = mem.Metadata.Extraction
		} else {
			for _, id := range mem.Metadata.Extraction.SourceMemoryIDs {
				best.Metadata.Extraction.SourceMemoryIDs = appendUnique(
					best.Metadata.Extraction.SourceMemoryIDs, id)
			}
		}
	}

	clone := *best
	s.mu.Unlock()
	return &clone, true, nil
}

func (s *MockSemanticStore) Touch(ctx context.Context, id string) error {
	if s.FailWith != nil {
		return s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mem, ok := s.memories[id]
	if !ok {
		return errors.NewNotFound("semantic memory", id)
	}
	mem.Metadata.AccessCount++
	mem.Metadata.LastAccessed = time.Now().UTC()
	return nil
}

func (s *MockSemanticStore) Count(ctx context.Context, userID string) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, mem := range s.memories {
		if mem.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *MockSemanticStore) Ping(ctx context.Context) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	return nil
}
