package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/theapemachine/mnemo/pkg/errors"
	"github.com/theapemachine/mnemo/pkg/stores/neo4j"
	"github.com/theapemachine/mnemo/pkg/stores/qdrant"
)

/*
VectorSemanticStore implements SemanticStore across both backends: the
vector half (embedding, payload, scored search) lives in Qdrant, the
relationship half lives in Neo4j as typed edges between SemanticMemory
nodes. Merge-or-create is serialized per user so concurrent extraction
runs cannot race duplicate concepts past the similarity check.
*/
type VectorSemanticStore struct {
	vector   *qdrant.Client
	graph    *neo4j.Client
	embedder Embedder
	retry    *errors.RetryConfig

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

func NewVectorSemanticStore(vector *qdrant.Client, graph *neo4j.Client, embedder Embedder) *VectorSemanticStore {
	return &VectorSemanticStore{
		vector:    vector,
		graph:     graph,
		embedder:  embedder,
		retry:     errors.DefaultRetryConfig(),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (s *VectorSemanticStore) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// Store embeds the concept when no vector is supplied, assigns an id and
// writes the point plus its graph node.
func (s *VectorSemanticStore) Store(ctx context.Context, mem *SemanticMemory) (*SemanticMemory, error) {
	if err := mem.Validate(); err != nil {
		return nil, err
	}

	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.Vector == nil {
		vec, err := s.embedder.Embed(ctx, mem.Concept+": "+mem.Description)
		if err != nil {
			return nil, err
		}
		mem.Vector = vec
	}
	if mem.Metadata.LastAccessed.IsZero() {
		mem.Metadata.LastAccessed = time.Now().UTC()
	}

	if err := s.writeBoth(ctx, mem); err != nil {
		return nil, err
	}

	return mem, nil
}

func (s *VectorSemanticStore) writeBoth(ctx context.Context, mem *SemanticMemory) error {
	doc := qdrant.NewDocument(mem.ID, mem.Concept+": "+mem.Description,
		mem.Vector, payloadFromSemantic(mem))

	err := errors.RetryWithBackoff(ctx, s.retry, func() error {
		return s.vector.Put(ctx, []qdrant.Document{*doc})
	})
	if err != nil {
		return err
	}

	return errors.RetryWithBackoff(ctx, s.retry, func() error {
		_, execErr := s.graph.ExecCypher(ctx,
			`MERGE (m:SemanticMemory {id:$id})
			 SET m.userId=$userId, m.concept=$concept, m.category=$category`,
			map[string]any{
				"id":       mem.ID,
				"userId":   mem.UserID,
				"concept":  mem.Concept,
				"category": mem.Metadata.Category,
			})
		return execErr
	})
}

func payloadFromSemantic(mem *SemanticMemory) map[string]any {
	payload := map[string]any{
		"userId":       mem.UserID,
		"concept":      mem.Concept,
		"description":  mem.Description,
		"category":     mem.Metadata.Category,
		"confidence":   mem.Metadata.Confidence,
		"source":       mem.Metadata.Source,
		"lastAccessed": mem.Metadata.LastAccessed.UnixMilli(),
		"accessCount":  mem.Metadata.AccessCount,
	}

	if mem.Metadata.Extraction != nil {
		raw, _ := json.Marshal(mem.Metadata.Extraction)
		payload["extractionJson"] = string(raw)
	}

	return payload
}

func semanticFromPayload(id string, payload map[string]any, vector []float32) *SemanticMemory {
	mem := &SemanticMemory{
		ID:          id,
		UserID:      str(payload["userId"]),
		Concept:     str(payload["concept"]),
		Description: str(payload["description"]),
		Vector:      vector,
		Metadata: SemanticMetadata{
			Category:    str(payload["category"]),
			Confidence:  num(payload["confidence"]),
			Source:      str(payload["source"]),
			AccessCount: int(num(payload["accessCount"])),
		},
	}

	if ms := num(payload["lastAccessed"]); ms > 0 {
		mem.Metadata.LastAccessed = time.UnixMilli(int64(ms)).UTC()
	}

	if raw := str(payload["extractionJson"]); raw != "" && raw != "<nil>" {
		var extraction ExtractionMetadata
		if json.Unmarshal([]byte(raw), &extraction) == nil {
			mem.Metadata.Extraction = &extraction
		}
	}

	return mem
}

// Get retrieves a concept by id, rebuilding its relationship adjacency
// from the graph edges.
func (s *VectorSemanticStore) Get(ctx context.Context, id string) (*SemanticMemory, error) {
	doc, err := s.vector.Get(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFound("semantic memory", id)
		}
		return nil, err
	}

	mem := semanticFromPayload(doc.ID, doc.Metadata, doc.Vector)

	rels, err := s.relationships(ctx, id)
	if err != nil {
		return nil, err
	}
	mem.Relationships = rels

	return mem, nil
}

func (s *VectorSemanticStore) relationships(ctx context.Context, id string) (SemanticRelationships, error) {
	out, err := s.graph.ExecCypher(ctx,
		`MATCH (m:SemanticMemory {id:$id})-[r]->(o:SemanticMemory)
		 RETURN type(r), o.id, true
		 UNION ALL
		 MATCH (m:SemanticMemory {id:$id})<-[r]-(o:SemanticMemory)
		 RETURN type(r), o.id, false`,
		map[string]any{"id": id})
	if err != nil {
		return SemanticRelationships{}, err
	}

	rels := SemanticRelationships{}

	for _, row := range neo4j.Rows(out, 0) {
		edge := str(row[0])
		other := str(row[1])
		outgoing, _ := row[2].(bool)

		switch edge {
		case "SIMILAR":
			rels.Similar = appendUnique(rels.Similar, other)
		case "RELATED":
			rels.Related = appendUnique(rels.Related, other)
		case "OPPOSITE":
			rels.Opposite = appendUnique(rels.Opposite, other)
		case "PARENT_OF":
			if outgoing {
				rels.Children = appendUnique(rels.Children, other)
			} else {
				rels.Parent = other
			}
		case "CAUSES":
			if outgoing {
				rels.Causes = appendUnique(rels.Causes, other)
			} else {
				rels.CausedBy = appendUnique(rels.CausedBy, other)
			}
		case "PART_OF":
			if outgoing {
				rels.PartOf = appendUnique(rels.PartOf, other)
			} else {
				rels.HasParts = appendUnique(rels.HasParts, other)
			}
		case "INSTANCE_OF":
			if outgoing {
				rels.InstanceOf = appendUnique(rels.InstanceOf, other)
			}
		}
	}

	return rels, nil
}

func appendUnique(slice []string, value string) []string {
	for _, v := range slice {
		if v == value {
			return slice
		}
	}
	return append(slice, value)
}

// SearchBySimilarity returns concepts above threshold, sorted by score
// descending with ties broken by confidence then lastAccessed.
func (s *VectorSemanticStore) SearchBySimilarity(
	ctx context.Context, userID string, queryVector []float32, threshold float64, limit int,
) ([]ScoredSemanticMemory, error) {
	if userID == "" {
		return nil, errors.NewValidation("userId", "must not be blank")
	}
	if limit <= 0 {
		limit = 10
	}

	docs, err := s.vector.Search(ctx, queryVector, limit, threshold, []qdrant.Condition{
		{Key: "userId", Value: userID},
	})
	if err != nil {
		return nil, err
	}

	results := make([]ScoredSemanticMemory, 0, len(docs))
	for _, doc := range docs {
		results = append(results, ScoredSemanticMemory{
			Memory: semanticFromPayload(doc.ID, doc.Metadata, nil),
			Score:  doc.Score,
		})
	}

	SortScored(results)
	return results, nil
}

// SortScored orders hits by score descending, breaking ties by confidence
// descending and then lastAccessed descending.
func SortScored(results []ScoredSemanticMemory) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ci, cj := results[i].Memory.Metadata.Confidence, results[j].Memory.Metadata.Confidence
		if ci != cj {
			return ci > cj
		}
		return results[i].Memory.Metadata.LastAccessed.After(results[j].Memory.Metadata.LastAccessed)
	})
}

// Update overwrites a concept's point and node.
func (s *VectorSemanticStore) Update(ctx context.Context, mem *SemanticMemory) (*SemanticMemory, error) {
	if mem.ID == "" {
		return nil, errors.NewValidation("id", "must not be blank")
	}
	if err := mem.Validate(); err != nil {
		return nil, err
	}
	if mem.Vector == nil {
		current, err := s.vector.Get(ctx, mem.ID)
		if err != nil {
			return nil, err
		}
		mem.Vector = current.Vector
	}

	if err := s.writeBoth(ctx, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// Delete removes a concept from both stores.
func (s *VectorSemanticStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.vector.Get(ctx, id); err != nil {
		if errors.IsNotFound(err) {
			return false, errors.NewNotFound("semantic memory", id)
		}
		return false, err
	}

	if err := s.vector.Delete(ctx, id); err != nil {
		return false, err
	}

	_, err := s.graph.ExecCypher(ctx,
		"MATCH (m:SemanticMemory {id:$id}) DETACH DELETE m",
		map[string]any{"id": id})
	if err != nil {
		return false, err
	}

	return true, nil
}

// ClearUser removes every concept belonging to the user from both stores.
func (s *VectorSemanticStore) ClearUser(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, errors.NewValidation("userId", "must not be blank")
	}

	if err := s.vector.DeleteByFilter(ctx, []qdrant.Condition{{Key: "userId", Value: userID}}); err != nil {
		return false, err
	}

	_, err := s.graph.ExecCypher(ctx,
		"MATCH (m:SemanticMemory {userId:$userId}) DETACH DELETE m",
		map[string]any{"userId": userID})
	if err != nil {
		return false, err
	}

	return true, nil
}

// LinkRelated creates a typed edge between two concepts. MERGE keeps it
// idempotent; symmetric kinds use an undirected merge so a->b and b->a
// are the same edge.
func (s *VectorSemanticStore) LinkRelated(ctx context.Context, aID, bID string, kind RelationKind) error {
	if aID == "" || bID == "" {
		return errors.NewValidation("id", "both ids are required")
	}
	if aID == bID {
		return errors.NewValidation("id", "cannot relate a concept to itself")
	}

	pattern := "MERGE (a)-[:" + kind.EdgeType() + "]->(b)"
	if kind.Symmetric() {
		pattern = "MERGE (a)-[:" + kind.EdgeType() + "]-(b)"
	}

	_, err := s.graph.ExecCypher(ctx,
		"MATCH (a:SemanticMemory {id:$a}), (b:SemanticMemory {id:$b}) "+pattern,
		map[string]any{"a": aID, "b": bID})
	return err
}

// MergeOrCreate looks for an existing concept within mergeThreshold cosine
// similarity (same user and category). On a hit it reinforces the existing
// concept: accessCount increments, confidence takes the max of old and
// new, and source memory ids are unioned. On a miss it stores mem as new.
// The bool reports whether a merge happened.
func (s *VectorSemanticStore) MergeOrCreate(
	ctx context.Context, mem *SemanticMemory, mergeThreshold float64,
) (*SemanticMemory, bool, error) {
	if err := mem.Validate(); err != nil {
		return nil, false, err
	}

	lock := s.userLock(mem.UserID)
	lock.Lock()
	defer lock.Unlock()

	if mem.Vector == nil {
		vec, err := s.embedder.Embed(ctx, mem.Concept+": "+mem.Description)
		if err != nil {
			return nil, false, err
		}
		mem.Vector = vec
	}

	docs, err := s.vector.Search(ctx, mem.Vector, 1, mergeThreshold, []qdrant.Condition{
		{Key: "userId", Value: mem.UserID},
		{Key: "category", Value: mem.Metadata.Category},
	})
	if err != nil {
		return nil, false, err
	}

	if len(docs) == 0 {
		stored, err := s.Store(ctx, mem)
		return stored, false, err
	}

	existing, err := s.Get(ctx, docs[0].ID)
	if err != nil {
		return nil, false, err
	}

	existing.Metadata.AccessCount++
	existing.Metadata.LastAccessed = time.Now().UTC()
	if mem.Metadata.Confidence > existing.Metadata.Confidence {
		existing.Metadata.Confidence = mem.Metadata.Confidence
	}
	if mem.Metadata.Extraction != nil {
		if existing.Metadata.Extraction == nil {
			existing.Metadata.Extraction = mem.Metadata.Extraction
		} else {
			for _, id := range mem.Metadata.Extraction.SourceMemoryIDs {
				existing.Metadata.Extraction.SourceMemoryIDs = appendUnique(
					existing.Metadata.Extraction.SourceMemoryIDs, id)
			}
		}
	}

	updated, err := s.Update(ctx, existing)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// Touch bumps access tracking for a concept that was just retrieved.
func (s *VectorSemanticStore) Touch(ctx context.Context, id string) error {
	doc, err := s.vector.Get(ctx, id)
	if err != nil {
		return err
	}

	mem := semanticFromPayload(doc.ID, doc.Metadata, doc.Vector)
	mem.Metadata.AccessCount++
	mem.Metadata.LastAccessed = time.Now().UTC()

	touched := qdrant.NewDocument(mem.ID, mem.Concept+": "+mem.Description,
		mem.Vector, payloadFromSemantic(mem))
	return s.vector.Put(ctx, []qdrant.Document{*touched})
}

// Count returns the number of concepts stored for a user.
func (s *VectorSemanticStore) Count(ctx context.Context, userID string) (int, error) {
	out, err := s.graph.ExecCypher(ctx,
		"MATCH (m:SemanticMemory {userId:$userId}) RETURN count(m)",
		map[string]any{"userId": userID})
	if err != nil {
		return 0, err
	}

	rows := neo4j.Rows(out, 0)
	if len(rows) == 0 {
		return 0, nil
	}
	return int(num(rows[0][0])), nil
}

// Ping checks both backends.
func (s *VectorSemanticStore) Ping(ctx context.Context) error {
	if err := s.vector.Ping(ctx); err != nil {
		return err
	}
	return s.graph.Ping(ctx)
}
