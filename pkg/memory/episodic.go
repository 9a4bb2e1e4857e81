package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/theapemachine/mnemo/pkg/errors"
	"github.com/theapemachine/mnemo/pkg/stores/neo4j"
)

/*
GraphEpisodicStore implements EpisodicStore on Neo4j. Appends to one
session are serialized through a per-(userId,sessionId) mutex because the
previous/next chain is not safe under concurrent writers; reads run
unrestricted. Each linking write travels as a single transaction, so a
cancelled request never leaves a half-linked chain.
*/
type GraphEpisodicStore struct {
	client *neo4j.Client
	retry  *errors.RetryConfig

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

func NewGraphEpisodicStore(client *neo4j.Client) *GraphEpisodicStore {
	return &GraphEpisodicStore{
		client:       client,
		retry:        errors.DefaultRetryConfig(),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

func (s *GraphEpisodicStore) sessionLock(userID, sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID + "/" + sessionID
	lock, ok := s.sessionLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.sessionLocks[key] = lock
	}
	return lock
}

// Store assigns an id, appends the episode to the tail of its session
// chain and links previous/next in one transaction.
func (s *GraphEpisodicStore) Store(ctx context.Context, mem *EpisodicMemory) (*EpisodicMemory, error) {
	if err := mem.Validate(); err != nil {
		return nil, err
	}

	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.Timestamp.IsZero() {
		mem.Timestamp = time.Now().UTC()
	}

	lock := s.sessionLock(mem.UserID, mem.SessionID)
	lock.Lock()
	defer lock.Unlock()

	// Find the current tail of the session chain.
	tailID, tailTS, err := s.tail(ctx, mem.UserID, mem.SessionID)
	if err != nil {
		return nil, err
	}
	mem.Relationships.Previous = tailID
	mem.Relationships.Next = ""

	// The chain is strictly timestamp ordered; a write claiming a time at
	// or before the current tail is clamped to just past it.
	if tailID != "" && !mem.Timestamp.After(tailTS) {
		mem.Timestamp = tailTS.Add(time.Millisecond)
	}

	statements := []neo4j.Statement{{
		Cypher: `CREATE (m:EpisodicMemory {
			id:$id, userId:$userId, sessionId:$sessionId, timestamp:$timestamp,
			content:$content, contextJson:$contextJson, source:$source,
			importance:$importance, tags:$tags, location:$location,
			participants:$participants, previous:$previous, related:$related
		})`,
		Params: s.nodeParams(mem),
	}}

	if tailID != "" {
		statements = append(statements, neo4j.Statement{
			Cypher: `MATCH (p:EpisodicMemory {id:$prev}), (m:EpisodicMemory {id:$id})
				MERGE (p)-[:NEXT]->(m)
				MERGE (m)-[:PREVIOUS]->(p)
				SET p.next = $id`,
			Params: map[string]any{"prev": tailID, "id": mem.ID},
		})
	}

	err = errors.RetryWithBackoff(ctx, s.retry, func() error {
		_, execErr := s.client.ExecBatch(ctx, statements)
		return execErr
	})
	if err != nil {
		return nil, err
	}

	return mem, nil
}

func (s *GraphEpisodicStore) tail(ctx context.Context, userID, sessionID string) (string, time.Time, error) {
	out, err := s.client.ExecCypher(ctx,
		`MATCH (m:EpisodicMemory {userId:$userId, sessionId:$sessionId})
		 WHERE NOT (m)-[:NEXT]->(:EpisodicMemory)
		 RETURN m.id, m.timestamp ORDER BY m.timestamp DESC LIMIT 1`,
		map[string]any{"userId": userID, "sessionId": sessionID})
	if err != nil {
		return "", time.Time{}, err
	}

	rows := neo4j.Rows(out, 0)
	if len(rows) == 0 {
		return "", time.Time{}, nil
	}

	id, _ := rows[0][0].(string)
	var ts time.Time
	if ms := num(rows[0][1]); ms > 0 {
		ts = time.UnixMilli(int64(ms)).UTC()
	}
	return id, ts, nil
}

func (s *GraphEpisodicStore) nodeParams(mem *EpisodicMemory) map[string]any {
	contextJSON, _ := json.Marshal(mem.Context)

	return map[string]any{
		"id":           mem.ID,
		"userId":       mem.UserID,
		"sessionId":    mem.SessionID,
		"timestamp":    mem.Timestamp.UnixMilli(),
		"content":      mem.Content,
		"contextJson":  string(contextJSON),
		"source":       mem.Metadata.Source,
		"importance":   mem.Metadata.Importance,
		"tags":         toAnySlice(mem.Metadata.Tags),
		"location":     mem.Metadata.Location,
		"participants": toAnySlice(mem.Metadata.Participants),
		"previous":     mem.Relationships.Previous,
		"related":      toAnySlice(mem.Relationships.Related),
	}
}

const episodicReturn = `RETURN m.id, m.userId, m.sessionId, m.timestamp, m.content,
	m.contextJson, m.source, m.importance, m.tags, m.location, m.participants,
	m.previous, m.next, m.related`

// Get retrieves an episode by id. A missing id yields a NotFoundError.
func (s *GraphEpisodicStore) Get(ctx context.Context, id string) (*EpisodicMemory, error) {
	out, err := s.client.ExecCypher(ctx,
		"MATCH (m:EpisodicMemory {id:$id}) "+episodicReturn,
		map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	rows := neo4j.Rows(out, 0)
	if len(rows) == 0 {
		return nil, errors.NewNotFound("episodic memory", id)
	}

	return episodicFromRow(rows[0]), nil
}

func episodicFromRow(row []any) *EpisodicMemory {
	mem := &EpisodicMemory{
		ID:        str(row[0]),
		UserID:    str(row[1]),
		SessionID: str(row[2]),
		Content:   str(row[4]),
		Metadata: EpisodicMetadata{
			Source:       str(row[6]),
			Importance:   num(row[7]),
			Tags:         strSlice(row[8]),
			Location:     str(row[9]),
			Participants: strSlice(row[10]),
		},
		Relationships: EpisodicRelationships{
			Previous: str(row[11]),
			Next:     str(row[12]),
			Related:  strSlice(row[13]),
		},
	}

	if ms := num(row[3]); ms > 0 {
		mem.Timestamp = time.UnixMilli(int64(ms)).UTC()
	}

	if raw := str(row[5]); raw != "" {
		bag := make(map[string]string)
		if json.Unmarshal([]byte(raw), &bag) == nil && len(bag) > 0 {
			mem.Context = bag
		}
	}

	return mem
}

// Search returns episodes matching the query, newest first.
func (s *GraphEpisodicStore) Search(ctx context.Context, query EpisodicQuery) ([]*EpisodicMemory, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	cypher := "MATCH (m:EpisodicMemory {userId:$userId})"
	params := map[string]any{"userId": query.UserID}
	where := ""

	and := func(clause string) {
		if where == "" {
			where = " WHERE " + clause
			return
		}
		where += " AND " + clause
	}

	if query.SessionID != "" {
		and("m.sessionId = $sessionId")
		params["sessionId"] = query.SessionID
	}
	if query.From != nil {
		and("m.timestamp >= $from")
		params["from"] = query.From.UnixMilli()
	}
	if query.To != nil {
		and("m.timestamp <= $to")
		params["to"] = query.To.UnixMilli()
	}
	if len(query.Tags) > 0 {
		and("any(tag IN m.tags WHERE tag IN $tags)")
		params["tags"] = toAnySlice(query.Tags)
	}
	if query.MinImportance != nil {
		and("m.importance >= $minImportance")
		params["minImportance"] = *query.MinImportance
	}
	if query.MaxImportance != nil {
		and("m.importance <= $maxImportance")
		params["maxImportance"] = *query.MaxImportance
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	params["limit"] = limit

	out, err := s.client.ExecCypher(ctx,
		cypher+where+" "+episodicReturn+" ORDER BY m.timestamp DESC LIMIT $limit",
		params)
	if err != nil {
		return nil, err
	}

	rows := neo4j.Rows(out, 0)
	results := make([]*EpisodicMemory, 0, len(rows))
	for _, row := range rows {
		results = append(results, episodicFromRow(row))
	}
	return results, nil
}

// Update mutates the mutable subset of an episode. Timestamp and userId
// can never change.
func (s *GraphEpisodicStore) Update(ctx context.Context, id string, partial EpisodicUpdate) (*EpisodicMemory, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Once a successor exists the episode is frozen; only relationship
	// updates remain legal.
	if current.Relationships.Next != "" &&
		(partial.Content != nil || partial.Context != nil || partial.Metadata != nil) {
		return nil, errors.NewValidation("id", "episode is sealed; only relationships may change")
	}

	sets := []string{}
	params := map[string]any{"id": id}

	if partial.Content != nil {
		sets = append(sets, "m.content = $content")
		params["content"] = *partial.Content
		current.Content = *partial.Content
	}
	if partial.Context != nil {
		for key := range partial.Context {
			if !ContextKeys[key] {
				return nil, errors.NewValidation("context."+key, "key not in the allowed set")
			}
		}
		raw, _ := json.Marshal(partial.Context)
		sets = append(sets, "m.contextJson = $contextJson")
		params["contextJson"] = string(raw)
		current.Context = partial.Context
	}
	if partial.Metadata != nil {
		if partial.Metadata.Importance < 0 || partial.Metadata.Importance > 1 {
			return nil, errors.NewValidation("importance", "must be within [0,1]")
		}
		sets = append(sets,
			"m.source = $source", "m.importance = $importance", "m.tags = $tags",
			"m.location = $location", "m.participants = $participants")
		params["source"] = partial.Metadata.Source
		params["importance"] = partial.Metadata.Importance
		params["tags"] = toAnySlice(partial.Metadata.Tags)
		params["location"] = partial.Metadata.Location
		params["participants"] = toAnySlice(partial.Metadata.Participants)
		current.Metadata = *partial.Metadata
	}
	if partial.Related != nil {
		sets = append(sets, "m.related = $related")
		params["related"] = toAnySlice(partial.Related)
		current.Relationships.Related = partial.Related
	}

	if len(sets) == 0 {
		return current, nil
	}

	cypher := "MATCH (m:EpisodicMemory {id:$id}) SET " + joinClauses(sets)
	if _, err := s.client.ExecCypher(ctx, cypher, params); err != nil {
		return nil, err
	}

	return current, nil
}

// Delete removes an episode and re-links its chain neighbors in the same
// transaction. Returns false with a NotFoundError when the id is unknown.
func (s *GraphEpisodicStore) Delete(ctx context.Context, id string) (bool, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	lock := s.sessionLock(current.UserID, current.SessionID)
	lock.Lock()
	defer lock.Unlock()

	prev := current.Relationships.Previous
	next := current.Relationships.Next

	var statements []neo4j.Statement

	switch {
	case prev != "" && next != "":
		statements = append(statements, neo4j.Statement{
			Cypher: `MATCH (p:EpisodicMemory {id:$prev}), (n:EpisodicMemory {id:$next})
				MERGE (p)-[:NEXT]->(n)
				MERGE (n)-[:PREVIOUS]->(p)
				SET p.next = $next, n.previous = $prev`,
			Params: map[string]any{"prev": prev, "next": next},
		})
	case prev != "":
		statements = append(statements, neo4j.Statement{
			Cypher: "MATCH (p:EpisodicMemory {id:$prev}) REMOVE p.next",
			Params: map[string]any{"prev": prev},
		})
	case next != "":
		statements = append(statements, neo4j.Statement{
			Cypher: "MATCH (n:EpisodicMemory {id:$next}) REMOVE n.previous",
			Params: map[string]any{"next": next},
		})
	}

	statements = append(statements, neo4j.Statement{
		Cypher: "MATCH (m:EpisodicMemory {id:$id}) DETACH DELETE m",
		Params: map[string]any{"id": id},
	})

	if _, err := s.client.ExecBatch(ctx, statements); err != nil {
		return false, err
	}

	return true, nil
}

// ClearUser hard-deletes every episode belonging to the user.
func (s *GraphEpisodicStore) ClearUser(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, errors.NewValidation("userId", "must not be blank")
	}

	_, err := s.client.ExecCypher(ctx,
		"MATCH (m:EpisodicMemory {userId:$userId}) DETACH DELETE m",
		map[string]any{"userId": userID})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearSession hard-deletes one session's chain.
func (s *GraphEpisodicStore) ClearSession(ctx context.Context, userID, sessionID string) (bool, error) {
	if userID == "" || sessionID == "" {
		return false, errors.NewValidation("userId/sessionId", "must not be blank")
	}

	lock := s.sessionLock(userID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.client.ExecCypher(ctx,
		"MATCH (m:EpisodicMemory {userId:$userId, sessionId:$sessionId}) DETACH DELETE m",
		map[string]any{"userId": userID, "sessionId": sessionID})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stats returns count plus oldest/newest timestamps for a user.
func (s *GraphEpisodicStore) Stats(ctx context.Context, userID string) (EpisodicStats, error) {
	out, err := s.client.ExecCypher(ctx,
		`MATCH (m:EpisodicMemory {userId:$userId})
		 RETURN count(m), min(m.timestamp), max(m.timestamp)`,
		map[string]any{"userId": userID})
	if err != nil {
		return EpisodicStats{}, err
	}

	rows := neo4j.Rows(out, 0)
	if len(rows) == 0 {
		return EpisodicStats{}, nil
	}

	stats := EpisodicStats{Count: int(num(rows[0][0]))}
	if oldest := num(rows[0][1]); oldest > 0 {
		stats.Oldest = time.UnixMilli(int64(oldest)).UTC()
	}
	if newest := num(rows[0][2]); newest > 0 {
		stats.Newest = time.UnixMilli(int64(newest)).UTC()
	}
	return stats, nil
}

// Ping checks graph store availability.
func (s *GraphEpisodicStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func str(v any) string {
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func strSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		out = append(out, str(item))
	}
	return out
}
