package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/theapemachine/mnemo/pkg/errors"
)

// ConversationState tracks where a session is in its turn-taking lifecycle.
type ConversationState string

const (
	StateGreeting      ConversationState = "greeting"
	StateActive        ConversationState = "active"
	StatePlanning      ConversationState = "planning"
	StateWaiting       ConversationState = "waiting"
	StateErrorRecovery ConversationState = "error_recovery"
)

// GoalStatus is the lifecycle of a tracked goal. Goals start pending, move
// to in_progress once work begins, and end completed or cancelled.
type GoalStatus string

const (
	GoalPending    GoalStatus = "pending"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalCancelled  GoalStatus = "cancelled"
)

func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalCancelled
}

// goalTransitions lists the legal moves. Cancellation is allowed from any
// non-terminal state; completion requires the goal to have been started.
var goalTransitions = map[GoalStatus]map[GoalStatus]bool{
	GoalPending:    {GoalInProgress: true, GoalCancelled: true},
	GoalInProgress: {GoalCompleted: true, GoalCancelled: true},
}

// Goal is a tracked user objective extracted from conversation.
type Goal struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	Priority        float64    `json:"priority"`
	Status          GoalStatus `json:"status"`
	Subgoals        []string   `json:"subgoals,omitempty"`
	SuccessCriteria []string   `json:"successCriteria,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ConversationTurn is one exchange in the session history.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Intent    string    `json:"intent,omitempty"`
	ToolsUsed int       `json:"toolsUsed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionMetadata summarizes the session the working memory belongs to.
type SessionMetadata struct {
	SessionID           string        `json:"sessionId"`
	StartedAt           time.Time     `json:"startedAt"`
	TurnCount           int           `json:"turnCount"`
	LastActivity        time.Time     `json:"lastActivity"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	SessionGoals        []string      `json:"sessionGoals,omitempty"`
	ContextSwitches     int           `json:"contextSwitches"`
}

// UserProfile is the interaction profile inferred from the user's own
// turns: what they keep talking about and how they phrase it.
type UserProfile struct {
	Preferences        []string `json:"preferences,omitempty"`
	CommunicationStyle string   `json:"communicationStyle,omitempty"`
	Formality          string   `json:"formality,omitempty"`
	ResponseLength     string   `json:"responseLength,omitempty"`
	Interests          []string `json:"interests,omitempty"`
	Expertise          []string `json:"expertise,omitempty"`
	Personality        string   `json:"personality,omitempty"`
}

// WindowEntry is one scored item occupying context-window budget.
type WindowEntry struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	Score   float64   `json:"score"`
	Tokens  int       `json:"tokens"`
	At      time.Time `json:"at"`
}

// ContextWindow is the token-bounded working set for the current turn.
type ContextWindow struct {
	MaxTokens        int           `json:"maxTokens"`
	CurrentTokens    int           `json:"currentTokens"`
	StartTime        time.Time     `json:"startTime"`
	EndTime          time.Time     `json:"endTime"`
	RelevanceScore   float64       `json:"relevanceScore"`
	CompressionRatio float64       `json:"compressionRatio"`
	Entries          []WindowEntry `json:"entries,omitempty"`
}

// WorkingMemoryContext is the per-session state snapshot handed to callers.
type WorkingMemoryContext struct {
	UserID          string             `json:"userId"`
	SessionID       string             `json:"sessionId"`
	State           ConversationState  `json:"state"`
	CurrentTopic    string             `json:"currentTopic"`
	History         []ConversationTurn `json:"history,omitempty"`
	Goals           []Goal             `json:"goals,omitempty"`
	Profile         UserProfile        `json:"userProfile"`
	Session         SessionMetadata    `json:"session"`
	Window          ContextWindow      `json:"contextWindow"`
	LastInteraction time.Time          `json:"lastInteraction"`
	Stale           bool               `json:"stale,omitempty"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// ActiveGoals returns the non-terminal goals, highest priority first.
func (c *WorkingMemoryContext) ActiveGoals() []Goal {
	var active []Goal
	for _, goal := range c.Goals {
		if !goal.Status.Terminal() {
			active = append(active, goal)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})
	return active
}

// WorkingMemoryConfig bounds the manager's per-session state.
type WorkingMemoryConfig struct {
	MaxTokens        int           `json:"maxTokens"`
	CompressionRatio float64       `json:"compressionRatio"`
	MaxActiveGoals   int           `json:"maxActiveGoals"`
	HistorySize      int           `json:"historySize"`
	CacheTTL         time.Duration `json:"cacheTtl"`
}

func DefaultWorkingMemoryConfig() WorkingMemoryConfig {
	return WorkingMemoryConfig{
		MaxTokens:        4096,
		CompressionRatio: 0.25,
		MaxActiveGoals:   5,
		HistorySize:      20,
		CacheTTL:         30 * time.Minute,
	}
}

/*
WorkingMemoryManager maintains per-session conversation state: a state
machine driven by classified intent, a bounded history ring, goal tracking
and a token-budgeted context window. Snapshots are cached so reads can
degrade to stale-but-available when the episodic store is down.
*/
type WorkingMemoryManager struct {
	episodic EpisodicStore
	cache    *ristretto.Cache
	config   WorkingMemoryConfig

	mu       sync.Mutex
	sessions map[string]*WorkingMemoryContext
}

func NewWorkingMemoryManager(episodic EpisodicStore, config WorkingMemoryConfig) (*WorkingMemoryManager, error) {
	if config.MaxTokens <= 0 {
		config = DefaultWorkingMemoryConfig()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &WorkingMemoryManager{
		episodic: episodic,
		cache:    cache,
		config:   config,
		sessions: make(map[string]*WorkingMemoryContext),
	}, nil
}

func (m *WorkingMemoryManager) Close() {
	m.cache.Close()
}

func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

/*
Context returns the working memory for a session, recomputing it from the
episodic store. When the store is unreachable the last cached snapshot is
returned with Stale set instead of failing the turn.
*/
func (m *WorkingMemoryManager) Context(ctx context.Context, userID, sessionID string) (*WorkingMemoryContext, error) {
	if userID == "" || sessionID == "" {
		return nil, errors.NewValidation("session", "userId and sessionId must not be blank")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wm, err := m.recompute(ctx, userID, sessionID)
	if err != nil {
		if errors.IsRetryable(err) {
			if cached := m.cached(userID, sessionID); cached != nil {
				log.Warn("episodic store unavailable, serving stale working memory",
					"userId", userID, "sessionId", sessionID)
				stale := *cached
				stale.Stale = true
				return &stale, nil
			}
		}
		return nil, err
	}

	m.snapshot(wm)
	clone := *wm
	return &clone, nil
}

func (m *WorkingMemoryManager) recompute(ctx context.Context, userID, sessionID string) (*WorkingMemoryContext, error) {
	episodes, err := m.episodic.Search(ctx, EpisodicQuery{
		UserID:    userID,
		SessionID: sessionID,
		Limit:     m.config.HistorySize,
	})
	if err != nil {
		return nil, err
	}

	key := sessionKey(userID, sessionID)
	wm, ok := m.sessions[key]
	if !ok {
		wm = &WorkingMemoryContext{
			UserID:    userID,
			SessionID: sessionID,
			State:     StateGreeting,
			Session: SessionMetadata{
				SessionID: sessionID,
				StartedAt: time.Now().UTC(),
			},
			Window: ContextWindow{MaxTokens: m.config.MaxTokens},
		}
		m.sessions[key] = wm
	}

	// Search returns newest first; history reads oldest first.
	wm.History = make([]ConversationTurn, 0, len(episodes))
	for i := len(episodes) - 1; i >= 0; i-- {
		episode := episodes[i]
		wm.History = append(wm.History, ConversationTurn{
			Role:      episode.Metadata.Source,
			Content:   episode.Content,
			Intent:    episode.Context["intent"],
			Timestamp: episode.Timestamp,
		})
	}

	wm.Session.TurnCount = len(wm.History)
	if len(wm.History) > 0 {
		wm.Session.LastActivity = wm.History[len(wm.History)-1].Timestamp
		if wm.State == StateGreeting {
			wm.State = StateActive
		}
	}

	m.extractGoals(episodes)
	m.rebuildWindow(wm, episodes)
	m.compress(wm)
	m.refresh(wm)
	wm.UpdatedAt = time.Now().UTC()

	return wm, nil
}

/*
RecordTurn folds one completed exchange into the session state: it appends
to the history ring, advances the state machine from the turn's classified
intent and tool usage, scans for new goals and recompresses the window.
*/
func (m *WorkingMemoryManager) RecordTurn(ctx context.Context, userID, sessionID string, turn ConversationTurn) (*WorkingMemoryContext, error) {
	if userID == "" || sessionID == "" {
		return nil, errors.NewValidation("session", "userId and sessionId must not be blank")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(userID, sessionID)
	wm, ok := m.sessions[key]
	if !ok {
		wm = &WorkingMemoryContext{
			UserID:    userID,
			SessionID: sessionID,
			State:     StateGreeting,
			Session: SessionMetadata{
				SessionID: sessionID,
				StartedAt: time.Now().UTC(),
			},
			Window: ContextWindow{MaxTokens: m.config.MaxTokens},
		}
		m.sessions[key] = wm
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if turn.Intent == "" {
		turn.Intent = ClassifyIntent(turn.Content)
	}

	wm.History = append(wm.History, turn)
	if len(wm.History) > m.config.HistorySize {
		wm.History = wm.History[len(wm.History)-m.config.HistorySize:]
	}

	wm.State = NextState(wm.State, turn.Intent, turn.ToolsUsed)
	wm.Session.TurnCount++
	wm.Session.LastActivity = turn.Timestamp

	if goal := goalFromText(turn.Content); goal != "" {
		m.addGoalLocked(wm, Goal{Description: goal, Priority: 0.5})
	}

	wm.Window.Entries = append(wm.Window.Entries, WindowEntry{
		ID:      uuid.NewString(),
		Content: turn.Content,
		Score:   recencyScore(turn.Timestamp, time.Now().UTC()),
		Tokens:  EstimateTokens(turn.Content),
		At:      turn.Timestamp,
	})
	m.compress(wm)
	m.refresh(wm)

	wm.UpdatedAt = time.Now().UTC()
	m.snapshot(wm)

	clone := *wm
	return &clone, nil
}

// MarkError moves a session into error_recovery after a downstream failure.
// The next successful turn returns it to active.
func (m *WorkingMemoryManager) MarkError(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wm, ok := m.sessions[sessionKey(userID, sessionID)]; ok {
		wm.State = StateErrorRecovery
		wm.UpdatedAt = time.Now().UTC()
	}
}

// AddGoal tracks a new goal, evicting the lowest-priority active goal when
// the cap is exceeded. Evicted goals are marked cancelled, never deleted.
func (m *WorkingMemoryManager) AddGoal(userID, sessionID string, goal Goal) (*Goal, error) {
	if goal.Description == "" {
		return nil, errors.NewValidation("description", "must not be blank")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(userID, sessionID)
	wm, ok := m.sessions[key]
	if !ok {
		return nil, errors.NewNotFound("session", key)
	}

	added := m.addGoalLocked(wm, goal)
	if added == nil {
		return nil, errors.NewValidation("goal", "duplicate of an existing active goal")
	}

	clone := *added
	return &clone, nil
}

func (m *WorkingMemoryManager) addGoalLocked(wm *WorkingMemoryContext, goal Goal) *Goal {
	for i := range wm.Goals {
		if wm.Goals[i].Status.Terminal() {
			continue
		}
		if strings.EqualFold(wm.Goals[i].Description, goal.Description) {
			return nil
		}
	}

	goal.ID = uuid.NewString()
	goal.Status = GoalPending
	goal.CreatedAt = time.Now().UTC()
	goal.UpdatedAt = goal.CreatedAt
	wm.Goals = append(wm.Goals, goal)

	active := wm.ActiveGoals()
	for len(active) > m.config.MaxActiveGoals {
		victim := active[len(active)-1]
		for i := range wm.Goals {
			if wm.Goals[i].ID == victim.ID {
				wm.Goals[i].Status = GoalCancelled
				wm.Goals[i].UpdatedAt = time.Now().UTC()
			}
		}
		active = wm.ActiveGoals()
	}

	for i := range wm.Goals {
		if wm.Goals[i].ID == goal.ID {
			return &wm.Goals[i]
		}
	}
	return nil
}

// UpdateGoalStatus transitions a goal along the pending -> in_progress ->
// completed/cancelled lifecycle. Terminal states never regress.
func (m *WorkingMemoryManager) UpdateGoalStatus(userID, sessionID, goalID string, status GoalStatus) (*Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wm, ok := m.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return nil, errors.NewNotFound("session", sessionKey(userID, sessionID))
	}

	for i := range wm.Goals {
		if wm.Goals[i].ID != goalID {
			continue
		}
		if wm.Goals[i].Status.Terminal() {
			return nil, errors.NewValidation("status",
				"goal is already "+string(wm.Goals[i].Status))
		}
		if !goalTransitions[wm.Goals[i].Status][status] {
			return nil, errors.NewValidation("status",
				"cannot move a "+string(wm.Goals[i].Status)+" goal to "+string(status))
		}
		wm.Goals[i].Status = status
		wm.Goals[i].UpdatedAt = time.Now().UTC()
		clone := wm.Goals[i]
		return &clone, nil
	}

	return nil, errors.NewNotFound("goal", goalID)
}

func (m *WorkingMemoryManager) extractGoals(episodes []*EpisodicMemory) {
	for _, episode := range episodes {
		if goal := goalFromText(episode.Content); goal != "" {
			key := sessionKey(episode.UserID, episode.SessionID)
			if wm, ok := m.sessions[key]; ok {
				m.addGoalLocked(wm, Goal{
					Description: goal,
					Priority:    episode.Metadata.Importance,
				})
			}
		}
	}
}

func (m *WorkingMemoryManager) rebuildWindow(wm *WorkingMemoryContext, episodes []*EpisodicMemory) {
	now := time.Now().UTC()
	wm.Window.Entries = make([]WindowEntry, 0, len(episodes))

	for _, episode := range episodes {
		wm.Window.Entries = append(wm.Window.Entries, WindowEntry{
			ID:      episode.ID,
			Content: episode.Content,
			Score:   0.6*recencyScore(episode.Timestamp, now) + 0.4*episode.Metadata.Importance,
			Tokens:  EstimateTokens(episode.Content),
			At:      episode.Timestamp,
		})
	}
}

/*
compress evicts the lowest-scored window entries until the window holds no
more than maxTokens*(1-compressionRatio) tokens. Eviction drops entries
from the working set only; the underlying memories are untouched.
*/
func (m *WorkingMemoryManager) compress(wm *WorkingMemoryContext) {
	total := 0
	for _, entry := range wm.Window.Entries {
		total += entry.Tokens
	}

	if total > wm.Window.MaxTokens {
		target := int(float64(wm.Window.MaxTokens) * (1 - m.config.CompressionRatio))

		sort.SliceStable(wm.Window.Entries, func(i, j int) bool {
			return wm.Window.Entries[i].Score > wm.Window.Entries[j].Score
		})

		for total > target && len(wm.Window.Entries) > 0 {
			victim := wm.Window.Entries[len(wm.Window.Entries)-1]
			wm.Window.Entries = wm.Window.Entries[:len(wm.Window.Entries)-1]
			total -= victim.Tokens
		}
	}

	wm.Window.CurrentTokens = total
	wm.Window.CompressionRatio = m.config.CompressionRatio

	wm.Window.StartTime, wm.Window.EndTime = time.Time{}, time.Time{}
	score := 0.0
	for _, entry := range wm.Window.Entries {
		score += entry.Score
		if wm.Window.StartTime.IsZero() || entry.At.Before(wm.Window.StartTime) {
			wm.Window.StartTime = entry.At
		}
		if entry.At.After(wm.Window.EndTime) {
			wm.Window.EndTime = entry.At
		}
	}

	wm.Window.RelevanceScore = 0
	if len(wm.Window.Entries) > 0 {
		wm.Window.RelevanceScore = score / float64(len(wm.Window.Entries))
	}
}

/*
refresh re-derives the observational state after the history changes: the
dominant topic (counting a context switch when it moves), the inferred
user profile and the session aggregates.
*/
func (m *WorkingMemoryManager) refresh(wm *WorkingMemoryContext) {
	if topic := topicOf(wm.History); topic != "" {
		if wm.CurrentTopic != "" && topic != wm.CurrentTopic {
			wm.Session.ContextSwitches++
		}
		wm.CurrentTopic = topic
	}

	wm.Profile = buildProfile(wm.History)
	wm.LastInteraction = wm.Session.LastActivity
	wm.Session.AverageResponseTime = averageGap(wm.History)

	active := wm.ActiveGoals()
	wm.Session.SessionGoals = make([]string, 0, len(active))
	for _, goal := range active {
		wm.Session.SessionGoals = append(wm.Session.SessionGoals, goal.Description)
	}
}

func (m *WorkingMemoryManager) snapshot(wm *WorkingMemoryContext) {
	clone := *wm
	clone.History = append([]ConversationTurn(nil), wm.History...)
	clone.Goals = append([]Goal(nil), wm.Goals...)
	clone.Window.Entries = append([]WindowEntry(nil), wm.Window.Entries...)
	clone.Profile.Preferences = append([]string(nil), wm.Profile.Preferences...)
	clone.Profile.Interests = append([]string(nil), wm.Profile.Interests...)
	clone.Profile.Expertise = append([]string(nil), wm.Profile.Expertise...)
	clone.Session.SessionGoals = append([]string(nil), wm.Session.SessionGoals...)
	m.cache.SetWithTTL(sessionKey(wm.UserID, wm.SessionID), &clone, 1, m.config.CacheTTL)
	m.cache.Wait()
}

func (m *WorkingMemoryManager) cached(userID, sessionID string) *WorkingMemoryContext {
	value, found := m.cache.Get(sessionKey(userID, sessionID))
	if !found {
		return nil
	}
	wm, ok := value.(*WorkingMemoryContext)
	if !ok {
		return nil
	}
	return wm
}

/*
NextState advances the conversation state machine. Transitions are driven
by the turn's classified intent and tool usage, never by timers.
*/
func NextState(current ConversationState, intent string, toolsUsed int) ConversationState {
	if intent == "error" {
		return StateErrorRecovery
	}

	switch current {
	case StateGreeting:
		if intent == "plan" {
			return StatePlanning
		}
		return StateActive
	case StateActive:
		if intent == "plan" {
			return StatePlanning
		}
		if toolsUsed > 0 {
			return StateWaiting
		}
		return StateActive
	case StatePlanning:
		if toolsUsed > 0 {
			return StateWaiting
		}
		return StateActive
	case StateWaiting:
		return StateActive
	case StateErrorRecovery:
		return StateActive
	}

	return StateActive
}

// ClassifyIntent labels a turn with a coarse intent used by the state
// machine: greeting, question, plan, command, error or statement.
func ClassifyIntent(text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))

	switch {
	case lowered == "":
		return "statement"
	case strings.HasPrefix(lowered, "hi") || strings.HasPrefix(lowered, "hello") ||
		strings.HasPrefix(lowered, "hey") || strings.HasPrefix(lowered, "good morning"):
		return "greeting"
	case strings.Contains(lowered, "error") || strings.Contains(lowered, "failed") ||
		strings.Contains(lowered, "broken") || strings.Contains(lowered, "not working"):
		return "error"
	case isMultiStep(lowered):
		return "plan"
	case strings.HasSuffix(lowered, "?") || strings.HasPrefix(lowered, "what") ||
		strings.HasPrefix(lowered, "how") || strings.HasPrefix(lowered, "why") ||
		strings.HasPrefix(lowered, "when") || strings.HasPrefix(lowered, "where"):
		return "question"
	case startsWithImperative(lowered):
		return "command"
	}

	return "statement"
}

func isMultiStep(lowered string) bool {
	markers := []string{"first", "then", "after that", "finally", "step "}
	hits := 0
	for _, marker := range markers {
		if strings.Contains(lowered, marker) {
			hits++
		}
	}
	return hits >= 2 || strings.Contains(lowered, "plan ")
}

var imperativeVerbs = []string{
	"add", "book", "build", "create", "delete", "find", "help", "make",
	"plan", "remind", "schedule", "search", "set", "show", "write",
}

func startsWithImperative(lowered string) bool {
	for _, verb := range imperativeVerbs {
		if strings.HasPrefix(lowered, verb+" ") {
			return true
		}
	}
	return false
}

var goalMarkers = []string{
	"i want to ", "i need to ", "i'd like to ", "my goal is to ",
	"help me ", "remind me to ",
}

var preferenceMarkers = []string{
	"i prefer ", "i like ", "i love ", "i enjoy ",
}

var expertiseMarkers = []string{
	"i work with ", "i know ", "i use ", "i am good at ", "i'm good at ",
}

// goalFromText pulls an objective phrase out of a turn, or returns "".
func goalFromText(text string) string {
	return markedPhrase(text, goalMarkers)
}

// markedPhrase returns the phrase following the first matching marker, cut
// at the end of its sentence, or "".
func markedPhrase(text string, markers []string) string {
	lowered := strings.ToLower(text)
	for _, marker := range markers {
		if idx := strings.Index(lowered, marker); idx >= 0 {
			phrase := strings.TrimSpace(text[idx+len(marker):])
			if end := strings.IndexAny(phrase, ".!?\n"); end > 0 {
				phrase = phrase[:end]
			}
			if len(phrase) >= 3 {
				return phrase
			}
		}
	}
	return ""
}

/*
topicOf picks the dominant keyword across the history: the most frequent
one, with ties broken by the most recent mention and then alphabetically
so repeated derivations agree.
*/
func topicOf(history []ConversationTurn) string {
	counts := map[string]int{}
	last := map[string]int{}

	for i, turn := range history {
		for _, keyword := range ExtractKeywords(turn.Content) {
			counts[keyword]++
			last[keyword] = i
		}
	}

	topic := ""
	for keyword, count := range counts {
		switch {
		case topic == "", count > counts[topic]:
			topic = keyword
		case count == counts[topic] &&
			(last[keyword] > last[topic] ||
				(last[keyword] == last[topic] && keyword < topic)):
			topic = keyword
		}
	}
	return topic
}

/*
buildProfile infers the user profile from their own turns: stated
preferences and expertise, recurring interests, and how they phrase and
size their messages. Assistant turns are ignored.
*/
func buildProfile(history []ConversationTurn) UserProfile {
	profile := UserProfile{}
	counts := map[string]int{}
	var order []string

	questions, commands, statements, chars, turns := 0, 0, 0, 0, 0
	casual := false

	for _, turn := range history {
		if turn.Role == "assistant" {
			continue
		}
		turns++
		chars += len(turn.Content)

		intent := turn.Intent
		if intent == "" {
			intent = ClassifyIntent(turn.Content)
		}
		switch intent {
		case "question":
			questions++
		case "command", "plan":
			commands++
		default:
			statements++
		}

		if strings.ContainsRune(turn.Content, '\'') {
			casual = true
		}

		if pref := markedPhrase(turn.Content, preferenceMarkers); pref != "" {
			profile.Preferences = appendUniqueFold(profile.Preferences, pref)
		}
		if skill := markedPhrase(turn.Content, expertiseMarkers); skill != "" {
			profile.Expertise = appendUniqueFold(profile.Expertise, skill)
		}

		for _, keyword := range ExtractKeywords(turn.Content) {
			if counts[keyword] == 0 {
				order = append(order, keyword)
			}
			counts[keyword]++
		}
	}

	if turns == 0 {
		return profile
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > 5 {
		order = order[:5]
	}
	profile.Interests = order

	switch average := chars / turns; {
	case average < 60:
		profile.ResponseLength = "short"
	case average < 240:
		profile.ResponseLength = "medium"
	default:
		profile.ResponseLength = "long"
	}

	if commands+questions > statements {
		profile.CommunicationStyle = "direct"
	} else {
		profile.CommunicationStyle = "conversational"
	}

	if casual {
		profile.Formality = "casual"
	} else {
		profile.Formality = "neutral"
	}

	switch {
	case questions > commands && questions > statements:
		profile.Personality = "inquisitive"
	case commands > questions && commands > statements:
		profile.Personality = "goal-oriented"
	default:
		profile.Personality = "reflective"
	}

	return profile
}

func appendUniqueFold(list []string, item string) []string {
	for _, existing := range list {
		if strings.EqualFold(existing, item) {
			return list
		}
	}
	return append(list, item)
}

// averageGap is the mean time between consecutive turns.
func averageGap(history []ConversationTurn) time.Duration {
	if len(history) < 2 {
		return 0
	}
	span := history[len(history)-1].Timestamp.Sub(history[0].Timestamp)
	if span < 0 {
		return 0
	}
	return span / time.Duration(len(history)-1)
}
