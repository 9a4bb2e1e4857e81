package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/theapemachine/mnemo/pkg/errors"
)

func newTestManager(t *testing.T, episodic EpisodicStore, config WorkingMemoryConfig) *WorkingMemoryManager {
	t.Helper()

	manager, err := NewWorkingMemoryManager(episodic, config)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager
}

func TestStateMachineTransitions(t *testing.T) {
	cases := []struct {
		name      string
		current   ConversationState
		intent    string
		toolsUsed int
		want      ConversationState
	}{
		{"greeting to active", StateGreeting, "greeting", 0, StateActive},
		{"active stays active", StateActive, "statement", 0, StateActive},
		{"active to planning", StateActive, "plan", 0, StatePlanning},
		{"active to waiting on tool use", StateActive, "command", 2, StateWaiting},
		{"planning to waiting", StatePlanning, "command", 1, StateWaiting},
		{"planning back to active", StatePlanning, "statement", 0, StateActive},
		{"waiting resolves to active", StateWaiting, "statement", 0, StateActive},
		{"any state to error recovery", StatePlanning, "error", 0, StateErrorRecovery},
		{"recovery back to active", StateErrorRecovery, "statement", 0, StateActive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextState(tc.current, tc.intent, tc.toolsUsed); got != tc.want {
				t.Fatalf("NextState(%s, %s, %d) = %s, want %s",
					tc.current, tc.intent, tc.toolsUsed, got, tc.want)
			}
		})
	}
}

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Hello there!", "greeting"},
		{"What time is it?", "question"},
		{"Remind me to call mom", "command"},
		{"First we gather data, then we train the model", "plan"},
		{"The deploy failed with an error", "error"},
		{"I went hiking yesterday", "statement"},
	}

	for _, tc := range cases {
		if got := ClassifyIntent(tc.text); got != tc.want {
			t.Fatalf("ClassifyIntent(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestCompressionNeverExceedsBudget(t *testing.T) {
	config := DefaultWorkingMemoryConfig()
	config.MaxTokens = 60
	config.CompressionRatio = 0.25

	manager := newTestManager(t, NewMockEpisodicStore(), config)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		wm, err := manager.RecordTurn(ctx, "u1", "s1", ConversationTurn{
			Role:    "user",
			Content: strings.Repeat("long conversation turn ", 5),
		})
		if err != nil {
			t.Fatalf("record turn: %v", err)
		}

		if wm.Window.CurrentTokens > config.MaxTokens {
			t.Fatalf("window holds %d tokens, budget is %d",
				wm.Window.CurrentTokens, config.MaxTokens)
		}
	}
}

func TestGoalCapEvictsLowestPriority(t *testing.T) {
	config := DefaultWorkingMemoryConfig()
	config.MaxActiveGoals = 2

	manager := newTestManager(t, NewMockEpisodicStore(), config)
	ctx := context.Background()

	if _, err := manager.RecordTurn(ctx, "u1", "s1", ConversationTurn{
		Role: "user", Content: "hello",
	}); err != nil {
		t.Fatalf("record turn: %v", err)
	}

	low, err := manager.AddGoal("u1", "s1", Goal{Description: "organize photos", Priority: 0.1})
	if err != nil {
		t.Fatalf("add goal: %v", err)
	}
	if _, err := manager.AddGoal("u1", "s1", Goal{Description: "learn go", Priority: 0.8}); err != nil {
		t.Fatalf("add goal: %v", err)
	}
	if _, err := manager.AddGoal("u1", "s1", Goal{Description: "ship the release", Priority: 0.9}); err != nil {
		t.Fatalf("add goal: %v", err)
	}

	wm, err := manager.Context(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("context: %v", err)
	}

	active := wm.ActiveGoals()
	if len(active) != 2 {
		t.Fatalf("expected 2 active goals, got %d", len(active))
	}

	var evicted *Goal
	for i := range wm.Goals {
		if wm.Goals[i].ID == low.ID {
			evicted = &wm.Goals[i]
		}
	}
	if evicted == nil || evicted.Status != GoalCancelled {
		t.Fatalf("lowest-priority goal should be cancelled, got %+v", evicted)
	}
}

func TestTerminalGoalsNeverRegress(t *testing.T) {
	manager := newTestManager(t, NewMockEpisodicStore(), DefaultWorkingMemoryConfig())
	ctx := context.Background()

	if _, err := manager.RecordTurn(ctx, "u1", "s1", ConversationTurn{
		Role: "user", Content: "hello",
	}); err != nil {
		t.Fatalf("record turn: %v", err)
	}

	goal, err := manager.AddGoal("u1", "s1", Goal{Description: "finish the report", Priority: 0.5})
	if err != nil {
		t.Fatalf("add goal: %v", err)
	}

	if _, err := manager.UpdateGoalStatus("u1", "s1", goal.ID, GoalInProgress); err != nil {
		t.Fatalf("start goal: %v", err)
	}
	if _, err := manager.UpdateGoalStatus("u1", "s1", goal.ID, GoalCompleted); err != nil {
		t.Fatalf("complete goal: %v", err)
	}

	_, err = manager.UpdateGoalStatus("u1", "s1", goal.ID, GoalInProgress)
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error reopening a completed goal, got %v", err)
	}
}

func TestGoalLifecycleTransitions(t *testing.T) {
	manager := newTestManager(t, NewMockEpisodicStore(), DefaultWorkingMemoryConfig())
	ctx := context.Background()

	if _, err := manager.RecordTurn(ctx, "u1", "s1", ConversationTurn{
		Role: "user", Content: "hello",
	}); err != nil {
		t.Fatalf("record turn: %v", err)
	}

	goal, err := manager.AddGoal("u1", "s1", Goal{Description: "write the migration", Priority: 0.5})
	if err != nil {
		t.Fatalf("add goal: %v", err)
	}
	if goal.Status != GoalPending {
		t.Fatalf("new goals must start pending, got %s", goal.Status)
	}

	if _, err := manager.UpdateGoalStatus("u1", "s1", goal.ID, GoalCompleted); !errors.IsValidation(err) {
		t.Fatalf("completing an unstarted goal must fail, got %v", err)
	}
	if _, err := manager.UpdateGoalStatus("u1", "s1", goal.ID, GoalStatus("parked")); !errors.IsValidation(err) {
		t.Fatalf("an unknown status must be rejected, got %v", err)
	}

	started, err := manager.UpdateGoalStatus("u1", "s1", goal.ID, GoalInProgress)
	if err != nil {
		t.Fatalf("start goal: %v", err)
	}
	if started.Status != GoalInProgress {
		t.Fatalf("expected in_progress, got %s", started.Status)
	}

	if _, err := manager.UpdateGoalStatus("u1", "s1", goal.ID, GoalPending); !errors.IsValidation(err) {
		t.Fatalf("a started goal must not move back to pending, got %v", err)
	}

	done, err := manager.UpdateGoalStatus("u1", "s1", goal.ID, GoalCompleted)
	if err != nil {
		t.Fatalf("complete goal: %v", err)
	}
	if done.Status != GoalCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
}

func TestGoalExtractionFromTurns(t *testing.T) {
	manager := newTestManager(t, NewMockEpisodicStore(), DefaultWorkingMemoryConfig())
	ctx := context.Background()

	wm, err := manager.RecordTurn(ctx, "u1", "s1", ConversationTurn{
		Role:    "user",
		Content: "I want to learn Spanish before the summer. Any tips?",
	})
	if err != nil {
		t.Fatalf("record turn: %v", err)
	}

	if len(wm.Goals) != 1 {
		t.Fatalf("expected one extracted goal, got %d", len(wm.Goals))
	}
	if wm.Goals[0].Description != "learn Spanish before the summer" {
		t.Fatalf("unexpected goal description %q", wm.Goals[0].Description)
	}
}

func TestDerivedTopicProfileAndSessionStats(t *testing.T) {
	manager := newTestManager(t, NewMockEpisodicStore(), DefaultWorkingMemoryConfig())
	ctx := context.Background()

	wm, err := manager.RecordTurn(ctx, "u1", "s1", ConversationTurn{
		Role: "user", Content: "I like chess",
	})
	if err != nil {
		t.Fatalf("record turn: %v", err)
	}
	if wm.CurrentTopic != "chess" {
		t.Fatalf("expected topic chess, got %q", wm.CurrentTopic)
	}
	if len(wm.Profile.Preferences) != 1 || wm.Profile.Preferences[0] != "chess" {
		t.Fatalf("expected the stated preference captured, got %v", wm.Profile.Preferences)
	}
	if wm.Profile.ResponseLength == "" || wm.Profile.CommunicationStyle == "" {
		t.Fatalf("expected a populated profile, got %+v", wm.Profile)
	}
	if wm.LastInteraction.IsZero() {
		t.Fatal("lastInteraction must track the newest turn")
	}
	if wm.Window.CompressionRatio != DefaultWorkingMemoryConfig().CompressionRatio {
		t.Fatalf("window must carry the compression ratio, got %v", wm.Window.CompressionRatio)
	}
	if wm.Window.EndTime.IsZero() {
		t.Fatal("window must track its time span")
	}

	turns := []string{
		"chess openings are fun",
		"Time to cook pasta",
		"Which pasta sauce works best",
	}
	for _, content := range turns {
		if wm, err = manager.RecordTurn(ctx, "u1", "s1", ConversationTurn{
			Role: "user", Content: content,
		}); err != nil {
			t.Fatalf("record turn: %v", err)
		}
	}

	if wm.CurrentTopic != "pasta" {
		t.Fatalf("expected the topic to follow the conversation, got %q", wm.CurrentTopic)
	}
	if wm.Session.ContextSwitches != 1 {
		t.Fatalf("expected one context switch, got %d", wm.Session.ContextSwitches)
	}
	if wm.Session.AverageResponseTime < 0 {
		t.Fatalf("averageResponseTime must not be negative, got %v", wm.Session.AverageResponseTime)
	}

	raw, err := json.Marshal(wm)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	for _, key := range []string{"currentTopic", "userProfile", "lastInteraction"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("snapshot JSON is missing %q, keys: %v", key, fields)
		}
	}
}

func TestStaleFallbackWhenStoreUnavailable(t *testing.T) {
	store := NewMockEpisodicStore()
	manager := newTestManager(t, store, DefaultWorkingMemoryConfig())
	ctx := context.Background()

	storeEpisode(t, store, "u1", "s1", "remember this", 0.5)

	fresh, err := manager.Context(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if fresh.Stale {
		t.Fatal("fresh context must not be stale")
	}

	store.FailWith = errors.NewConnection("neo4j", nil)

	cached, err := manager.Context(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if !cached.Stale {
		t.Fatal("fallback context must be flagged stale")
	}
	if len(cached.History) != 1 {
		t.Fatalf("expected cached history, got %d turns", len(cached.History))
	}
}

func TestContextWithoutCacheSurfacesError(t *testing.T) {
	store := NewMockEpisodicStore()
	store.FailWith = errors.NewConnection("neo4j", nil)
	manager := newTestManager(t, store, DefaultWorkingMemoryConfig())

	_, err := manager.Context(context.Background(), "u1", "s1")
	if !errors.IsRetryable(err) {
		t.Fatalf("expected the connection error to surface, got %v", err)
	}
}
