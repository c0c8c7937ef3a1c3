package store

import (
	"fmt"
	"testing"
	"time"

	"chorus/internal/types"
)

func TestEnrichCapsRecentMessages(t *testing.T) {
	session := types.NewSessionState("sess-1", types.ChannelChat)
	for i := 1; i <= 10; i++ {
		session.Messages = append(session.Messages, types.MessageSummary{
			Role: "user", Summary: fmt.Sprintf("message %d", i), TurnNumber: i,
		})
	}
	session.TurnNumber = 10

	enriched := Enrich(types.Turn{SessionID: "sess-1", UserID: "u"}, session, types.NewUserContext("u"), 3)

	if len(enriched.RecentMessages) != 3 {
		t.Fatalf("expected 3 recent messages, got %d", len(enriched.RecentMessages))
	}
	// Newest messages, oldest first within the window.
	if enriched.RecentMessages[0].TurnNumber != 8 || enriched.RecentMessages[2].TurnNumber != 10 {
		t.Errorf("wrong window: %+v", enriched.RecentMessages)
	}
	if enriched.TurnNumber != 10 {
		t.Errorf("turn number = %d, want 10", enriched.TurnNumber)
	}
}

func TestEnrichRanksRelevantHistory(t *testing.T) {
	user := types.NewUserContext("u")
	user.History = []types.HistoryEntry{
		{SessionID: "s1", TurnNumber: 1, Summary: "talked about the weather", At: time.Unix(100, 0)},
		{SessionID: "s2", TurnNumber: 1, Summary: "order 4711 shipped late", At: time.Unix(200, 0)},
		{SessionID: "s3", TurnNumber: 1, Summary: "asked about order refunds", At: time.Unix(300, 0)},
	}

	turn := types.Turn{SessionID: "now", UserID: "u", Text: "what happened to my order 4711?"}
	enriched := Enrich(turn, types.SessionState{}, user, 2)

	if len(enriched.RelevantPast) != 2 {
		t.Fatalf("expected topK=2 entries, got %d", len(enriched.RelevantPast))
	}
	// "order 4711 shipped late" shares two tokens with the turn, the refund
	// entry one, the weather entry none.
	if enriched.RelevantPast[0].SessionID != "s2" {
		t.Errorf("best match = %s, want s2", enriched.RelevantPast[0].SessionID)
	}
	if enriched.RelevantPast[1].SessionID != "s3" {
		t.Errorf("second match = %s, want s3", enriched.RelevantPast[1].SessionID)
	}
}

func TestEnrichIsBoundedAndPure(t *testing.T) {
	user := types.NewUserContext("u")
	for i := 0; i < 50; i++ {
		user.Artifacts = append(user.Artifacts, fmt.Sprintf("artifact-%02d", i))
	}

	enriched := Enrich(types.Turn{SessionID: "s", UserID: "u"}, types.SessionState{}, user, 4)
	if len(enriched.Artifacts) != 4 {
		t.Errorf("expected 4 artifacts, got %d", len(enriched.Artifacts))
	}
	// Most recent artifacts survive.
	if enriched.Artifacts[3] != "artifact-49" {
		t.Errorf("expected newest artifact last, got %v", enriched.Artifacts)
	}

	if len(user.Artifacts) != 50 {
		t.Error("Enrich mutated its input")
	}
}

func TestEnrichPropagatesDegradedSession(t *testing.T) {
	session := types.SessionState{SessionID: "s", Degraded: true}
	enriched := Enrich(types.Turn{SessionID: "s", UserID: "u"}, session, types.NewUserContext("u"), 5)
	if !enriched.Degraded {
		t.Error("degraded mark should propagate into enriched context")
	}
}
