package compiler

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"chorus/internal/types"

	"github.com/google/go-cmp/cmp"
)

func conf(v float64) *float64 { return &v }

var baseTime = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func newTestCompiler() *Compiler {
	return New(0.8, nil, "Sorry, nothing to report.")
}

func TestCompileOrdersByConfidence(t *testing.T) {
	c := newTestCompiler()

	responses := []types.WorkerResponse{
		{WorkerID: "low", Text: "tracking number is on its way", Confidence: conf(0.3), ProducedAt: baseTime},
		{WorkerID: "high", Text: "your order shipped yesterday", Confidence: conf(0.9), ProducedAt: baseTime},
		{WorkerID: "mid", Text: "delivery window is two days", Confidence: conf(0.6), ProducedAt: baseTime},
	}

	reply, conflicts := c.Compile("sess-1", responses)
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(conflicts))
	}

	want := []string{"high", "mid", "low"}
	if diff := cmp.Diff(want, reply.ContributingWorkers); diff != "" {
		t.Errorf("contributor order mismatch (-want +got):\n%s", diff)
	}
	wantText := "your order shipped yesterday\n\ndelivery window is two days\n\ntracking number is on its way"
	if reply.Text != wantText {
		t.Errorf("reply text = %q, want %q", reply.Text, wantText)
	}
}

func TestCompileDeterministicAcrossPermutations(t *testing.T) {
	c := newTestCompiler()

	responses := []types.WorkerResponse{
		{WorkerID: "alpha", Text: "account balance: 42", Confidence: conf(0.7), ProducedAt: baseTime},
		{WorkerID: "bravo", Text: "recent purchases look normal", Confidence: conf(0.7), ProducedAt: baseTime},
		{WorkerID: "charlie", Text: "no fraud alerts on file", Confidence: conf(0.5), ProducedAt: baseTime.Add(time.Second)},
		{WorkerID: "delta", Text: "card expires next month", ProducedAt: baseTime},
	}

	baseline, baseConflicts := c.Compile("sess-2", responses)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]types.WorkerResponse(nil), responses...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		reply, conflicts := c.Compile("sess-2", shuffled)
		if reply.Text != baseline.Text {
			t.Fatalf("permutation %d produced different text:\n%q\nvs\n%q", i, reply.Text, baseline.Text)
		}
		if diff := cmp.Diff(baseline.ContributingWorkers, reply.ContributingWorkers); diff != "" {
			t.Fatalf("permutation %d contributor mismatch (-base +got):\n%s", i, diff)
		}
		if len(conflicts) != len(baseConflicts) {
			t.Fatalf("permutation %d conflict count = %d, want %d", i, len(conflicts), len(baseConflicts))
		}
	}
}

func TestCompileDeduplicatesSimilarResponses(t *testing.T) {
	c := newTestCompiler()

	responses := []types.WorkerResponse{
		{WorkerID: "b", Text: "there are 3 open items in your queue", Confidence: conf(0.6), ProducedAt: baseTime},
		{WorkerID: "a", Text: "there are 3 open items in your queue today", Confidence: conf(0.9), ProducedAt: baseTime},
	}

	reply, _ := c.Compile("sess-3", responses)
	if diff := cmp.Diff([]string{"a"}, reply.ContributingWorkers); diff != "" {
		t.Errorf("expected only the higher-confidence duplicate to survive (-want +got):\n%s", diff)
	}
}

func TestCompileResolvesConflictByConfidence(t *testing.T) {
	c := newTestCompiler()

	responses := []types.WorkerResponse{
		{WorkerID: "guesser", Text: "open items: 5", Confidence: conf(0.4), ProducedAt: baseTime},
		{WorkerID: "tracker", Text: "open items: 3", Confidence: conf(0.9), ProducedAt: baseTime},
	}

	reply, conflicts := c.Compile("sess-4", responses)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	conflict := conflicts[0]
	if conflict.ClaimKey != "open_items" {
		t.Errorf("claim key = %q, want open_items", conflict.ClaimKey)
	}
	if conflict.Resolution != types.ResolutionHighestConfidence {
		t.Errorf("resolution = %q, want %q", conflict.Resolution, types.ResolutionHighestConfidence)
	}
	if conflict.ResolvedValue != "3" {
		t.Errorf("resolved value = %q, want 3", conflict.ResolvedValue)
	}
	// The losing response must not reassert its value in the reply.
	if diff := cmp.Diff([]string{"tracker"}, reply.ContributingWorkers); diff != "" {
		t.Errorf("survivors (-want +got):\n%s", diff)
	}
}

func TestCompileResolvesConflictAuthoritative(t *testing.T) {
	c := New(0.8, map[string]string{"open_items": "tracker"}, "")

	responses := []types.WorkerResponse{
		{WorkerID: "guesser", Text: "open items: 5", Confidence: conf(0.9), ProducedAt: baseTime},
		{WorkerID: "tracker", Text: "open items: 3", Confidence: conf(0.2), ProducedAt: baseTime},
	}

	reply, conflicts := c.Compile("sess-5", responses)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].Resolution != types.ResolutionAuthoritative {
		t.Errorf("resolution = %q, want %q", conflicts[0].Resolution, types.ResolutionAuthoritative)
	}
	if conflicts[0].ResolvedValue != "3" {
		t.Errorf("resolved value = %q, want the authoritative worker's 3", conflicts[0].ResolvedValue)
	}
	if diff := cmp.Diff([]string{"tracker"}, reply.ContributingWorkers); diff != "" {
		t.Errorf("survivors (-want +got):\n%s", diff)
	}
}

func TestCompileConflictTieBreaksMostRecent(t *testing.T) {
	c := newTestCompiler()

	responses := []types.WorkerResponse{
		{WorkerID: "early", Text: "eta: noon", Confidence: conf(0.7), ProducedAt: baseTime},
		{WorkerID: "late", Text: "eta: evening", Confidence: conf(0.7), ProducedAt: baseTime.Add(time.Minute)},
	}

	_, conflicts := c.Compile("sess-6", responses)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].Resolution != types.ResolutionMostRecent {
		t.Errorf("resolution = %q, want %q", conflicts[0].Resolution, types.ResolutionMostRecent)
	}
	if conflicts[0].ResolvedValue != "evening" {
		t.Errorf("resolved value = %q, want the more recent evening", conflicts[0].ResolvedValue)
	}
}

func TestCompilePopulatesSections(t *testing.T) {
	c := newTestCompiler()

	responses := []types.WorkerResponse{
		{WorkerID: "tracker", Text: "shipped monday\n\narrives friday", Confidence: conf(0.9), ProducedAt: baseTime},
		{WorkerID: "advisor", Text: "upgrade available", Confidence: conf(0.5), ProducedAt: baseTime},
	}

	reply, _ := c.Compile("sess-sections", responses)
	want := []types.ReplySection{
		{WorkerID: "tracker", Text: "shipped monday\n\narrives friday"},
		{WorkerID: "advisor", Text: "upgrade available"},
	}
	if diff := cmp.Diff(want, reply.Sections); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileDuringAuthoritativeReload(t *testing.T) {
	c := New(0.8, map[string]string{"open_items": "tracker"}, "")

	responses := []types.WorkerResponse{
		{WorkerID: "guesser", Text: "open items: 5", Confidence: conf(0.9), ProducedAt: baseTime},
		{WorkerID: "tracker", Text: "open items: 3", Confidence: conf(0.2), ProducedAt: baseTime},
	}

	// Compilations racing against table swaps must stay coherent: every
	// conflict resolves under one table or the other, never a torn read.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.SetAuthoritative(map[string]string{"open_items": fmt.Sprintf("worker-%d", i)})
			c.SetAuthoritative(map[string]string{"open_items": "tracker"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, conflicts := c.Compile("sess-reload", responses)
			if len(conflicts) != 1 {
				t.Errorf("expected 1 conflict, got %d", len(conflicts))
				return
			}
			res := conflicts[0].Resolution
			if res != types.ResolutionAuthoritative && res != types.ResolutionHighestConfidence {
				t.Errorf("unexpected resolution %q", res)
				return
			}
		}
	}()
	wg.Wait()
}

func TestCompileFallbackWhenNothingSurvives(t *testing.T) {
	c := newTestCompiler()

	responses := []types.WorkerResponse{
		{WorkerID: "a", Err: types.WorkerErrTimeout, ProducedAt: baseTime},
		{WorkerID: "b", Err: "connection refused", ProducedAt: baseTime},
		{WorkerID: "c", Text: "   ", ProducedAt: baseTime},
	}

	reply, _ := c.Compile("sess-7", responses)
	if reply.Text != "Sorry, nothing to report." {
		t.Errorf("reply text = %q, want the fallback", reply.Text)
	}
	if len(reply.ContributingWorkers) != 0 {
		t.Errorf("fallback reply should have no contributors, got %v", reply.ContributingWorkers)
	}
	if reply.SessionID != "sess-7" {
		t.Errorf("fallback reply lost session id: %q", reply.SessionID)
	}
}

func TestCompileEmptyInput(t *testing.T) {
	reply, conflicts := newTestCompiler().Compile("sess-8", nil)
	if reply.Text == "" {
		t.Error("empty input must still produce the fallback reply")
	}
	if len(conflicts) != 0 {
		t.Errorf("expected no conflicts, got %d", len(conflicts))
	}
}

func TestExtractClaims(t *testing.T) {
	claims := ExtractClaims("Open Items: 3\nsome free prose here\nstatus=shipped\nthis long sentence has a colon: ignored")
	want := map[string]string{
		"open_items": "3",
		"status":     "shipped",
	}
	if diff := cmp.Diff(want, claims); diff != "" {
		t.Errorf("claims mismatch (-want +got):\n%s", diff)
	}
}

func TestJaccardSimilarity(t *testing.T) {
	if got := JaccardSimilarity("Hello  World", "hello world"); got != 1.0 {
		t.Errorf("normalized exact match = %v, want 1.0", got)
	}
	if got := JaccardSimilarity("alpha beta", "gamma delta"); got != 0 {
		t.Errorf("disjoint texts = %v, want 0", got)
	}
	got := JaccardSimilarity("alpha beta gamma", "alpha beta delta")
	if got <= 0.4 || got >= 0.6 {
		t.Errorf("partial overlap = %v, want 0.5", got)
	}
}
