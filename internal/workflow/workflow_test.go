package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/nbarger/crest/internal/post"
)

func testPosts() []post.Post {
	return []post.Post{
		{ID: "p1", Text: "one", URL: "https://x.com/a/1", Views: 100},
		{ID: "p2", Text: "two", URL: "https://x.com/a/2", Views: 200},
	}
}

// completedSession walks a session through every stage.
func completedSession(t *testing.T) *Workflow {
	t.Helper()
	w := NewSession("demo", []Search{{Name: "s", SourceType: "search", SourceValue: "golang"}})
	if err := w.CompleteScrape(testPosts(), 10, 20); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if err := w.CompleteAnalysis("trend summary"); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if err := w.Select([]string{"p1"}, "make it punchy"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := w.CompleteGeneration([]Sample{{ID: "s1", Text: "draft one"}, {ID: "s2", Text: "draft two"}}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := w.Choose("s2"); err != nil {
		t.Fatalf("choose: %v", err)
	}
	return w
}

func TestSessionFullLifecycle(t *testing.T) {
	w := completedSession(t)
	if w.Stage != StageCompleted {
		t.Fatalf("stage = %q, want completed", w.Stage)
	}
	if w.ChosenID != "s2" || w.FinalOutput != "draft two" {
		t.Errorf("chosen = %q, final = %q", w.ChosenID, w.FinalOutput)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	tests := []struct {
		name string
		run  func(w *Workflow) error
	}{
		{"analyze before scrape", func(w *Workflow) error { return w.CompleteAnalysis("x") }},
		{"select before scrape", func(w *Workflow) error {
			w.Posts = testPosts()
			return w.Select([]string{"p1"}, "go")
		}},
		{"generate before select", func(w *Workflow) error {
			if err := w.CompleteScrape(testPosts(), 0, 0); err != nil {
				return err
			}
			return w.CompleteGeneration([]Sample{{ID: "s1", Text: "x"}})
		}},
		{"choose before generate", func(w *Workflow) error {
			if err := w.CompleteScrape(testPosts(), 0, 0); err != nil {
				return err
			}
			w.Samples = []Sample{{ID: "s1", Text: "x"}}
			return w.Choose("s1")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(NewSession("demo", nil))
			var terr *TransitionError
			if !errors.As(err, &terr) {
				t.Fatalf("got %v, want TransitionError", err)
			}
		})
	}
}

func TestLeaderboardSkipsAnalysis(t *testing.T) {
	w := NewLeaderboard("top", nil, 24)
	if err := w.CompleteScrape(testPosts(), 0, 0); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if err := w.CompleteAnalysis("x"); err == nil {
		t.Error("leaderboard accepted an analysis stage")
	}
	if err := w.Select([]string{"p1"}, "go"); err != nil {
		t.Errorf("select directly after scrape: %v", err)
	}
}

func TestRescrapeClearsDownstream(t *testing.T) {
	w := completedSession(t)
	if err := w.CompleteScrape(testPosts()[:1], 3, 4); err != nil {
		t.Fatalf("re-scrape: %v", err)
	}
	if w.Stage != StageScraped {
		t.Errorf("stage = %q, want scraped", w.Stage)
	}
	if w.Analysis != "" || w.SelectedIDs != nil || w.Prompt != "" || w.Samples != nil || w.ChosenID != "" || w.FinalOutput != "" {
		t.Errorf("downstream state survived a re-scrape: %+v", w)
	}
	if len(w.Posts) != 1 || w.InputTokens != 3 || w.OutputTokens != 4 {
		t.Errorf("new scrape results not recorded")
	}
}

func TestSelectValidation(t *testing.T) {
	base := func() *Workflow {
		w := NewSession("demo", nil)
		if err := w.CompleteScrape(testPosts(), 0, 0); err != nil {
			t.Fatalf("scrape: %v", err)
		}
		return w
	}

	if err := base().Select(nil, "go"); err == nil {
		t.Error("empty selection accepted")
	}
	if err := base().Select([]string{"p1"}, "  "); err == nil {
		t.Error("blank instructions accepted")
	}
	w := base()
	if err := w.Select([]string{"p1", "nope"}, "go"); err == nil {
		t.Error("unknown post id accepted")
	}
	// A rejected select leaves the stage untouched.
	if w.Stage != StageScraped {
		t.Errorf("stage moved to %q on rejected select", w.Stage)
	}
}

func TestRegenerationReplacesSamples(t *testing.T) {
	w := completedSession(t)
	if err := w.Rewind(StageSelected); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if err := w.CompleteGeneration([]Sample{{ID: "s9", Text: "fresh"}}); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(w.Samples) != 1 || w.Samples[0].ID != "s9" {
		t.Errorf("samples = %+v, want just s9", w.Samples)
	}
	if w.ChosenID != "" || w.FinalOutput != "" {
		t.Error("stale choice survived regeneration")
	}
}

func TestRewindCompletedToScraped(t *testing.T) {
	w := completedSession(t)
	if err := w.Rewind(StageScraped); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if w.Stage != StageScraped {
		t.Errorf("stage = %q, want scraped", w.Stage)
	}
	if len(w.SelectedIDs) != 0 || len(w.Samples) != 0 || w.ChosenID != "" || w.Analysis != "" {
		t.Errorf("rewind left downstream state: ids=%v samples=%v chosen=%q analysis=%q",
			w.SelectedIDs, w.Samples, w.ChosenID, w.Analysis)
	}
	if len(w.Posts) != 2 {
		t.Errorf("rewind to scraped should keep posts, got %d", len(w.Posts))
	}
	if w.Prompt != "" {
		t.Error("instructions should not outlive the selection they described")
	}
}

func TestRewindRejectsForwardAndUnknown(t *testing.T) {
	w := NewSession("demo", nil)
	if err := w.CompleteScrape(testPosts(), 0, 0); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if err := w.Rewind(StageGenerated); err == nil {
		t.Error("forward rewind accepted")
	}
	if err := w.Rewind(StageScraped); err == nil {
		t.Error("rewind to current stage accepted")
	}
	if err := w.Rewind(Stage("bogus")); err == nil {
		t.Error("unknown stage accepted")
	}

	lb := NewLeaderboard("top", nil, 24)
	if err := lb.Rewind(StageAnalyzed); err == nil {
		t.Error("leaderboard rewind to analyzed accepted")
	}
}

func TestEditFinalOnlyWhenCompleted(t *testing.T) {
	w := completedSession(t)
	if err := w.EditFinal("polished"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if w.FinalOutput != "polished" || w.Stage != StageCompleted {
		t.Errorf("final = %q stage = %q", w.FinalOutput, w.Stage)
	}

	if err := NewSession("demo", nil).EditFinal("x"); err == nil {
		t.Error("edit accepted before completion")
	}
}

func TestNextAction(t *testing.T) {
	w := NewSession("demo", nil)
	if a, ok := w.NextAction(); !ok || a != ActionScrape {
		t.Errorf("created next = %q %v, want scrape", a, ok)
	}

	w = completedSession(t)
	if _, ok := w.NextAction(); ok {
		t.Error("completed workflow reported a next action")
	}
	if err := w.Rewind(StageSelected); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if a, ok := w.NextAction(); !ok || a != ActionGenerate {
		t.Errorf("selected next = %q %v, want generate", a, ok)
	}

	lb := NewLeaderboard("top", nil, 24)
	if err := lb.CompleteScrape(testPosts(), 0, 0); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if a, ok := lb.NextAction(); !ok || a != ActionSelect {
		t.Errorf("leaderboard scraped next = %q %v, want select", a, ok)
	}
}

func TestSelectedPostsOrder(t *testing.T) {
	w := NewSession("demo", nil)
	if err := w.CompleteScrape(testPosts(), 0, 0); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if err := w.Select([]string{"p2", "p1"}, "go"); err != nil {
		t.Fatalf("select: %v", err)
	}
	got := w.SelectedPosts()
	if len(got) != 2 || got[0].ID != "p2" || got[1].ID != "p1" {
		t.Errorf("selection order not preserved: %+v", got)
	}
}

func TestLeaderboardDue(t *testing.T) {
	now := time.Now()
	lb := NewLeaderboard("top", nil, 6)
	if !lb.Due(now) {
		t.Error("never-run leaderboard should be due")
	}
	lb.LastRunAt = now.Add(-5 * time.Hour)
	if lb.Due(now) {
		t.Error("leaderboard due before its interval elapsed")
	}
	lb.LastRunAt = now.Add(-7 * time.Hour)
	if !lb.Due(now) {
		t.Error("leaderboard not due after its interval elapsed")
	}
	if NewSession("demo", nil).Due(now) {
		t.Error("sessions are never due")
	}
}
