package coord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nbarger/crest/internal/brain"
	"github.com/nbarger/crest/internal/config"
	"github.com/nbarger/crest/internal/guard"
	"github.com/nbarger/crest/internal/store"
	"github.com/nbarger/crest/internal/workflow"
)

// fakeBackend scripts provider responses per prompt substring.
type fakeBackend struct {
	name    string
	calls   int
	respond func(req brain.Request) (brain.Response, error)
}

func (f *fakeBackend) Name() string    { return f.name }
func (f *fakeBackend) Available() bool { return true }
func (f *fakeBackend) Generate(_ context.Context, req brain.Request) (brain.Response, error) {
	f.calls++
	return f.respond(req)
}

const scrapeBody = `[
	{"id": "p1", "text": "first", "url": "https://x.com/a/1", "views": 5000, "likes": 10},
	{"id": "p2", "text": "second", "url": "https://x.com/a/2", "views": 3000, "likes": 5}
]`

func searchBackend(body string) *fakeBackend {
	return &fakeBackend{
		name: "grok",
		respond: func(req brain.Request) (brain.Response, error) {
			return brain.Response{
				Content: body,
				Usage:   brain.Usage{InputTokens: 10, OutputTokens: 20},
			}, nil
		},
	}
}

func writerBackend(body string) *brain.ProviderManager {
	pm := brain.NewProviderManager()
	pm.AddProvider(&fakeBackend{
		name: "claude",
		respond: func(req brain.Request) (brain.Response, error) {
			return brain.Response{
				Content: body,
				Usage:   brain.Usage{InputTokens: 3, OutputTokens: 4},
			}, nil
		},
	})
	return pm
}

func testCoordinator(t *testing.T, searcher brain.Provider, writer *brain.ProviderManager) (*Coordinator, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	cfg.Scrape.QueryTimeoutSec = 5
	if writer == nil {
		writer = writerBackend(`["draft one", "draft two", "draft three"]`)
	}
	return New(s, guard.New(s, time.Hour), searcher, writer, cfg), s
}

func testSearches() []workflow.Search {
	return []workflow.Search{
		{Name: "go", SourceType: "search", SourceValue: "golang", Window: "24h"},
	}
}

func TestRunScrapeSession(t *testing.T) {
	c, s := testCoordinator(t, searchBackend(scrapeBody), nil)
	w, err := c.CreateSession("demo", testSearches())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.RunScrape(context.Background(), w.ID); err != nil {
		t.Fatalf("scrape: %v", err)
	}

	got, err := s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != workflow.StageScraped {
		t.Errorf("stage = %q, want scraped", got.Stage)
	}
	if len(got.Posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(got.Posts))
	}
	// Merged collections come back ranked by engagement.
	if got.Posts[0].ID != "p1" || got.Posts[0].Rank != 1 {
		t.Errorf("top post = %q rank %d", got.Posts[0].ID, got.Posts[0].Rank)
	}
	if got.InputTokens != 10 || got.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d, want 10/20", got.InputTokens, got.OutputTokens)
	}
	if got.IsScrapingNow {
		t.Error("scraping flag still set after completion")
	}

	urls, err := s.SeenURLs()
	if err != nil || len(urls) != 2 {
		t.Errorf("seen urls = %v (%v), want 2", urls, err)
	}
}

// The seen-set is global: a URL emitted by one session is never re-emitted
// by another, even on that session's first scrape.
func TestSeenSetSharedAcrossSessions(t *testing.T) {
	c, s := testCoordinator(t, searchBackend(scrapeBody), nil)
	a, err := c.CreateSession("first", testSearches())
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := c.CreateSession("second", testSearches())
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	ctx := context.Background()
	if err := c.RunScrape(ctx, a.ID); err != nil {
		t.Fatalf("scrape a: %v", err)
	}
	if err := c.RunScrape(ctx, b.ID); err != nil {
		t.Fatalf("scrape b: %v", err)
	}

	gotA, err := s.GetWorkflow(a.ID)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	gotB, err := s.GetWorkflow(b.ID)
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if len(gotA.Posts) != 2 {
		t.Errorf("first session got %d posts, want 2", len(gotA.Posts))
	}
	if len(gotB.Posts) != 0 {
		t.Errorf("second session re-emitted %d already-seen posts, want 0", len(gotB.Posts))
	}
}

func TestRunScrapeSessionDedupsAcrossRuns(t *testing.T) {
	c, s := testCoordinator(t, searchBackend(scrapeBody), nil)
	w, err := c.CreateSession("demo", testSearches())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.RunScrape(context.Background(), w.ID); err != nil {
			t.Fatalf("scrape %d: %v", i+1, err)
		}
	}

	got, err := s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// The second run returns the same URLs; nothing new joins the collection.
	if len(got.Posts) != 2 {
		t.Errorf("got %d posts after re-scrape, want 2", len(got.Posts))
	}
	// Usage still accumulates across runs.
	if got.InputTokens != 20 || got.OutputTokens != 40 {
		t.Errorf("tokens = %d/%d, want 20/40", got.InputTokens, got.OutputTokens)
	}
}

func TestRunScrapeLeaderboardMergesAndRefreshes(t *testing.T) {
	updated := `[
		{"id": "p1", "text": "first", "url": "https://x.com/a/1", "views": 9000, "likes": 100},
		{"id": "p3", "text": "third", "url": "https://x.com/a/3", "views": 100}
	]`
	backend := searchBackend(scrapeBody)
	c, s := testCoordinator(t, backend, nil)
	w, err := c.CreateLeaderboard("top", testSearches(), 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.RunScrape(context.Background(), w.ID); err != nil {
		t.Fatalf("first scrape: %v", err)
	}
	backend.respond = func(req brain.Request) (brain.Response, error) {
		return brain.Response{Content: updated}, nil
	}
	if err := c.RunScrape(context.Background(), w.ID); err != nil {
		t.Fatalf("second scrape: %v", err)
	}

	got, err := s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Leaderboards skip the seen filter: p1's refreshed counts replace the
	// old ones, p3 joins, p2 survives from the first run.
	if len(got.Posts) != 3 {
		t.Fatalf("got %d posts, want 3: %+v", len(got.Posts), got.Posts)
	}
	if got.Posts[0].ID != "p1" || got.Posts[0].Views != 9000 {
		t.Errorf("top post = %q views %d, want refreshed p1", got.Posts[0].ID, got.Posts[0].Views)
	}
	if got.LastRunAt.IsZero() {
		t.Error("leaderboard LastRunAt not stamped")
	}
}

func TestRunScrapeRejectedWhileLocked(t *testing.T) {
	c, s := testCoordinator(t, searchBackend(scrapeBody), nil)
	w, err := c.CreateSession("demo", testSearches())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Another run holds the lock.
	if ok, err := s.TryAcquireLock(w.ID, time.Now()); err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}
	if err := c.RunScrape(context.Background(), w.ID); !errors.Is(err, guard.ErrScrapeInProgress) {
		t.Errorf("got %v, want ErrScrapeInProgress", err)
	}
}

func TestRunScrapeAllSearchesFail(t *testing.T) {
	backend := &fakeBackend{
		name: "grok",
		respond: func(req brain.Request) (brain.Response, error) {
			return brain.Response{}, &brain.APIError{Provider: "grok", Status: 400, Body: "bad request"}
		},
	}
	c, s := testCoordinator(t, backend, nil)
	w, err := c.CreateSession("demo", testSearches())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.RunScrape(context.Background(), w.ID); err == nil {
		t.Fatal("total failure reported success")
	}

	got, err := s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != workflow.StageCreated {
		t.Errorf("stage moved to %q on total failure", got.Stage)
	}
	if got.LastScrapeError == "" || !strings.Contains(got.LastScrapeError, "bad request") {
		t.Errorf("failure not recorded: %q", got.LastScrapeError)
	}
	if got.IsScrapingNow {
		t.Error("scraping flag still set after failure")
	}
	// The lock is released; a retry can start.
	if ok, err := s.TryAcquireLock(w.ID, time.Now()); err != nil || !ok {
		t.Errorf("lock not released: ok=%v err=%v", ok, err)
	}
}

// A total failure must be detected even when the failing searches share a
// name; otherwise the scrape "succeeds" with an empty merge and wipes
// downstream state.
func TestRunScrapeAllFailWithDuplicateNames(t *testing.T) {
	backend := &fakeBackend{
		name: "grok",
		respond: func(req brain.Request) (brain.Response, error) {
			return brain.Response{}, &brain.APIError{Provider: "grok", Status: 400, Body: "bad request"}
		},
	}
	c, s := testCoordinator(t, backend, nil)
	w, err := c.CreateSession("demo", []workflow.Search{
		{Name: "dup", SourceType: "search", SourceValue: "a", Window: "1h"},
		{Name: "dup", SourceType: "search", SourceValue: "b", Window: "1h"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.RunScrape(context.Background(), w.ID); err == nil {
		t.Fatal("total failure reported success")
	}

	got, err := s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != workflow.StageCreated {
		t.Errorf("stage moved to %q on total failure", got.Stage)
	}
}

func TestFullSessionPipeline(t *testing.T) {
	c, s := testCoordinator(t, searchBackend(scrapeBody), writerBackend(`["alpha", "beta", "gamma"]`))
	w, err := c.CreateSession("demo", testSearches())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	if err := c.RunScrape(ctx, w.ID); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if err := c.Analyze(ctx, w.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if err := c.Select(w.ID, []string{"p1"}, "make it short"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := c.Generate(ctx, w.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}

	got, err := s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != workflow.StageGenerated || len(got.Samples) != 3 {
		t.Fatalf("stage=%q samples=%d", got.Stage, len(got.Samples))
	}

	if err := c.Choose(w.ID, got.Samples[1].ID); err != nil {
		t.Fatalf("choose: %v", err)
	}
	if err := c.EditFinal(w.ID, "beta, polished"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	got, err = s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != workflow.StageCompleted || got.FinalOutput != "beta, polished" {
		t.Errorf("stage=%q final=%q", got.Stage, got.FinalOutput)
	}
}

func TestRewindRetriggersGeneration(t *testing.T) {
	writer := writerBackend(`["alpha", "beta", "gamma"]`)
	c, s := testCoordinator(t, searchBackend(scrapeBody), writer)
	w, err := c.CreateSession("demo", testSearches())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	if err := c.RunScrape(ctx, w.ID); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if err := c.Select(w.ID, []string{"p1"}, "short"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := c.Generate(ctx, w.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	got, _ := s.GetWorkflow(w.ID)
	if err := c.Choose(w.ID, got.Samples[0].ID); err != nil {
		t.Fatalf("choose: %v", err)
	}

	// Rewinding to selected re-runs generation automatically.
	if err := c.Rewind(ctx, w.ID, workflow.StageSelected); err != nil {
		t.Fatalf("rewind: %v", err)
	}

	got, err = s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != workflow.StageGenerated {
		t.Errorf("stage = %q, want generated after re-trigger", got.Stage)
	}
	if got.ChosenID != "" || got.FinalOutput != "" {
		t.Error("stale choice survived rewind")
	}
	if len(got.Samples) != 3 {
		t.Errorf("got %d samples, want 3 fresh ones", len(got.Samples))
	}
}

func TestRewindToScrapedAutoAnalyzes(t *testing.T) {
	c, s := testCoordinator(t, searchBackend(scrapeBody), nil)
	w, err := c.CreateSession("demo", testSearches())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	if err := c.RunScrape(ctx, w.ID); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if err := c.Select(w.ID, []string{"p1"}, "short"); err != nil {
		t.Fatalf("select: %v", err)
	}

	// For sessions the stage after scraped is analyzed, and analysis needs
	// no operator input, so the rewind runs it automatically.
	if err := c.Rewind(ctx, w.ID, workflow.StageScraped); err != nil {
		t.Fatalf("rewind: %v", err)
	}

	got, err := s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != workflow.StageAnalyzed {
		t.Errorf("stage = %q, want analyzed after auto analysis", got.Stage)
	}
	if len(got.SelectedIDs) != 0 {
		t.Errorf("selection survived rewind: %v", got.SelectedIDs)
	}
}

func TestGenerateFallbackSingleSample(t *testing.T) {
	c, s := testCoordinator(t, searchBackend(scrapeBody), writerBackend("just plain prose, no JSON"))
	w, err := c.CreateSession("demo", testSearches())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	if err := c.RunScrape(ctx, w.ID); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if err := c.Select(w.ID, []string{"p1"}, "short"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := c.Generate(ctx, w.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}

	got, err := s.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Samples) != 1 || got.Samples[0].Text != "just plain prose, no JSON" {
		t.Errorf("fallback samples = %+v", got.Samples)
	}
}

func TestParseSamples(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"plain array", `["a", "b", "c"]`, 3},
		{"fenced array", "```json\n[\"a\", \"b\"]\n```", 2},
		{"prose fallback", "here you go", 1},
		{"empty strings dropped", `["a", "", "  "]`, 1},
		{"empty content", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSamples(tt.content)
			if len(got) != tt.want {
				t.Errorf("got %d samples, want %d: %+v", len(got), tt.want, got)
			}
			for _, s := range got {
				if s.ID == "" {
					t.Error("sample missing id")
				}
			}
		})
	}
}

func TestRefreshDueLeaderboards(t *testing.T) {
	c, s := testCoordinator(t, searchBackend(scrapeBody), nil)
	due, err := c.CreateLeaderboard("due", testSearches(), 6)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh, err := c.CreateLeaderboard("fresh", testSearches(), 6)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh.LastRunAt = time.Now()
	if err := s.SaveWorkflow(fresh); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := c.RefreshDueLeaderboards(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	gotDue, _ := s.GetWorkflow(due.ID)
	gotFresh, _ := s.GetWorkflow(fresh.ID)
	if len(gotDue.Posts) == 0 {
		t.Error("due leaderboard not refreshed")
	}
	if len(gotFresh.Posts) != 0 {
		t.Error("fresh leaderboard refreshed early")
	}
}
