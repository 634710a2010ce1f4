// Package coord drives workflows through their stages: it owns the scrape
// lifecycle (lock, run, merge, persist), analysis, and draft generation, and
// streams progress to the TUI.
package coord

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/nbarger/crest/internal/brain"
	"github.com/nbarger/crest/internal/config"
	"github.com/nbarger/crest/internal/guard"
	"github.com/nbarger/crest/internal/logging"
	"github.com/nbarger/crest/internal/post"
	"github.com/nbarger/crest/internal/rank"
	"github.com/nbarger/crest/internal/scrape"
	"github.com/nbarger/crest/internal/store"
	"github.com/nbarger/crest/internal/ui"
	"github.com/nbarger/crest/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxPostsInPrompt bounds how many posts are inlined into an analysis or
// generation prompt.
const maxPostsInPrompt = 50

// sampleCount is how many candidate drafts a generation run asks for.
const sampleCount = 3

// Coordinator manages workflow execution.
// Uses context cancellation as the ONLY stop mechanism.
type Coordinator struct {
	store    *store.Store
	guard    *guard.Guard
	searcher brain.Provider
	writer   *brain.ProviderManager
	cfg      *config.Config
	program  *tea.Program
}

// New creates a Coordinator. searcher is the search backend; writer picks
// the generation backend per call so a missing key degrades gracefully.
func New(s *store.Store, g *guard.Guard, searcher brain.Provider, writer *brain.ProviderManager, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:    s,
		guard:    g,
		searcher: searcher,
		writer:   writer,
		cfg:      cfg,
	}
}

// SetProgram attaches the TUI program. Progress messages are dropped when no
// program is attached (headless mode, tests).
func (c *Coordinator) SetProgram(p *tea.Program) {
	c.program = p
}

func (c *Coordinator) send(msg tea.Msg) {
	if c.program != nil {
		c.program.Send(msg)
	}
}

// CreateSession persists a new curation session.
func (c *Coordinator) CreateSession(name string, searches []workflow.Search) (*workflow.Workflow, error) {
	w := workflow.NewSession(name, searches)
	if err := c.store.SaveWorkflow(w); err != nil {
		return nil, err
	}
	logging.Info("Session created", "id", w.ID, "name", name, "searches", len(searches))
	return w, nil
}

// CreateLeaderboard persists a new recurring leaderboard.
func (c *Coordinator) CreateLeaderboard(name string, searches []workflow.Search, intervalHours int) (*workflow.Workflow, error) {
	if intervalHours <= 0 {
		intervalHours = c.cfg.Leaderboard.RefreshHours
	}
	w := workflow.NewLeaderboard(name, searches, intervalHours)
	if err := c.store.SaveWorkflow(w); err != nil {
		return nil, err
	}
	logging.Info("Leaderboard created", "id", w.ID, "name", name, "interval_hours", intervalHours)
	return w, nil
}

// Workflow loads one workflow with its posts.
func (c *Coordinator) Workflow(id string) (*workflow.Workflow, error) {
	return c.store.GetWorkflow(id)
}

// RunScrape executes a full scrape for a workflow: acquire the lock, run
// every search, fold results into the collection, persist, release. Returns
// guard.ErrScrapeInProgress when another scrape holds the lock.
func (c *Coordinator) RunScrape(ctx context.Context, id string) error {
	if err := c.guard.TryStart(id); err != nil {
		return err
	}

	// Load after TryStart so the in-memory copy carries the scraping flag.
	w, err := c.store.GetWorkflow(id)
	if err != nil {
		c.guard.Finish(id, "")
		return err
	}

	sub := scrape.SubscriberFunc(func(e scrape.Event) {
		c.send(ui.ScrapeProgress{WorkflowID: id, Event: e})
	})
	orch := scrape.New(c.searcher, sub, time.Duration(c.cfg.Scrape.QueryTimeoutSec)*time.Second)

	queries := c.buildQueries(w)
	sum := orch.RunAll(ctx, queries)

	failure := joinFailures(sum.Failures)
	if len(queries) > 0 && len(sum.Failures) == len(queries) {
		// Nothing succeeded: leave the collection untouched.
		c.guard.Finish(id, failure)
		err := fmt.Errorf("all %d searches failed: %s", len(queries), failure)
		c.send(ui.ScrapeDone{WorkflowID: id, Err: err})
		return err
	}

	fresh, err := c.foldResults(w, sum.Posts, sum.Usage)
	if err != nil {
		c.guard.Finish(id, err.Error())
		c.send(ui.ScrapeDone{WorkflowID: id, Err: err})
		return err
	}

	if err := c.store.SaveWorkflow(w); err != nil {
		c.guard.Finish(id, err.Error())
		c.send(ui.ScrapeDone{WorkflowID: id, Err: err})
		return err
	}
	if err := c.guard.Finish(id, failure); err != nil {
		logging.Error("Failed to release scrape lock", "workflow", id, "error", err)
	}

	logging.Info("Scrape finished", "workflow", id, "new", fresh, "total", len(w.Posts),
		"input_tokens", w.InputTokens, "output_tokens", w.OutputTokens)
	c.send(ui.StageChanged{WorkflowID: id, Stage: w.Stage})
	c.send(ui.ScrapeDone{WorkflowID: id, NewPosts: fresh, Total: len(w.Posts)})
	return nil
}

// foldResults merges scraped posts into the workflow's collection and
// advances the stage. Sessions filter incoming posts against the global
// seen-URL history first, so no session re-emits a post any earlier run has
// already surfaced; leaderboards take every result so refreshed engagement
// counts replace stale ones.
func (c *Coordinator) foldResults(w *workflow.Workflow, scraped []post.Post, usage brain.Usage) (int, error) {
	incoming := scraped
	if w.Kind == workflow.KindSession {
		urls, err := c.store.SeenURLs()
		if err != nil {
			return 0, fmt.Errorf("load seen urls: %w", err)
		}
		incoming = rank.Dedup(scraped, rank.NewSeenSet(urls))
	}

	limit := 0
	if w.Kind == workflow.KindLeaderboard {
		limit = c.cfg.Leaderboard.Cap
	}
	merged := rank.MergeRankCap(w.Posts, incoming, limit)

	// Token usage accumulates over the workflow's lifetime.
	inTok := w.InputTokens + usage.InputTokens
	outTok := w.OutputTokens + usage.OutputTokens
	if err := w.CompleteScrape(merged, inTok, outTok); err != nil {
		return 0, err
	}

	seen := make([]string, 0, len(scraped))
	for _, p := range scraped {
		if p.URL != "" {
			seen = append(seen, p.URL)
		}
	}
	if err := c.store.AddSeenURLs(seen); err != nil {
		return 0, fmt.Errorf("record seen urls: %w", err)
	}

	if w.Kind == workflow.KindLeaderboard {
		w.LastRunAt = time.Now()
	}
	return len(incoming), nil
}

// addUsage accumulates backend token usage onto the workflow.
func addUsage(w *workflow.Workflow, u brain.Usage) {
	w.InputTokens += u.InputTokens
	w.OutputTokens += u.OutputTokens
}

// Analyze asks the generation backend for a trend summary of the scraped
// posts. Sessions only; the stage machine rejects it for leaderboards.
func (c *Coordinator) Analyze(ctx context.Context, id string) error {
	w, err := c.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	p := c.writer.GetAvailable()
	if p == nil {
		return fmt.Errorf("no generation backend available")
	}

	resp, err := p.Generate(ctx, brain.Request{
		SystemPrompt: "You are a social media analyst. Identify the themes, tone, and engagement patterns in the posts you are given. Be specific and concise.",
		UserPrompt:   analysisPrompt(w),
		MaxTokens:    2048,
	})
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if err := w.CompleteAnalysis(strings.TrimSpace(resp.Content)); err != nil {
		return err
	}
	addUsage(w, resp.Usage)
	if err := c.store.SaveWorkflow(w); err != nil {
		return err
	}

	logging.Info("Analysis complete", "workflow", id, "provider", p.Name(), "chars", len(resp.Content))
	c.send(ui.StageChanged{WorkflowID: id, Stage: w.Stage})
	return nil
}

// Select records the operator's post selection and generation instructions.
func (c *Coordinator) Select(id string, postIDs []string, instructions string) error {
	w, err := c.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := w.Select(postIDs, instructions); err != nil {
		return err
	}
	if err := c.store.SaveWorkflow(w); err != nil {
		return err
	}
	c.send(ui.StageChanged{WorkflowID: id, Stage: w.Stage})
	return nil
}

// Generate produces candidate drafts from the selected posts. A regeneration
// replaces the previous candidates.
func (c *Coordinator) Generate(ctx context.Context, id string) error {
	w, err := c.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	p := c.writer.GetAvailable()
	if p == nil {
		return fmt.Errorf("no generation backend available")
	}

	resp, err := p.Generate(ctx, brain.Request{
		SystemPrompt: fmt.Sprintf("You are a social media ghostwriter. Write %d distinct post drafts following the user's instructions. Respond with a JSON array of %d strings and nothing else.", sampleCount, sampleCount),
		UserPrompt:   generationPrompt(w),
		MaxTokens:    2048,
	})
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	samples := parseSamples(resp.Content)
	if err := w.CompleteGeneration(samples); err != nil {
		return err
	}
	addUsage(w, resp.Usage)
	if err := c.store.SaveWorkflow(w); err != nil {
		return err
	}

	logging.Info("Generation complete", "workflow", id, "provider", p.Name(), "samples", len(samples))
	c.send(ui.StageChanged{WorkflowID: id, Stage: w.Stage})
	return nil
}

// Choose marks one generated sample as the final output.
func (c *Coordinator) Choose(id, sampleID string) error {
	w, err := c.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := w.Choose(sampleID); err != nil {
		return err
	}
	if err := c.store.SaveWorkflow(w); err != nil {
		return err
	}
	c.send(ui.StageChanged{WorkflowID: id, Stage: w.Stage})
	return nil
}

// EditFinal updates the final output text of a completed workflow.
func (c *Coordinator) EditFinal(id, text string) error {
	w, err := c.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := w.EditFinal(text); err != nil {
		return err
	}
	return c.store.SaveWorkflow(w)
}

// Rewind moves a workflow back to an earlier stage and re-triggers the work
// that produces the next stage when that work needs no operator input
// (scraping, analysis, generation). Rewinds landing before a selection or
// choice stop there and wait for the operator.
func (c *Coordinator) Rewind(ctx context.Context, id string, to workflow.Stage) error {
	w, err := c.store.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := w.Rewind(to); err != nil {
		return err
	}
	if err := c.store.SaveWorkflow(w); err != nil {
		return err
	}
	logging.Info("Workflow rewound", "workflow", id, "to", to)
	c.send(ui.StageChanged{WorkflowID: id, Stage: w.Stage})

	action, ok := w.NextAction()
	if !ok {
		return nil
	}
	switch action {
	case workflow.ActionScrape:
		return c.RunScrape(ctx, id)
	case workflow.ActionAnalyze:
		return c.Analyze(ctx, id)
	case workflow.ActionGenerate:
		return c.Generate(ctx, id)
	}
	return nil
}

// maxConcurrentRefreshes limits parallel leaderboard scrapes.
const maxConcurrentRefreshes = 3

// RefreshDueLeaderboards scrapes every leaderboard whose interval has
// elapsed. Boards refresh in parallel; each holds its own scrape lock.
// Called by the scheduler.
func (c *Coordinator) RefreshDueLeaderboards(ctx context.Context) error {
	boards, err := c.store.ListWorkflows(workflow.KindLeaderboard)
	if err != nil {
		return err
	}
	now := time.Now()

	var g errgroup.Group
	g.SetLimit(maxConcurrentRefreshes)
	for _, b := range boards {
		if !b.Due(now) {
			continue
		}
		// Skip boards another run already holds; TryStart would reject them
		// anyway, this just keeps the log quiet.
		if running, err := c.guard.IsRunning(b.ID); err == nil && running {
			logging.Debug("Skipping locked leaderboard", "workflow", b.ID)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.RunScrape(ctx, b.ID); err != nil {
				logging.Error("Leaderboard refresh failed", "workflow", b.ID, "error", err)
			}
			return nil // errors reported per-board, never fail the group
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// buildQueries translates a workflow's search configs into retrieval queries,
// applying configured defaults.
func (c *Coordinator) buildQueries(w *workflow.Workflow) []scrape.Query {
	queries := make([]scrape.Query, 0, len(w.Searches))
	for _, s := range w.Searches {
		window := scrape.Window(s.Window)
		if !window.Valid() {
			window = scrape.Window24H
		}
		minViews := s.MinViews
		if minViews == 0 {
			minViews = c.cfg.Scrape.DefaultMinViews
		}
		minLikes := s.MinLikes
		if minLikes == 0 {
			minLikes = c.cfg.Scrape.DefaultMinLikes
		}
		queries = append(queries, scrape.Query{
			Name:        s.Name,
			SourceType:  s.SourceType,
			SourceValue: s.SourceValue,
			Goal:        s.Goal,
			Window:      window,
			MaxResults:  s.MaxResults,
			MinViews:    minViews,
			MinLikes:    minLikes,
		})
	}
	return queries
}

func joinFailures(failures []scrape.Failure) string {
	if len(failures) == 0 {
		return ""
	}
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Name, f.Err))
	}
	return strings.Join(parts, "; ")
}

// analysisPrompt inlines the scraped posts for the analyst.
func analysisPrompt(w *workflow.Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze these %d posts:\n\n", len(w.Posts))
	writePosts(&b, w.Posts)
	return b.String()
}

// generationPrompt combines the operator's instructions, any prior analysis,
// and the selected posts.
func generationPrompt(w *workflow.Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instructions: %s\n\n", w.Prompt)
	if w.Analysis != "" {
		fmt.Fprintf(&b, "Trend analysis:\n%s\n\n", w.Analysis)
	}
	b.WriteString("Reference posts:\n\n")
	writePosts(&b, w.SelectedPosts())
	return b.String()
}

func writePosts(b *strings.Builder, posts []post.Post) {
	for i, p := range posts {
		if i >= maxPostsInPrompt {
			fmt.Fprintf(b, "(and %d more)\n", len(posts)-i)
			break
		}
		author := p.Author
		if author == "" {
			author = p.Handle
		}
		fmt.Fprintf(b, "%d. %s (views: %d, likes: %d)\n%s\n\n", i+1, author, p.Views, p.Likes, p.Text)
	}
}

// parseSamples extracts candidate drafts from the backend response. The
// backend is asked for a JSON array of strings; anything else becomes a
// single sample so a sloppy response still yields usable output.
func parseSamples(content string) []workflow.Sample {
	text := stripFence(strings.TrimSpace(content))

	var drafts []string
	if err := json.UnmarshalFromString(text, &drafts); err == nil {
		samples := make([]workflow.Sample, 0, len(drafts))
		for _, d := range drafts {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			samples = append(samples, workflow.Sample{ID: uuid.NewString(), Text: d})
		}
		if len(samples) > 0 {
			return samples
		}
	}

	if text == "" {
		return nil
	}
	return []workflow.Sample{{ID: uuid.NewString(), Text: text}}
}

// stripFence removes a markdown code fence wrapping the payload.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
