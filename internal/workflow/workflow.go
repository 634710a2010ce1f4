package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nbarger/crest/internal/post"
)

// Search configures one retrieval query owned by a workflow. Window is kept
// as its string label; the scrape layer validates it at run time.
type Search struct {
	Name        string `json:"name"`
	SourceType  string `json:"source_type"`
	SourceValue string `json:"source_value"`
	Goal        string `json:"goal,omitempty"`
	Window      string `json:"window,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
	MinViews    int    `json:"min_views,omitempty"`
	MinLikes    int    `json:"min_likes,omitempty"`
}

// Sample is one generated candidate draft.
type Sample struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Workflow is the unit of work the coordinator drives through the stage
// machine. Sessions are one-shot curation runs; leaderboards are recurring
// ranked collections refreshed on an interval.
type Workflow struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Name     string   `json:"name"`
	Searches []Search `json:"searches"`

	// Leaderboard scheduling.
	IntervalHours int       `json:"interval_hours,omitempty"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`

	Stage Stage `json:"stage"`

	Posts        []post.Post `json:"posts,omitempty"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`

	Analysis    string   `json:"analysis,omitempty"`
	SelectedIDs []string `json:"selected_ids,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Samples     []Sample `json:"samples,omitempty"`
	ChosenID    string   `json:"chosen_id,omitempty"`
	FinalOutput string   `json:"final_output,omitempty"`

	IsScrapingNow   bool      `json:"is_scraping_now"`
	ScrapeStartedAt time.Time `json:"scrape_started_at,omitempty"`
	LastScrapeError string    `json:"last_scrape_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a one-shot curation session at the created stage.
func NewSession(name string, searches []Search) *Workflow {
	now := time.Now()
	return &Workflow{
		ID:        uuid.NewString(),
		Kind:      KindSession,
		Name:      name,
		Searches:  searches,
		Stage:     StageCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewLeaderboard creates a recurring ranked collection refreshed every
// intervalHours.
func NewLeaderboard(name string, searches []Search, intervalHours int) *Workflow {
	w := NewSession(name, searches)
	w.Kind = KindLeaderboard
	w.IntervalHours = intervalHours
	return w
}

// apply moves the workflow through the transition table, rejecting illegal
// moves before any state is touched.
func (w *Workflow) apply(a Action) error {
	to, ok := nextStage(w.Kind, w.Stage, a)
	if !ok {
		return &TransitionError{Kind: w.Kind, From: w.Stage, Action: a}
	}
	w.Stage = to
	w.UpdatedAt = time.Now()
	return nil
}

// CompleteScrape records a finished scrape. Re-scraping invalidates
// everything downstream, so analysis, selection, samples, and the final
// output are cleared wholesale.
func (w *Workflow) CompleteScrape(posts []post.Post, inputTokens, outputTokens int) error {
	if err := w.apply(ActionScrape); err != nil {
		return err
	}
	w.Posts = posts
	w.InputTokens = inputTokens
	w.OutputTokens = outputTokens
	w.Analysis = ""
	w.SelectedIDs = nil
	w.Prompt = ""
	w.Samples = nil
	w.ChosenID = ""
	w.FinalOutput = ""
	return nil
}

// CompleteAnalysis stores the trend summary. Only sessions have an analysis
// stage; the transition table rejects it for leaderboards.
func (w *Workflow) CompleteAnalysis(summary string) error {
	if err := w.apply(ActionAnalyze); err != nil {
		return err
	}
	w.Analysis = summary
	return nil
}

// Select records the operator's chosen posts and generation instructions.
// Both are required, and every id must reference a scraped post — bad input
// is rejected before the stage moves.
func (w *Workflow) Select(ids []string, instructions string) error {
	if len(ids) == 0 {
		return fmt.Errorf("selection requires at least one post")
	}
	if strings.TrimSpace(instructions) == "" {
		return fmt.Errorf("selection requires generation instructions")
	}
	known := make(map[string]struct{}, len(w.Posts))
	for _, p := range w.Posts {
		known[p.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("unknown post id %q", id)
		}
	}
	if err := w.apply(ActionSelect); err != nil {
		return err
	}
	w.SelectedIDs = ids
	w.Prompt = instructions
	w.Samples = nil
	w.ChosenID = ""
	w.FinalOutput = ""
	return nil
}

// CompleteGeneration replaces any prior candidate set wholesale; a
// regeneration never appends.
func (w *Workflow) CompleteGeneration(samples []Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("generation produced no candidates")
	}
	if err := w.apply(ActionGenerate); err != nil {
		return err
	}
	w.Samples = samples
	w.ChosenID = ""
	w.FinalOutput = ""
	return nil
}

// Choose picks one generated sample as the final output.
func (w *Workflow) Choose(sampleID string) error {
	var chosen *Sample
	for i := range w.Samples {
		if w.Samples[i].ID == sampleID {
			chosen = &w.Samples[i]
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("unknown sample id %q", sampleID)
	}
	if err := w.apply(ActionChoose); err != nil {
		return err
	}
	w.ChosenID = sampleID
	w.FinalOutput = chosen.Text
	return nil
}

// EditFinal updates the chosen output text in place. The workflow stays
// completed.
func (w *Workflow) EditFinal(text string) error {
	if w.Stage != StageCompleted {
		return fmt.Errorf("no final output to edit at stage %q", w.Stage)
	}
	w.FinalOutput = text
	w.UpdatedAt = time.Now()
	return nil
}

// Rewind jumps back to an earlier stage, clearing exactly the state the
// undone stages produced. Scraped posts survive any rewind short of created.
func (w *Workflow) Rewind(to Stage) error {
	ti := stageIndex(w.Kind, to)
	if ti < 0 {
		return fmt.Errorf("stage %q is not part of a %s workflow", to, w.Kind)
	}
	cur := stageIndex(w.Kind, w.Stage)
	if ti >= cur {
		return fmt.Errorf("rewind target %q is not earlier than current stage %q", to, w.Stage)
	}

	path := stagePath(w.Kind)
	for i := len(path) - 1; i > ti; i-- {
		switch path[i] {
		case StageCompleted:
			w.ChosenID = ""
			w.FinalOutput = ""
		case StageGenerated:
			w.Samples = nil
		case StageSelected:
			// Instructions describe the selection; they go together.
			w.SelectedIDs = nil
			w.Prompt = ""
		case StageAnalyzed:
			w.Analysis = ""
		case StageScraped:
			w.Posts = nil
			w.InputTokens = 0
			w.OutputTokens = 0
		}
	}
	w.Stage = to
	w.UpdatedAt = time.Now()
	return nil
}

// NextAction returns the action that produces the stage after the current
// one — what a rewind should re-trigger automatically.
func (w *Workflow) NextAction() (Action, bool) {
	path := stagePath(w.Kind)
	idx := stageIndex(w.Kind, w.Stage)
	if idx < 0 || idx+1 >= len(path) {
		return "", false
	}
	switch path[idx+1] {
	case StageScraped:
		return ActionScrape, true
	case StageAnalyzed:
		return ActionAnalyze, true
	case StageSelected:
		return ActionSelect, true
	case StageGenerated:
		return ActionGenerate, true
	case StageCompleted:
		return ActionChoose, true
	}
	return "", false
}

// SelectedPosts resolves SelectedIDs against Posts, in selection order.
func (w *Workflow) SelectedPosts() []post.Post {
	byID := make(map[string]post.Post, len(w.Posts))
	for _, p := range w.Posts {
		byID[p.ID] = p
	}
	out := make([]post.Post, 0, len(w.SelectedIDs))
	for _, id := range w.SelectedIDs {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ChosenSample returns the sample picked at completion, if any.
func (w *Workflow) ChosenSample() (Sample, bool) {
	for _, s := range w.Samples {
		if s.ID == w.ChosenID {
			return s, true
		}
	}
	return Sample{}, false
}

// Due reports whether a leaderboard is due for a refresh at now.
func (w *Workflow) Due(now time.Time) bool {
	if w.Kind != KindLeaderboard || w.IntervalHours <= 0 {
		return false
	}
	if w.LastRunAt.IsZero() {
		return true
	}
	return now.Sub(w.LastRunAt) >= time.Duration(w.IntervalHours)*time.Hour
}
