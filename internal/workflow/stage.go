// Package workflow models the multi-stage curation lifecycle: scrape the
// posts, optionally analyze them, select the keepers, generate candidate
// drafts, choose one. Transitions live in an explicit table so an illegal
// move is a rejected construction, not a silent fallthrough.
package workflow

import "fmt"

// Stage is a workflow lifecycle position.
type Stage string

const (
	StageCreated   Stage = "created"
	StageScraped   Stage = "scraped"
	StageAnalyzed  Stage = "analyzed"
	StageSelected  Stage = "selected"
	StageGenerated Stage = "generated"
	StageCompleted Stage = "completed"
)

// Kind distinguishes the two workflow variants. Leaderboards skip the
// analysis stage.
type Kind string

const (
	KindSession     Kind = "session"
	KindLeaderboard Kind = "leaderboard"
)

// Action is a transition trigger.
type Action string

const (
	ActionScrape   Action = "scrape"
	ActionAnalyze  Action = "analyze"
	ActionSelect   Action = "select"
	ActionGenerate Action = "generate"
	ActionChoose   Action = "choose"
)

// rule is one row of the transition table.
type rule struct {
	from   Stage
	action Action
	to     Stage
}

// Re-scraping is legal from every stage; completing it clears all downstream
// state, which is what makes that safe. Re-running analyze or generate
// replaces their output.
var sessionRules = []rule{
	{StageCreated, ActionScrape, StageScraped},
	{StageScraped, ActionScrape, StageScraped},
	{StageAnalyzed, ActionScrape, StageScraped},
	{StageSelected, ActionScrape, StageScraped},
	{StageGenerated, ActionScrape, StageScraped},
	{StageCompleted, ActionScrape, StageScraped},

	{StageScraped, ActionAnalyze, StageAnalyzed},
	{StageAnalyzed, ActionAnalyze, StageAnalyzed},

	{StageScraped, ActionSelect, StageSelected},
	{StageAnalyzed, ActionSelect, StageSelected},

	{StageSelected, ActionGenerate, StageGenerated},
	{StageGenerated, ActionGenerate, StageGenerated},

	{StageGenerated, ActionChoose, StageCompleted},
}

var leaderboardRules = []rule{
	{StageCreated, ActionScrape, StageScraped},
	{StageScraped, ActionScrape, StageScraped},
	{StageSelected, ActionScrape, StageScraped},
	{StageGenerated, ActionScrape, StageScraped},
	{StageCompleted, ActionScrape, StageScraped},

	{StageScraped, ActionSelect, StageSelected},

	{StageSelected, ActionGenerate, StageGenerated},
	{StageGenerated, ActionGenerate, StageGenerated},

	{StageGenerated, ActionChoose, StageCompleted},
}

func rulesFor(k Kind) []rule {
	if k == KindLeaderboard {
		return leaderboardRules
	}
	return sessionRules
}

// nextStage looks up the transition table.
func nextStage(k Kind, from Stage, a Action) (Stage, bool) {
	for _, r := range rulesFor(k) {
		if r.from == from && r.action == a {
			return r.to, true
		}
	}
	return "", false
}

// stagePath returns the ordered forward path for a kind.
func stagePath(k Kind) []Stage {
	if k == KindLeaderboard {
		return []Stage{StageCreated, StageScraped, StageSelected, StageGenerated, StageCompleted}
	}
	return []Stage{StageCreated, StageScraped, StageAnalyzed, StageSelected, StageGenerated, StageCompleted}
}

// stageIndex returns s's position on the kind's path, or -1.
func stageIndex(k Kind, s Stage) int {
	for i, cur := range stagePath(k) {
		if cur == s {
			return i
		}
	}
	return -1
}

// TransitionError reports an action that is not legal from the current stage.
type TransitionError struct {
	Kind   Kind
	From   Stage
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a %s workflow at stage %q", e.Action, e.Kind, e.From)
}
