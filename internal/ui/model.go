package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nbarger/crest/internal/scrape"
	"github.com/nbarger/crest/internal/workflow"
)

// maxLogLines bounds the scrollback kept in memory.
const maxLogLines = 200

// Model renders a live stream of scrape progress for one workflow.
type Model struct {
	workflowName string
	stage        workflow.Stage
	spinner      spinner.Model
	lines        []string
	scraping     bool
	err          error
	width        int
}

// NewModel creates the progress stream model.
func NewModel(workflowName string, stage workflow.Stage) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = StageBadge
	return Model{
		workflowName: workflowName,
		stage:        stage,
		spinner:      sp,
		scraping:     true,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ScrapeProgress:
		m.appendLine(renderEvent(msg.Event))

	case StageChanged:
		m.stage = msg.Stage

	case ScrapeDone:
		m.scraping = false
		m.err = msg.Err
		if msg.Err != nil {
			m.appendLine(ErrorStyle.Render("scrape failed: " + msg.Err.Error()))
		} else {
			m.appendLine(DoneLine.Render(fmt.Sprintf("done: %d new posts (%d total)", msg.NewPosts, msg.Total)))
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render(m.workflowName))
	b.WriteString(" ")
	b.WriteString(StageBadge.Render(string(m.stage)))
	if m.scraping {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n\n")

	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(StatusBar.Render(StatusBarKey.Render("q") + " quit"))
	return b.String()
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
}

// renderEvent formats one retrieval event as a log line.
func renderEvent(e scrape.Event) string {
	badge := SourceBadge.Render(e.Search)
	switch e.Kind {
	case scrape.EventAttempt:
		return badge + EventLine.Render(fmt.Sprintf("querying %s window, attempt %d", e.Window.Label(), e.Attempt))
	case scrape.EventExpanding:
		return badge + EventLine.Render(fmt.Sprintf("no results, expanding to %s", e.Window.Label()))
	case scrape.EventResponse:
		line := fmt.Sprintf("%d posts", e.Count)
		if e.Filtered > 0 {
			line += MutedText.Render(fmt.Sprintf(" (%d below thresholds)", e.Filtered))
		}
		return badge + EventLine.Render(line)
	case scrape.EventSourceComplete:
		return badge + DoneLine.Render(fmt.Sprintf("complete: %d posts", e.Count))
	case scrape.EventSourceError:
		return badge + ErrorStyle.Render(e.Message)
	case scrape.EventComplete:
		return badge + DoneLine.Render(fmt.Sprintf("done: %d posts (%s)", e.Count, e.Window.Label()))
	case scrape.EventError:
		return ErrorStyle.Render(e.Message)
	}
	return badge + EventLine.Render(e.Message)
}
