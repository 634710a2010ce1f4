// Package ui provides the Bubble Tea TUI for watching scrape progress.
package ui

import (
	"github.com/nbarger/crest/internal/scrape"
	"github.com/nbarger/crest/internal/workflow"
)

// ScrapeProgress is sent for every retrieval event during a scrape.
type ScrapeProgress struct {
	WorkflowID string
	Event      scrape.Event
}

// ScrapeDone is sent when a workflow's scrape finishes.
type ScrapeDone struct {
	WorkflowID string
	NewPosts   int
	Total      int
	Err        error
}

// StageChanged is sent when a workflow moves to a new stage.
type StageChanged struct {
	WorkflowID string
	Stage      workflow.Stage
}
