package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nbarger/crest/internal/brain"
	"github.com/nbarger/crest/internal/config"
	"github.com/nbarger/crest/internal/coord"
	"github.com/nbarger/crest/internal/guard"
	"github.com/nbarger/crest/internal/logging"
	"github.com/nbarger/crest/internal/sched"
	"github.com/nbarger/crest/internal/store"
	"github.com/nbarger/crest/internal/ui"
	"github.com/nbarger/crest/internal/workflow"
)

func main() {
	dbFlag := flag.String("db", "", "database path (default ~/.crest/crest.db)")
	scrapeFlag := flag.String("scrape", "", "run a scrape for the given workflow id")
	headless := flag.Bool("headless", false, "run the leaderboard scheduler without a TUI")
	once := flag.Bool("once", false, "refresh due leaderboards once and exit")
	flag.Parse()

	if err := logging.Init(); err != nil {
		log.Printf("Warning: file logging disabled: %v", err)
	}
	defer logging.Close()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = cfg.DatabasePath
	}
	if dbPath == "" {
		if err := os.MkdirAll(config.DataDir(), 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		dbPath = filepath.Join(config.DataDir(), "crest.db")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	if !cfg.Models.Grok.Enabled || cfg.Models.Grok.APIKey == "" {
		log.Fatal("Grok is required for scraping; set XAI_API_KEY or configure it in " + config.ConfigPath())
	}
	searcher := brain.NewGrokProvider(cfg.Models.Grok.APIKey, cfg.Models.Grok.Model)

	// Claude writes analysis and drafts when configured; Grok covers both
	// roles otherwise.
	writer := brain.NewProviderManager()
	if cfg.Models.Claude.Enabled && cfg.Models.Claude.APIKey != "" {
		writer.AddProvider(brain.NewClaudeProvider(cfg.Models.Claude.APIKey, cfg.Models.Claude.Model))
	}
	writer.AddProvider(searcher)
	writer.SetPreferred("claude")

	g := guard.New(st, time.Duration(cfg.Scrape.LockStaleMin)*time.Minute)
	coordinator := coord.New(st, g, searcher, writer, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch {
	case *once:
		if err := coordinator.RefreshDueLeaderboards(ctx); err != nil {
			log.Fatalf("Refresh failed: %v", err)
		}

	case *headless:
		runHeadless(ctx, coordinator, cfg)

	case *scrapeFlag != "":
		runScrapeTUI(ctx, coordinator, *scrapeFlag)

	default:
		listWorkflows(st)
	}
}

// runHeadless keeps leaderboards fresh on a schedule until interrupted.
func runHeadless(ctx context.Context, c *coord.Coordinator, cfg *config.Config) {
	s := sched.New()
	err := s.AddRefreshJob("leaderboards", cfg.Leaderboard.RefreshHours, func(ctx context.Context) error {
		return c.RefreshDueLeaderboards(ctx)
	})
	if err != nil {
		log.Fatalf("Failed to schedule refreshes: %v", err)
	}
	s.Start()
	defer func() { <-s.Stop().Done() }()

	logging.Info("Running headless", "refresh_hours", cfg.Leaderboard.RefreshHours)

	// Catch up immediately, then let cron take over.
	if err := c.RefreshDueLeaderboards(ctx); err != nil {
		logging.Error("Initial refresh failed", "error", err)
	}
	<-ctx.Done()
}

// runScrapeTUI streams scrape progress for one workflow.
func runScrapeTUI(ctx context.Context, c *coord.Coordinator, id string) {
	w, err := c.Workflow(id)
	if err != nil {
		log.Fatalf("Failed to load workflow %s: %v", id, err)
	}

	program := tea.NewProgram(ui.NewModel(w.Name, w.Stage), tea.WithAltScreen())
	c.SetProgram(program)

	go func() {
		if err := c.RunScrape(ctx, id); err != nil {
			logging.Error("Scrape failed", "workflow", id, "error", err)
		}
	}()

	if _, err := program.Run(); err != nil {
		log.Printf("Error running program: %v", err)
	}
}

func listWorkflows(st *store.Store) {
	flows, err := st.ListWorkflows("")
	if err != nil {
		log.Fatalf("Failed to list workflows: %v", err)
	}
	if len(flows) == 0 {
		fmt.Println("No workflows yet.")
		return
	}
	for _, w := range flows {
		extra := ""
		if w.Kind == workflow.KindLeaderboard {
			extra = fmt.Sprintf(" every %dh", w.IntervalHours)
		}
		fmt.Printf("%s  %-12s %-10s %s%s\n", w.ID, w.Kind, w.Stage, w.Name, extra)
	}
}
