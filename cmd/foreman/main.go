package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/ashdown/foreman/internal/collab"
	"github.com/ashdown/foreman/internal/config"
	"github.com/ashdown/foreman/internal/coordinator"
	"github.com/ashdown/foreman/internal/events"
	"github.com/ashdown/foreman/internal/persistence"
	"github.com/ashdown/foreman/internal/progress"
	"github.com/ashdown/foreman/internal/tasks"
)

func main() {
	configFile := flag.String("config", "", "config file (default: ~/.config/foreman/config.yaml)")
	submit := flag.String("submit", "", "submit a feature description and exit")
	repoPath := flag.String("repo", ".", "target repository for -submit")
	flag.Parse()

	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	manager := tasks.NewManager(store)

	// Submission mode: enqueue and exit; a running daemon picks it up.
	if *submit != "" {
		id, err := manager.Submit(ctx, *repoPath, *submit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error submitting task: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(id)
		return
	}

	collaborator, err := collab.NewExecCollaborator(collab.ExecConfig{
		DecomposeCommand: cfg.Collaborators.DecomposeCommand,
		GenerateCommand:  cfg.Collaborators.GenerateCommand,
		OpenCommand:      cfg.Collaborators.OpenCommand,
		CompleteCommand:  cfg.Collaborators.CompleteCommand,
		WorkDir:          cfg.Collaborators.WorkDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring collaborators: %v\n", err)
		os.Exit(1)
	}

	eventLog := events.NewLog(store)
	publisher := progress.NewPublisher(store, store)
	defer publisher.Close()

	session := coordinator.New(store, eventLog, publisher, manager,
		collaborator, collaborator, collaborator, listRepoFiles,
		coordinator.Config{
			PollInterval:      cfg.Coordinator.PollInterval,
			WorkerConcurrency: cfg.Coordinator.WorkerConcurrency,
			Retry: coordinator.RetryConfig{
				InitialInterval:     cfg.Retry.InitialInterval,
				MaxInterval:         cfg.Retry.MaxInterval,
				MaxElapsedTime:      cfg.Retry.MaxElapsedTime,
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
		})

	log.Printf("foreman started (db: %s)", cfg.Database.Path)
	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Println("Shutdown complete")
}

// listRepoFiles returns a sorted newline-separated listing of the
// repository's files, skipping VCS metadata and common build noise.
func listRepoFiles(repoPath string) (string, error) {
	skipDirs := map[string]bool{
		".git": true, "node_modules": true, "__pycache__": true, ".foreman": true,
	}

	var files []string
	err := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(repoPath, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking %s: %w", repoPath, err)
	}

	sort.Strings(files)
	return strings.Join(files, "\n"), nil
}
