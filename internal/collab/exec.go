package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// ExecConfig binds the collaborator operations to external commands.
// Each command receives a JSON request on stdin and must print a JSON
// response on stdout. Exit code 0 is success, exit code 2 marks the
// failure as fatal (not worth retrying), anything else is transient.
type ExecConfig struct {
	DecomposeCommand []string
	GenerateCommand  []string
	OpenCommand      []string
	CompleteCommand  []string
	WorkDir          string
}

const fatalExitCode = 2

// ExecCollaborator implements Planner, Generator, and Integrator by
// shelling out to configured commands.
type ExecCollaborator struct {
	cfg ExecConfig
}

var (
	_ Planner    = (*ExecCollaborator)(nil)
	_ Generator  = (*ExecCollaborator)(nil)
	_ Integrator = (*ExecCollaborator)(nil)
)

// NewExecCollaborator creates a subprocess-backed collaborator.
func NewExecCollaborator(cfg ExecConfig) (*ExecCollaborator, error) {
	for name, cmd := range map[string][]string{
		"decompose": cfg.DecomposeCommand,
		"generate":  cfg.GenerateCommand,
		"open":      cfg.OpenCommand,
		"complete":  cfg.CompleteCommand,
	} {
		if len(cmd) == 0 {
			return nil, fmt.Errorf("collaborator %s command not configured", name)
		}
	}
	return &ExecCollaborator{cfg: cfg}, nil
}

// Decompose runs the decompose command.
func (e *ExecCollaborator) Decompose(ctx context.Context, featureSpec, repoStructure string) ([]ChunkPlan, error) {
	req := map[string]any{
		"feature_spec":   featureSpec,
		"repo_structure": repoStructure,
	}
	var resp struct {
		Chunks []struct {
			ID           string   `json:"id"`
			Description  string   `json:"description"`
			Files        []string `json:"files"`
			Dependencies []string `json:"dependencies"`
		} `json:"chunks"`
	}
	if err := e.run(ctx, e.cfg.DecomposeCommand, req, &resp); err != nil {
		return nil, err
	}

	plans := make([]ChunkPlan, 0, len(resp.Chunks))
	for _, c := range resp.Chunks {
		plans = append(plans, ChunkPlan{
			ID:          c.ID,
			Description: c.Description,
			Files:       c.Files,
			DependsOn:   c.Dependencies,
		})
	}
	return plans, nil
}

// Generate runs the generate command for one chunk.
func (e *ExecCollaborator) Generate(ctx context.Context, chunkID, description string, files []string) (Changeset, error) {
	req := map[string]any{
		"chunk_id":    chunkID,
		"description": description,
		"files":       files,
	}
	var resp struct {
		Files         map[string]string `json:"files"`
		CommitMessage string            `json:"commit_message"`
	}
	if err := e.run(ctx, e.cfg.GenerateCommand, req, &resp); err != nil {
		return Changeset{}, err
	}
	return Changeset{Files: resp.Files, CommitMessage: resp.CommitMessage}, nil
}

// Open runs the open-integration command and returns the handle.
func (e *ExecCollaborator) Open(ctx context.Context, chunkID string, cs Changeset) (string, error) {
	req := map[string]any{
		"chunk_id":       chunkID,
		"files":          cs.Files,
		"commit_message": cs.CommitMessage,
	}
	var resp struct {
		Handle string `json:"handle"`
	}
	if err := e.run(ctx, e.cfg.OpenCommand, req, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", Fatal(fmt.Errorf("open integration for %s returned empty handle", chunkID))
	}
	return resp.Handle, nil
}

// Complete runs the complete-integration command.
func (e *ExecCollaborator) Complete(ctx context.Context, handle string) error {
	req := map[string]any{"handle": handle}
	var resp struct{}
	return e.run(ctx, e.cfg.CompleteCommand, req, &resp)
}

// run executes one command with the JSON request on stdin and decodes
// the JSON response from stdout.
func (e *ExecCollaborator) run(ctx context.Context, argv []string, req any, resp any) error {
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		runErr := fmt.Errorf("%s failed: %w (stderr: %s)", argv[0], err, stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == fatalExitCode {
			return Fatal(runErr)
		}
		return runErr
	}

	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return fmt.Errorf("parsing %s response: %w", argv[0], err)
	}
	return nil
}
