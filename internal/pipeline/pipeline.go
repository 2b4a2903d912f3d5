// Package pipeline sequences the generation stages for one coding request:
// file planning, code generation, then test generation. Each stage calls the
// external generation engine with the previous stage's output as context, so
// re-running the same request is reproducible in structure (same files
// touched) even when generated content differs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AirOxygenC/DriveCode/internal/llm"
)

// maxPlannedFiles bounds how many files one voice request may touch.
const maxPlannedFiles = 8

// ChangeRequest is a classified user intent bound to a target repository.
type ChangeRequest struct {
	SessionID   string
	Repo        string // "owner/name"
	BaseBranch  string
	Description string
	// RepoContext is the repository file listing fetched from the host,
	// included in the planning prompt.
	RepoContext string
}

// FileChange is one generated file body.
type FileChange struct {
	Path    string
	Content string
}

// ChangeArtifact is the pipeline output: code changes, test changes and a
// human-readable narration. It is immutable once produced.
type ChangeArtifact struct {
	Request      ChangeRequest
	PlannedFiles []string
	Files        []FileChange
	Tests        []FileChange
	Narration    string
	ProducedAt   time.Time
}

// Stage identifies which pipeline stage failed.
type Stage string

const (
	StagePlanning Stage = "planning"
	StageCodeGen  Stage = "codegen"
	StageTestGen  Stage = "testgen"
)

// StageError tags a failure with the stage that aborted the run. No partial
// artifact is ever returned alongside a StageError.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s failed: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// FailedStage extracts the stage tag from an error chain, or "".
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// ErrBusy is returned when a run is requested while another is in flight.
var ErrBusy = errors.New("pipeline: run already in flight")

// Pipeline drives the generation engine through the three stages.
type Pipeline struct {
	gen          llm.Generator
	log          *zap.SugaredLogger
	stageTimeout time.Duration

	running atomic.Bool
}

// New constructs a Pipeline. A zero stageTimeout selects 45s per stage.
func New(gen llm.Generator, stageTimeout time.Duration, log *zap.SugaredLogger) *Pipeline {
	if stageTimeout <= 0 {
		stageTimeout = 45 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pipeline{gen: gen, log: log, stageTimeout: stageTimeout}
}

// Running reports whether a run is currently in flight.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Run executes the full stage sequence. At most one run may be active at a
// time; concurrent calls fail fast with ErrBusy.
func (p *Pipeline) Run(ctx context.Context, req ChangeRequest) (*ChangeArtifact, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer p.running.Store(false)

	planned, err := p.plan(ctx, req)
	if err != nil {
		return nil, &StageError{Stage: StagePlanning, Err: err}
	}
	p.log.Infow("plan complete", "repo", req.Repo, "files", planned)

	files, err := p.generateCode(ctx, req, planned)
	if err != nil {
		return nil, &StageError{Stage: StageCodeGen, Err: err}
	}

	tests, err := p.generateTests(ctx, req, planned, files)
	if err != nil {
		return nil, &StageError{Stage: StageTestGen, Err: err}
	}

	return &ChangeArtifact{
		Request:      req,
		PlannedFiles: planned,
		Files:        files,
		Tests:        tests,
		Narration:    narration(req, planned),
		ProducedAt:   time.Now(),
	}, nil
}

// plan asks the engine which files the request touches. The parsed list is
// the structural contract carried verbatim into the later stages.
func (p *Pipeline) plan(ctx context.Context, req ChangeRequest) ([]string, error) {
	prompt := fmt.Sprintf(`You are an expert software engineer planning a change.

User request: %q

Repository structure:
%s

List the repository-relative paths of the files to create or modify for this
request, one path per line, most important first, at most %d paths.
Output only the paths, no commentary.`, req.Description, req.RepoContext, maxPlannedFiles)

	out, err := p.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	planned := parsePlan(out)
	if len(planned) == 0 {
		return nil, fmt.Errorf("plan produced no file paths")
	}
	return planned, nil
}

func (p *Pipeline) generateCode(ctx context.Context, req ChangeRequest, planned []string) ([]FileChange, error) {
	files := make([]FileChange, 0, len(planned))
	for _, fp := range planned {
		prompt := fmt.Sprintf(`You are an expert software engineer implementing a planned change.

User request: %q

Planned files for this change:
%s

Repository structure:
%s

Write the complete new content of %q. Follow the conventions implied by the
repository structure. Return only the code.`,
			req.Description, strings.Join(planned, "\n"), req.RepoContext, fp)

		out, err := p.generate(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", fp, err)
		}
		code := extractCode(out)
		if code == "" {
			return nil, fmt.Errorf("file %s: engine returned no code", fp)
		}
		files = append(files, FileChange{Path: fp, Content: code})
	}
	return files, nil
}

func (p *Pipeline) generateTests(ctx context.Context, req ChangeRequest, planned []string, files []FileChange) ([]FileChange, error) {
	tests := make([]FileChange, 0, len(files))
	for _, f := range files {
		tp := TestPathFor(f.Path)
		prompt := fmt.Sprintf(`You are an expert test engineer.

User request: %q

Planned files for this change:
%s

Code under test (%s):
%s

Write the complete content of the test file %q covering happy paths and edge
cases of the code above. Return only the test code.`,
			req.Description, strings.Join(planned, "\n"), f.Path, f.Content, tp)

		out, err := p.generate(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("tests for %s: %w", f.Path, err)
		}
		code := extractCode(out)
		if code == "" {
			return nil, fmt.Errorf("tests for %s: engine returned no code", f.Path)
		}
		tests = append(tests, FileChange{Path: tp, Content: code})
	}
	return tests, nil
}

func (p *Pipeline) generate(ctx context.Context, prompt string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()
	return p.gen.Generate(gctx, prompt)
}

// parsePlan extracts a bounded, deduplicated file list from the engine reply.
func parsePlan(out string) []string {
	seen := map[string]struct{}{}
	var planned []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "`*-• \t")
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		if strings.ContainsAny(line, " \t") {
			// Commentary, not a path.
			continue
		}
		line = strings.TrimPrefix(line, "./")
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		planned = append(planned, line)
		if len(planned) == maxPlannedFiles {
			break
		}
	}
	return planned
}

// extractCode strips a surrounding markdown fence, if present.
func extractCode(out string) string {
	txt := strings.TrimSpace(out)
	if !strings.Contains(txt, "```") {
		return txt
	}
	start := strings.Index(txt, "```")
	end := strings.LastIndex(txt, "```")
	if start == end {
		return strings.TrimSpace(strings.ReplaceAll(txt, "```", ""))
	}
	block := txt[start+3 : end]
	// Drop the language identifier line.
	if i := strings.Index(block, "\n"); i >= 0 {
		block = block[i+1:]
	} else {
		block = ""
	}
	return strings.TrimSpace(block)
}

// TestPathFor derives the deterministic test-file path for a source path.
func TestPathFor(p string) string {
	dir, file := path.Split(p)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	switch ext {
	case ".go":
		return dir + base + "_test.go"
	case ".py":
		return dir + "test_" + base + ".py"
	case ".ts", ".tsx", ".js", ".jsx":
		return dir + base + ".test" + ext
	default:
		return dir + base + "_test" + ext
	}
}

func narration(req ChangeRequest, planned []string) string {
	return fmt.Sprintf("Voice request: %s. Touched %d file(s): %s. Code and tests were generated for each file.",
		req.Description, len(planned), strings.Join(planned, ", "))
}
