// Package runner implements the baseline grading analysis: compile the
// submitted program, then replay its input and crash test suites.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"gradelab/internal/grader/sandbox"
	"gradelab/internal/grader/sandbox/engine"
	"gradelab/internal/grader/sandbox/spec"
)

const (
	binaryName = "main"

	stepCompile = "compile"

	defaultCompileCommand = "gcc -std=c11 -O2 {program} -o {binary}"
	defaultCompileTimeout = 30 * time.Second
	defaultTestTimeout    = 10 * time.Second
)

// Report is the baseline analysis result attached to a completed record.
// Input tests pass when the program exits cleanly; crash tests pass when
// it does not.
type Report struct {
	Compiled  bool `json:"compiled"`
	InputPass int  `json:"input_pass"`
	InputFail int  `json:"input_fail"`
	CrashPass int  `json:"crash_pass"`
	CrashFail int  `json:"crash_fail"`
}

// Config controls the baseline runner. Engine is required.
type Config struct {
	Engine         engine.Engine
	CompileCommand string
	CompileTimeout time.Duration
	TestTimeout    time.Duration
	MemoryMB       int64
	StackMB        int64
	OutputMB       int64
	PIDs           int64
}

// Baseline runs the compile-and-replay analysis inside the sandbox engine.
type Baseline struct {
	engine         engine.Engine
	compileCommand []string
	compileTimeout time.Duration
	testTimeout    time.Duration
	limits         spec.ResourceLimit
}

var _ sandbox.Runner = (*Baseline)(nil)

// NewBaseline creates a baseline runner from cfg.
func NewBaseline(cfg Config) (*Baseline, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("sandbox engine is required")
	}
	if cfg.CompileCommand == "" {
		cfg.CompileCommand = defaultCompileCommand
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = defaultCompileTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = defaultTestTimeout
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.StackMB <= 0 {
		cfg.StackMB = 64
	}
	if cfg.OutputMB <= 0 {
		cfg.OutputMB = 16
	}
	if cfg.PIDs <= 0 {
		cfg.PIDs = 64
	}
	compileCommand, err := shlex.Split(cfg.CompileCommand)
	if err != nil {
		return nil, fmt.Errorf("parse compile command: %w", err)
	}
	if len(compileCommand) == 0 {
		return nil, fmt.Errorf("compile command is empty")
	}
	return &Baseline{
		engine:         cfg.Engine,
		compileCommand: compileCommand,
		compileTimeout: cfg.CompileTimeout,
		testTimeout:    cfg.TestTimeout,
		limits: spec.ResourceLimit{
			MemoryMB: cfg.MemoryMB,
			StackMB:  cfg.StackMB,
			OutputMB: cfg.OutputMB,
			PIDs:     cfg.PIDs,
		},
	}, nil
}

func (b *Baseline) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
	if req.AttemptID == "" {
		return sandbox.RunResult{}, fmt.Errorf("attempt id is required")
	}
	if req.Packet == nil {
		return sandbox.RunResult{}, fmt.Errorf("packet is required")
	}

	wks, err := req.Packet.MakeWorkspace(req.AttemptID)
	if err != nil {
		return sandbox.RunResult{}, fmt.Errorf("make workspace: %w", err)
	}
	// Attempt ids are unique, so the workspace must be reclaimed here or it
	// leaks across retries.
	defer os.RemoveAll(wks)
	binary := filepath.Join(wks, binaryName)

	compileOut, err := b.runStep(ctx, req, stepCompile, wks, b.expandCompileCommand(req.Packet.Program, binary), "", b.compileTimeout)
	if err != nil {
		return sandbox.RunResult{}, fmt.Errorf("compile step: %w", err)
	}

	report := Report{}
	if compileOut.ExitCode == 0 && !compileOut.TimedOut {
		if _, err := os.Stat(binary); err != nil {
			return sandbox.RunResult{
				Outcome: sandbox.OutcomeAnalysisError,
				Message: "compiler exited cleanly but produced no binary",
			}, nil
		}
		report.Compiled = true
	}

	if report.Compiled {
		for i, test := range req.Packet.InputTests {
			out, err := b.runStep(ctx, req, fmt.Sprintf("input-%03d", i), wks, []string{binary}, test.Path, b.testTimeout)
			if err != nil {
				return sandbox.RunResult{}, fmt.Errorf("input test %s: %w", test.Name, err)
			}
			if out.ExitCode == 0 && !out.TimedOut {
				report.InputPass++
			} else {
				report.InputFail++
			}
		}
		for i, test := range req.Packet.CrashTests {
			out, err := b.runStep(ctx, req, fmt.Sprintf("crash-%03d", i), wks, []string{binary}, test.Path, b.testTimeout)
			if err != nil {
				return sandbox.RunResult{}, fmt.Errorf("crash test %s: %w", test.Name, err)
			}
			if out.ExitCode != 0 {
				report.CrashPass++
			} else {
				report.CrashFail++
			}
		}
	}

	data, err := json.Marshal(report)
	if err != nil {
		return sandbox.RunResult{}, fmt.Errorf("encode report: %w", err)
	}
	return sandbox.RunResult{Outcome: sandbox.OutcomeSuccess, Report: data}, nil
}

func (b *Baseline) runStep(ctx context.Context, req sandbox.RunRequest, step, wks string, cmd []string, stdinPath string, timeout time.Duration) (engine.RunOutput, error) {
	limits := b.limits
	limits.WallTimeMs = timeout.Milliseconds()
	limits.CPUTimeMs = timeout.Milliseconds()
	return b.engine.Run(ctx, spec.RunSpec{
		AttemptID:  req.AttemptID,
		Step:       step,
		WorkDir:    req.Packet.Dir,
		Cmd:        cmd,
		StdinPath:  stdinPath,
		StdoutPath: filepath.Join(wks, step+".out"),
		StderrPath: filepath.Join(wks, step+".err"),
		Limits:     limits,
	})
}

func (b *Baseline) expandCompileCommand(program, binary string) []string {
	cmd := make([]string, len(b.compileCommand))
	for i, tok := range b.compileCommand {
		tok = strings.ReplaceAll(tok, "{program}", program)
		tok = strings.ReplaceAll(tok, "{binary}", binary)
		cmd[i] = tok
	}
	return cmd
}
