package engine

import (
	"context"

	"gradelab/internal/grader/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (RunOutput, error)
}

// Config controls sandbox engine behavior.
type Config struct {
	CgroupRoot           string
	HelperPath           string
	StdoutStderrMaxBytes int64
	Isolation            spec.Isolation
	EnableSeccomp        bool
	EnableCgroup         bool
	EnableNamespaces     bool
}

// RunOutput is the observed result of one sandboxed step.
type RunOutput struct {
	ExitCode   int
	TimedOut   bool
	OomKilled  bool
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
}
