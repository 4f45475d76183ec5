//go:build !linux

package engine

import (
	"context"
	"fmt"

	"gradelab/internal/grader/sandbox/spec"
)

type stubEngine struct{}

func NewEngine(cfg Config) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (RunOutput, error) {
	return RunOutput{}, fmt.Errorf("sandbox engine is only supported on linux")
}
