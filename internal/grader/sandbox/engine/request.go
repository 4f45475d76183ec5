package engine

import (
	"gradelab/internal/grader/sandbox/spec"
)

type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     spec.Isolation
	EnableSeccomp bool
	EnableNs      bool
}
