// Package sandbox defines the contract between the grading dispatcher and
// the isolated analysis runners.
package sandbox

import (
	"context"
	"encoding/json"

	"gradelab/internal/intake/packet"
)

// Outcome classifies a finished analysis run.
type Outcome int

const (
	// OutcomeSuccess means the analysis ran to completion and produced a
	// report, whatever the submission itself scored.
	OutcomeSuccess Outcome = iota
	// OutcomeAnalysisError means the analysis itself rejected the packet
	// with a definitive error. Retrying cannot change the verdict.
	OutcomeAnalysisError
)

// RunRequest asks a runner to analyze one extracted packet.
type RunRequest struct {
	AttemptID string
	Packet    *packet.Packet
}

// RunResult is the product of one analysis attempt. Report is set on
// OutcomeSuccess, Message on OutcomeAnalysisError.
type RunResult struct {
	Outcome Outcome
	Report  json.RawMessage
	Message string
}

// Runner executes one grading analysis. An error return means the sandbox
// crashed or the attempt deadline expired, not that the submission failed.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}
