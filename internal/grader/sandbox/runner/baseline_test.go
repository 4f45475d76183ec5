package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gradelab/internal/grader/sandbox"
	"gradelab/internal/grader/sandbox/engine"
	"gradelab/internal/grader/sandbox/spec"
	"gradelab/internal/intake/packet"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []spec.RunSpec
	run   func(rs spec.RunSpec) (engine.RunOutput, error)
}

func (f *fakeEngine) Run(ctx context.Context, rs spec.RunSpec) (engine.RunOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rs)
	f.mu.Unlock()
	return f.run(rs)
}

func (f *fakeEngine) stepCalls(prefix string) []spec.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []spec.RunSpec
	for _, rs := range f.calls {
		if strings.HasPrefix(rs.Step, prefix) {
			out = append(out, rs)
		}
	}
	return out
}

func loadTestPacket(t *testing.T, inputs, crashes map[string]string) *packet.Packet {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.c"), []byte("int main(void) { return 0; }\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for sub, files := range map[string]map[string]string{"input": inputs, "crash": crashes} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(dir, sub, name), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	pkt, err := packet.Load(dir)
	if err != nil {
		t.Fatalf("load packet: %v", err)
	}
	return pkt
}

// compileAndTouch succeeds the compile step and creates the binary the
// compile command names so later steps can stat it.
func compileAndTouch(t *testing.T, then func(rs spec.RunSpec) engine.RunOutput) func(rs spec.RunSpec) (engine.RunOutput, error) {
	t.Helper()
	return func(rs spec.RunSpec) (engine.RunOutput, error) {
		if rs.Step == stepCompile {
			binary := rs.Cmd[len(rs.Cmd)-1]
			if err := os.WriteFile(binary, []byte("#!/bin/true\n"), 0o755); err != nil {
				t.Fatal(err)
			}
			return engine.RunOutput{ExitCode: 0}, nil
		}
		return then(rs), nil
	}
}

func TestBaselineCountsPassesAndFailures(t *testing.T) {
	t.Parallel()

	pkt := loadTestPacket(t,
		map[string]string{"a.txt": "1", "b.txt": "2", "c.txt": "3"},
		map[string]string{"x.txt": "9", "y.txt": "8"},
	)

	eng := &fakeEngine{}
	eng.run = compileAndTouch(t, func(rs spec.RunSpec) engine.RunOutput {
		switch {
		case rs.Step == "input-001":
			return engine.RunOutput{ExitCode: 1}
		case rs.Step == "crash-000":
			return engine.RunOutput{ExitCode: 139}
		case strings.HasPrefix(rs.Step, "crash-"):
			return engine.RunOutput{ExitCode: 0}
		default:
			return engine.RunOutput{ExitCode: 0}
		}
	})

	b, err := NewBaseline(Config{Engine: eng})
	if err != nil {
		t.Fatal(err)
	}
	res, err := b.Run(context.Background(), sandbox.RunRequest{AttemptID: "attempt-1", Packet: pkt})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != sandbox.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", res.Outcome)
	}

	var report Report
	if err := json.Unmarshal(res.Report, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	want := Report{Compiled: true, InputPass: 2, InputFail: 1, CrashPass: 1, CrashFail: 1}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
}

func TestBaselineCompileFailureSkipsTests(t *testing.T) {
	t.Parallel()

	pkt := loadTestPacket(t, map[string]string{"a.txt": "1"}, map[string]string{"x.txt": "9"})
	eng := &fakeEngine{run: func(rs spec.RunSpec) (engine.RunOutput, error) {
		return engine.RunOutput{ExitCode: 1, Stderr: "main.c:1: error"}, nil
	}}

	b, err := NewBaseline(Config{Engine: eng})
	if err != nil {
		t.Fatal(err)
	}
	res, err := b.Run(context.Background(), sandbox.RunRequest{AttemptID: "attempt-1", Packet: pkt})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != sandbox.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", res.Outcome)
	}

	var report Report
	if err := json.Unmarshal(res.Report, &report); err != nil {
		t.Fatal(err)
	}
	if report.Compiled {
		t.Fatal("report marked compiled after failing compile")
	}
	if report.InputPass+report.InputFail+report.CrashPass+report.CrashFail != 0 {
		t.Fatalf("tests were counted despite compile failure: %+v", report)
	}
	if got := len(eng.calls); got != 1 {
		t.Fatalf("engine ran %d steps, want compile only", got)
	}
}

func TestBaselineTimeoutCountsAgainstInputTests(t *testing.T) {
	t.Parallel()

	pkt := loadTestPacket(t, map[string]string{"a.txt": "1"}, map[string]string{"x.txt": "9"})
	eng := &fakeEngine{}
	eng.run = compileAndTouch(t, func(rs spec.RunSpec) engine.RunOutput {
		// A hung run is killed at the wall limit with no clean exit.
		return engine.RunOutput{ExitCode: -1, TimedOut: true}
	})

	b, err := NewBaseline(Config{Engine: eng})
	if err != nil {
		t.Fatal(err)
	}
	res, err := b.Run(context.Background(), sandbox.RunRequest{AttemptID: "attempt-1", Packet: pkt})
	if err != nil {
		t.Fatal(err)
	}

	var report Report
	if err := json.Unmarshal(res.Report, &report); err != nil {
		t.Fatal(err)
	}
	if report.InputPass != 0 || report.InputFail != 1 {
		t.Fatalf("input counts = %d/%d, want 0 pass 1 fail", report.InputPass, report.InputFail)
	}
	if report.CrashPass != 1 {
		t.Fatalf("hung crash test should count as a pass, got %+v", report)
	}
}

func TestBaselineMissingBinaryIsAnalysisError(t *testing.T) {
	t.Parallel()

	pkt := loadTestPacket(t, map[string]string{"a.txt": "1"}, map[string]string{})
	eng := &fakeEngine{run: func(rs spec.RunSpec) (engine.RunOutput, error) {
		return engine.RunOutput{ExitCode: 0}, nil
	}}

	b, err := NewBaseline(Config{Engine: eng})
	if err != nil {
		t.Fatal(err)
	}
	res, err := b.Run(context.Background(), sandbox.RunRequest{AttemptID: "attempt-1", Packet: pkt})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != sandbox.OutcomeAnalysisError {
		t.Fatalf("outcome = %v, want analysis error", res.Outcome)
	}
	if res.Message == "" {
		t.Fatal("analysis error carries no message")
	}
}

func TestBaselineReclaimsWorkspace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		run  func(t *testing.T) func(rs spec.RunSpec) (engine.RunOutput, error)
	}{
		{
			name: "after success",
			run: func(t *testing.T) func(rs spec.RunSpec) (engine.RunOutput, error) {
				return compileAndTouch(t, func(rs spec.RunSpec) engine.RunOutput {
					return engine.RunOutput{ExitCode: 0}
				})
			},
		},
		{
			name: "after compile failure",
			run: func(t *testing.T) func(rs spec.RunSpec) (engine.RunOutput, error) {
				return func(rs spec.RunSpec) (engine.RunOutput, error) {
					return engine.RunOutput{ExitCode: 1}, nil
				}
			},
		},
		{
			name: "after engine failure",
			run: func(t *testing.T) func(rs spec.RunSpec) (engine.RunOutput, error) {
				return func(rs spec.RunSpec) (engine.RunOutput, error) {
					return engine.RunOutput{}, errors.New("cgroup gone")
				}
			},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pkt := loadTestPacket(t, map[string]string{"a.txt": "1"}, map[string]string{})
			b, err := NewBaseline(Config{Engine: &fakeEngine{run: tc.run(t)}})
			if err != nil {
				t.Fatal(err)
			}
			b.Run(context.Background(), sandbox.RunRequest{AttemptID: "attempt-1", Packet: pkt})

			wks := filepath.Join(pkt.Dir, "output", "attempt-1")
			if _, err := os.Stat(wks); !os.IsNotExist(err) {
				t.Fatalf("workspace %s survived the attempt", wks)
			}
		})
	}
}

func TestBaselineEngineFailurePropagates(t *testing.T) {
	t.Parallel()

	pkt := loadTestPacket(t, map[string]string{"a.txt": "1"}, map[string]string{})
	engineErr := errors.New("create cgroup: permission denied")
	eng := &fakeEngine{run: func(rs spec.RunSpec) (engine.RunOutput, error) {
		return engine.RunOutput{}, engineErr
	}}

	b, err := NewBaseline(Config{Engine: eng})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background(), sandbox.RunRequest{AttemptID: "attempt-1", Packet: pkt}); !errors.Is(err, engineErr) {
		t.Fatalf("err = %v, want wrapped engine error", err)
	}
}

func TestBaselineWiresStdinAndWorkdir(t *testing.T) {
	t.Parallel()

	pkt := loadTestPacket(t, map[string]string{"a.txt": "1"}, map[string]string{})
	eng := &fakeEngine{}
	eng.run = compileAndTouch(t, func(rs spec.RunSpec) engine.RunOutput {
		return engine.RunOutput{ExitCode: 0}
	})

	b, err := NewBaseline(Config{Engine: eng, CompileCommand: "cc -g {program} -o {binary}"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background(), sandbox.RunRequest{AttemptID: "attempt-7", Packet: pkt}); err != nil {
		t.Fatal(err)
	}

	compiles := eng.stepCalls(stepCompile)
	if len(compiles) != 1 {
		t.Fatalf("compile steps = %d, want 1", len(compiles))
	}
	if compiles[0].Cmd[0] != "cc" || compiles[0].Cmd[2] != pkt.Program {
		t.Fatalf("compile cmd = %v, want program path substituted", compiles[0].Cmd)
	}

	inputs := eng.stepCalls("input-")
	if len(inputs) != 1 {
		t.Fatalf("input steps = %d, want 1", len(inputs))
	}
	if inputs[0].StdinPath != pkt.InputTests[0].Path {
		t.Fatalf("stdin = %q, want %q", inputs[0].StdinPath, pkt.InputTests[0].Path)
	}
	if inputs[0].WorkDir != pkt.Dir {
		t.Fatalf("workdir = %q, want packet dir %q", inputs[0].WorkDir, pkt.Dir)
	}
	if inputs[0].AttemptID != "attempt-7" {
		t.Fatalf("attempt id = %q", inputs[0].AttemptID)
	}
}
