//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"gradelab/internal/grader/sandbox/spec"
	"gradelab/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultStdoutStderrMaxBytes int64 = 64 * 1024
)

type linuxEngine struct {
	cfg Config
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config) (Engine, error) {
	if cfg.StdoutStderrMaxBytes <= 0 {
		cfg.StdoutStderrMaxBytes = defaultStdoutStderrMaxBytes
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.Isolation.SeccompProfile != "" && !filepath.IsAbs(cfg.Isolation.SeccompProfile) {
		abs, err := filepath.Abs(cfg.Isolation.SeccompProfile)
		if err != nil {
			return nil, fmt.Errorf("resolve seccomp profile: %w", err)
		}
		cfg.Isolation.SeccompProfile = abs
	}
	return &linuxEngine{cfg: cfg}, nil
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (RunOutput, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return RunOutput{}, err
	}

	var cg *runCgroup
	if e.cfg.EnableCgroup {
		var err error
		cg, err = openRunCgroup(e.cfg.CgroupRoot, runSpec.AttemptID, runSpec.Step, runSpec.Limits)
		if err != nil {
			return RunOutput{}, fmt.Errorf("create cgroup: %w", err)
		}
	}
	defer cg.Remove()

	initReq := initRequest{
		RunSpec:       runSpec,
		Isolation:     e.cfg.Isolation,
		EnableSeccomp: e.cfg.EnableSeccomp,
		EnableNs:      e.cfg.EnableNamespaces,
	}

	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return RunOutput{}, fmt.Errorf("encode init request: %w", err)
	}
	defer stdinPipe.Close()

	cmd := exec.CommandContext(ctx, e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(e.cfg.Isolation, e.cfg.EnableNamespaces)
	cmd.Stdin = stdinPipe

	var helperStderr bytes.Buffer
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunOutput{}, fmt.Errorf("start helper: %w", err)
	}

	if err := cg.AddProcess(cmd.Process.Pid); err != nil {
		logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cg.path), zap.Error(err))
	}

	var timedOut atomic.Bool
	killCtx, cancelKill := context.WithCancel(ctx)
	defer cancelKill()

	done := make(chan struct{})
	go func() {
		wallLimit := durationFromMs(runSpec.Limits.WallTimeMs)
		var wallTimer <-chan time.Time
		if wallLimit > 0 {
			wallTimer = time.After(wallLimit)
		}
		select {
		case <-killCtx.Done():
			e.killRun(cmd.Process.Pid, cg)
		case <-wallTimer:
			timedOut.Store(true)
			e.killRun(cmd.Process.Pid, cg)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	if waitErr != nil && helperStderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper failed", zap.String("stderr", helperStderr.String()))
	}

	stdoutPath := resolveHostPath(runSpec.StdoutPath, runSpec)
	stderrPath := resolveHostPath(runSpec.StderrPath, runSpec)
	out := RunOutput{
		ExitCode:   exitCodeFromErr(waitErr, cmd.ProcessState),
		TimedOut:   timedOut.Load(),
		OomKilled:  cg.OomKilled(),
		CPUTimeMs:  cpuTimeMs(cmd.ProcessState),
		WallTimeMs: time.Since(start).Milliseconds(),
		MemoryKB:   cg.PeakMemoryKB(cmd.ProcessState),
		OutputKB:   stdoutSizeKB(stdoutPath),
		Stdout:     readLimitedFile(stdoutPath, e.cfg.StdoutStderrMaxBytes),
		Stderr:     readLimitedFile(stderrPath, e.cfg.StdoutStderrMaxBytes),
	}

	if out.TimedOut && out.ExitCode == 0 {
		out.ExitCode = -1
	}
	if waitErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
	}

	return out, nil
}

// killRun tears the run down hard: the whole process group first, then
// every process still registered in the run cgroup.
func (e *linuxEngine) killRun(pid int, cg *runCgroup) {
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	cg.Kill()
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.AttemptID == "" {
		return fmt.Errorf("attempt id is required")
	}
	if runSpec.Step == "" {
		return fmt.Errorf("step is required")
	}
	if runSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(runSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	return nil
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(iso spec.Isolation, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if iso.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
