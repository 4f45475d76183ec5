//go:build linux

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gradelab/internal/grader/sandbox/spec"
)

// runCgroup is the cgroup v2 directory owning one sandbox step. A nil
// receiver means cgroups are disabled; every method degrades to a no-op.
type runCgroup struct {
	path string
}

// openRunCgroup creates a fresh cgroup for one step and applies its limits.
// The caller removes it with Remove once the step is torn down.
func openRunCgroup(root, attemptID, step string, limits spec.ResourceLimit) (*runCgroup, error) {
	if root == "" {
		return nil, fmt.Errorf("cgroup root is required")
	}
	dir := filepath.Join(root, attemptID, fmt.Sprintf("%s-%d", step, time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create cgroup path: %w", err)
	}
	cg := &runCgroup{path: dir}
	if err := cg.applyLimits(limits); err != nil {
		cg.Remove()
		return nil, fmt.Errorf("apply cgroup limits: %w", err)
	}
	return cg, nil
}

func (c *runCgroup) applyLimits(limits spec.ResourceLimit) error {
	pids := "max"
	if limits.PIDs > 0 {
		pids = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := c.write("pids.max", pids); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := c.write("memory.max", strconv.FormatInt(limits.MemoryMB<<20, 10)); err != nil {
			return err
		}
	}
	return c.write("cpu.max", "max 100000")
}

// AddProcess moves pid into the cgroup so descendants inherit the limits.
func (c *runCgroup) AddProcess(pid int) error {
	if c == nil {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// Kill flips cgroup.kill, taking down every process in the group at once.
func (c *runCgroup) Kill() {
	if c == nil {
		return
	}
	if _, err := os.Stat(filepath.Join(c.path, "cgroup.kill")); err != nil {
		return
	}
	_ = c.write("cgroup.kill", "1")
}

// OomKilled reports whether the kernel OOM killer fired inside the group.
func (c *runCgroup) OomKilled() bool {
	if c == nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

// PeakMemoryKB prefers the group's high-water mark and falls back to the
// wait4 rusage when the kernel does not expose memory.peak.
func (c *runCgroup) PeakMemoryKB(state *os.ProcessState) int64 {
	if c != nil {
		if data, err := os.ReadFile(filepath.Join(c.path, "memory.peak")); err == nil {
			if val, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && val > 0 {
				return val / 1024
			}
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

func (c *runCgroup) Remove() {
	if c == nil {
		return
	}
	_ = os.RemoveAll(c.path)
}

func (c *runCgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0640)
}
