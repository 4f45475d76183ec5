//go:build linux

package engine

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"gradelab/internal/grader/sandbox/spec"
)

func TestValidateRunSpec(t *testing.T) {
	t.Parallel()

	valid := spec.RunSpec{
		AttemptID: "attempt-1",
		Step:      "compile",
		WorkDir:   "/tmp/wk",
		Cmd:       []string{"/bin/true"},
	}

	tests := []struct {
		name   string
		mutate func(rs *spec.RunSpec)
		wantOK bool
	}{
		{"valid", func(rs *spec.RunSpec) {}, true},
		{"missing attempt id", func(rs *spec.RunSpec) { rs.AttemptID = "" }, false},
		{"missing step", func(rs *spec.RunSpec) { rs.Step = "" }, false},
		{"missing workdir", func(rs *spec.RunSpec) { rs.WorkDir = "" }, false},
		{"missing command", func(rs *spec.RunSpec) { rs.Cmd = nil }, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := valid
			tt.mutate(&rs)
			err := validateRunSpec(rs)
			if (err == nil) != tt.wantOK {
				t.Fatalf("validateRunSpec() = %v, want ok=%v", err, tt.wantOK)
			}
		})
	}
}

func TestResolveHostPath(t *testing.T) {
	t.Parallel()

	rs := spec.RunSpec{
		BindMounts: []spec.MountSpec{
			{Source: "/host/data", Target: "/box"},
			{Source: "/host/deep", Target: "/box/nested"},
		},
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"unmapped path passes through", "/var/log/x", "/var/log/x"},
		{"mapped via mount", "/box/out.txt", "/host/data/out.txt"},
		{"longest target wins", "/box/nested/out.txt", "/host/deep/out.txt"},
		{"empty path", "", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := resolveHostPath(tt.path, rs); got != tt.want {
				t.Fatalf("resolveHostPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestBuildSysProcAttr(t *testing.T) {
	t.Parallel()

	plain := buildSysProcAttr(spec.Isolation{}, false)
	if !plain.Setpgid {
		t.Fatal("process group not requested")
	}
	if plain.Cloneflags != 0 {
		t.Fatalf("namespaces disabled but cloneflags = %x", plain.Cloneflags)
	}

	isolated := buildSysProcAttr(spec.Isolation{DisableNetwork: true}, true)
	wantFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET | syscall.CLONE_NEWUSER)
	if isolated.Cloneflags != wantFlags {
		t.Fatalf("cloneflags = %x, want %x", isolated.Cloneflags, wantFlags)
	}
	if len(isolated.UidMappings) != 1 || isolated.UidMappings[0].HostID != os.Getuid() {
		t.Fatalf("uid mappings = %+v", isolated.UidMappings)
	}

	networked := buildSysProcAttr(spec.Isolation{DisableNetwork: false}, true)
	if networked.Cloneflags&syscall.CLONE_NEWNET != 0 {
		t.Fatal("network namespace requested with networking allowed")
	}
}

func TestApplyCgroupLimits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	limits := spec.ResourceLimit{MemoryMB: 16, PIDs: 5}
	if err := (&runCgroup{path: dir}).applyLimits(limits); err != nil {
		t.Fatal(err)
	}

	read := func(name string) string {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}
	if got := read("pids.max"); got != "5" {
		t.Fatalf("pids.max = %q", got)
	}
	if got := read("memory.max"); got != "16777216" {
		t.Fatalf("memory.max = %q", got)
	}
	if got := read("cpu.max"); got != "max 100000" {
		t.Fatalf("cpu.max = %q", got)
	}

	unlimited := t.TempDir()
	if err := (&runCgroup{path: unlimited}).applyLimits(spec.ResourceLimit{}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(unlimited, "pids.max"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "max" {
		t.Fatalf("unlimited pids.max = %q", data)
	}
	if _, err := os.Stat(filepath.Join(unlimited, "memory.max")); !os.IsNotExist(err) {
		t.Fatal("memory.max written without a memory limit")
	}
}

func TestOomKilled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	events := "low 0\nhigh 2\nmax 1\noom 1\noom_kill 1\n"
	if err := os.WriteFile(filepath.Join(dir, "memory.events"), []byte(events), 0o644); err != nil {
		t.Fatal(err)
	}
	if !(&runCgroup{path: dir}).OomKilled() {
		t.Fatal("oom_kill 1 not detected")
	}

	calm := t.TempDir()
	if err := os.WriteFile(filepath.Join(calm, "memory.events"), []byte("oom_kill 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if (&runCgroup{path: calm}).OomKilled() {
		t.Fatal("false oom report")
	}
	var disabled *runCgroup
	if disabled.OomKilled() {
		t.Fatal("oom reported with no cgroup")
	}
}

func TestOpenRunCgroupRequiresRoot(t *testing.T) {
	t.Parallel()

	if _, err := openRunCgroup("", "attempt-1", "compile", spec.ResourceLimit{}); err == nil {
		t.Fatal("empty cgroup root accepted")
	}

	root := t.TempDir()
	cg, err := openRunCgroup(root, "attempt-1", "compile", spec.ResourceLimit{PIDs: 8})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cg.path); err != nil {
		t.Fatalf("cgroup dir missing: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(cg.path, "pids.max")); err != nil || string(data) != "8" {
		t.Fatalf("pids.max = %q, %v", data, err)
	}
	cg.Remove()
	if _, err := os.Stat(cg.path); !os.IsNotExist(err) {
		t.Fatal("remove left the cgroup dir behind")
	}

	var disabled *runCgroup
	disabled.Remove()
	disabled.Kill()
	if err := disabled.AddProcess(1); err != nil {
		t.Fatalf("nil cgroup AddProcess = %v", err)
	}
}
