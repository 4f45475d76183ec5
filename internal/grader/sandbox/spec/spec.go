// Package spec defines the execution specification shared by the sandbox
// engine and its init helper.
package spec

// ResourceLimit describes hard limits enforced on one sandboxed process.
type ResourceLimit struct {
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryMB   int64
	StackMB    int64
	OutputMB   int64
	PIDs       int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Isolation describes namespace, rootfs and seccomp settings.
type Isolation struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
}

// RunSpec is the execution specification for one sandboxed step.
type RunSpec struct {
	AttemptID  string
	Step       string
	WorkDir    string
	Cmd        []string
	Env        []string
	StdinPath  string
	StdoutPath string
	StderrPath string
	BindMounts []MountSpec
	Limits     ResourceLimit
}
