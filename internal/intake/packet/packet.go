package packet

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/sha3"

	appErr "gradelab/pkg/errors"
)

const (
	programName     = "main.c"
	interfaceName   = "interface.h"
	inputDirName    = "input"
	crashDirName    = "crash"
	workspaceDir    = "output"
	MaxProgramBytes = 256 << 10
	MaxTestBytes    = 1 << 10
)

// hash domain separators, one per content class
var (
	domainCode  = []byte("code")
	domainInput = []byte("input")
	domainCrash = []byte("crash")
)

// allowedEntries lists the top-level names a packet may contain.
var allowedEntries = map[string]bool{
	programName:   true,
	interfaceName: true,
	inputDirName:  true,
	crashDirName:  true,
	"README":      true,
	"README.md":   true,
	"README.txt":  true,
	"README.pdf":  true,
}

// TestFile is one test case inside a packet.
type TestFile struct {
	Name string
	Path string
}

// Packet is a validated submission laid out on disk.
//
// The content hash covers the program and the test files under stable domain
// separation and sorted names, so two archives with identical logical content
// hash identically regardless of entry order or timestamps. The interface
// header and README files are excluded from the hash.
type Packet struct {
	Hash       string
	Dir        string
	Program    string
	InputTests []TestFile
	CrashTests []TestFile
}

// Load validates the extracted packet layout under dir and computes its
// content hash.
func Load(dir string) (*Packet, error) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "resolve packet directory failed")
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "read packet directory failed")
	}
	for _, entry := range entries {
		if !allowedEntries[entry.Name()] {
			return nil, appErr.Newf(appErr.PacketEntryUnrecognized, "unrecognized item: %s", entry.Name())
		}
	}

	hasher := sha3.New256()

	program := filepath.Join(base, programName)
	info, err := os.Stat(program)
	if err != nil || info.IsDir() {
		return nil, appErr.Newf(appErr.PacketProgramMissing, "%s is missing", programName)
	}
	if info.Size() > MaxProgramBytes {
		return nil, appErr.Newf(appErr.PacketProgramTooLarge, "%s is too big", programName)
	}
	hasher.Write(domainCode)
	if err := hashFile(hasher, program); err != nil {
		return nil, err
	}

	inputTests, err := loadTests(base, inputDirName)
	if err != nil {
		return nil, err
	}
	for _, test := range inputTests {
		hasher.Write(domainInput)
		hasher.Write([]byte(test.Name))
		if err := hashFile(hasher, test.Path); err != nil {
			return nil, err
		}
	}

	crashTests, err := loadTests(base, crashDirName)
	if err != nil {
		return nil, err
	}
	for _, test := range crashTests {
		hasher.Write(domainCrash)
		hasher.Write([]byte(test.Name))
		if err := hashFile(hasher, test.Path); err != nil {
			return nil, err
		}
	}

	return &Packet{
		Hash:       hex.EncodeToString(hasher.Sum(nil)),
		Dir:        base,
		Program:    program,
		InputTests: inputTests,
		CrashTests: crashTests,
	}, nil
}

// PinInterface overwrites the packet's interface header with the given
// content so submissions cannot smuggle their own declarations past the
// analysis.
func (p *Packet) PinInterface(content []byte) error {
	if len(content) == 0 {
		return nil
	}
	target := filepath.Join(p.Dir, interfaceName)
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "write interface header failed")
	}
	return nil
}

// MakeWorkspace creates a fresh per-run workspace under the packet directory,
// removing any leftover from a previous run with the same name.
func (p *Packet) MakeWorkspace(name string) (string, error) {
	root := filepath.Join(p.Dir, workspaceDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "create workspace root failed")
	}
	path := filepath.Join(root, name)
	if err := os.RemoveAll(path); err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "clear workspace failed")
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "create workspace failed")
	}
	return path, nil
}

func loadTests(base, sub string) ([]TestFile, error) {
	dir := filepath.Join(base, sub)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, appErr.Newf(appErr.PacketTestsMissing, "%s/ is missing", sub)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "read tests directory failed")
	}

	tests := make([]TestFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			return nil, appErr.Newf(appErr.PacketEntryUnrecognized, "%s/%s is invalid", sub, name)
		}
		fi, err := entry.Info()
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InternalServerError, "stat test file failed")
		}
		if fi.Size() > MaxTestBytes {
			return nil, appErr.Newf(appErr.PacketTestTooLarge, "%s/%s is too big", sub, name)
		}
		tests = append(tests, TestFile{Name: name, Path: filepath.Join(dir, name)})
	}

	sort.Slice(tests, func(i, j int) bool { return tests[i].Name < tests[j].Name })
	return tests, nil
}

func hashFile(w io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "open file for hashing failed")
	}
	defer file.Close()
	if _, err := io.Copy(w, file); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "hash file content failed")
	}
	return nil
}
