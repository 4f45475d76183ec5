package repository

import (
	"os"
	"path/filepath"

	appErr "gradelab/pkg/errors"

	"gradelab/internal/intake/packet"
)

// PacketStore keeps extracted packets on disk, one directory per content
// hash. Graders read packets from here long after intake returns.
type PacketStore struct {
	root string
}

// NewPacketStore creates the store rooted at root, creating it if needed.
func NewPacketStore(root string) (*PacketStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "resolve packet store root failed")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create packet store root failed")
	}
	return &PacketStore{root: abs}, nil
}

// Dir returns the directory a packet with the given hash occupies.
func (s *PacketStore) Dir(hash string) string {
	return filepath.Join(s.root, hash)
}

// Install moves an extracted staging directory into place under its hash.
// If the hash is already installed the staging copy is discarded, which
// makes concurrent installs of the same content converge.
func (s *PacketStore) Install(stagingDir, hash string) (string, error) {
	dst := s.Dir(hash)
	if _, err := os.Stat(dst); err == nil {
		_ = os.RemoveAll(stagingDir)
		return dst, nil
	}
	if err := os.Rename(stagingDir, dst); err != nil {
		if _, statErr := os.Stat(dst); statErr == nil {
			_ = os.RemoveAll(stagingDir)
			return dst, nil
		}
		return "", appErr.Wrapf(err, appErr.InternalServerError, "install packet failed")
	}
	return dst, nil
}

// Get loads the installed packet for hash.
func (s *PacketStore) Get(hash string) (*packet.Packet, error) {
	dir := s.Dir(hash)
	if _, err := os.Stat(dir); err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionNotFound, "packet %s is not installed", hash)
	}
	return packet.Load(dir)
}
