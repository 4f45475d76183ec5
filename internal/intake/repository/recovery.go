package repository

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"gradelab/internal/common/storage"
	"gradelab/internal/intake/packet"
	appErr "gradelab/pkg/errors"
	"gradelab/pkg/utils/logger"
)

const rawObjectName = "packet.zip"

// RecoveringSourceConfig wires a RecoveringSource. Store is required;
// Storage is optional and disables recovery when nil.
type RecoveringSourceConfig struct {
	Store     *PacketStore
	Storage   storage.ObjectStorage
	RawBucket string

	// InterfaceHeader is pinned onto recovered packets the same way intake
	// pins it on upload.
	InterfaceHeader []byte

	StagingDir string
}

// RecoveringSource resolves hashes against the local packet store and falls
// back to the retained raw archive in object storage. The fallback covers a
// node whose journal restored queued work but whose packet directories are
// gone.
type RecoveringSource struct {
	store           *PacketStore
	storage         storage.ObjectStorage
	rawBucket       string
	interfaceHeader []byte
	stagingDir      string
}

// NewRecoveringSource creates a recovering packet source.
func NewRecoveringSource(cfg RecoveringSourceConfig) (*RecoveringSource, error) {
	if cfg.Store == nil {
		return nil, appErr.Newf(appErr.InvalidParams, "packet store is required")
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	return &RecoveringSource{
		store:           cfg.Store,
		storage:         cfg.Storage,
		rawBucket:       cfg.RawBucket,
		interfaceHeader: cfg.InterfaceHeader,
		stagingDir:      cfg.StagingDir,
	}, nil
}

// Get loads the packet for hash, re-extracting it from the retained raw
// archive when the local copy is missing.
func (s *RecoveringSource) Get(ctx context.Context, hash string) (*packet.Packet, error) {
	pkt, err := s.store.Get(hash)
	if err == nil {
		return pkt, nil
	}
	if s.storage == nil || !appErr.Is(err, appErr.SubmissionNotFound) {
		return nil, err
	}
	return s.recover(ctx, hash)
}

func (s *RecoveringSource) recover(ctx context.Context, hash string) (*packet.Packet, error) {
	key := hash + "/" + rawObjectName
	obj, err := s.storage.GetObject(ctx, s.rawBucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionNotFound, "packet %s has no retained archive", hash)
	}
	defer obj.Close()

	raw, err := io.ReadAll(io.LimitReader(obj, packet.MaxArchiveBytes+1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "read retained archive failed")
	}

	staging, err := os.MkdirTemp(s.stagingDir, "packet-*")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create staging directory failed")
	}
	if err := packet.ExtractArchive(raw, staging); err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}
	pkt, err := packet.Load(staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}
	if pkt.Hash != hash {
		_ = os.RemoveAll(staging)
		// The retained object can never satisfy this key again.
		if err := s.storage.RemoveObjects(ctx, s.rawBucket, []string{key}); err != nil {
			logger.Warn(ctx, "remove mismatched archive failed", zap.String("hash", hash), zap.Error(err))
		}
		return nil, appErr.Newf(appErr.SubmissionNotFound, "retained archive for %s hashes to %s", hash, pkt.Hash)
	}
	if err := pkt.PinInterface(s.interfaceHeader); err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}

	if _, err := s.store.Install(staging, hash); err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}
	logger.Info(ctx, "recovered packet from retained archive", zap.String("hash", hash))
	return s.store.Get(hash)
}
