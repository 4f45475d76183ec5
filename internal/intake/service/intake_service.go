// Package service implements submission intake: archive extraction, packet
// validation, content hashing and admission into the grading queue.
package service

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gradelab/internal/common/cache"
	"gradelab/internal/common/storage"
	"gradelab/internal/grader/sandbox"
	"gradelab/internal/intake/packet"
	"gradelab/internal/intake/repository"
	"gradelab/internal/scheduler/model"
	schedsvc "gradelab/internal/scheduler/service"
	appErr "gradelab/pkg/errors"
	"gradelab/pkg/utils/logger"
)

const (
	defaultRawBucket     = "packets"
	defaultTrialDeadline = 2 * time.Minute

	rawObjectName  = "packet.zip"
	rawContentType = "application/zip"

	retainLockPrefix = "intake:retain:"
	retainLockTTL    = time.Minute
)

// Config holds intake service dependencies and settings.
type Config struct {
	Scheduler *schedsvc.Scheduler
	Store     *repository.PacketStore

	// Storage, when set, retains the raw uploaded archive per hash.
	Storage   storage.ObjectStorage
	RawBucket string

	// Cache, when set, guards raw retention with a per-hash lock so
	// concurrent identical uploads do not all push the same archive.
	Cache cache.Cache

	// Runner, when set, enables trial submissions that grade immediately
	// without entering the queue.
	Runner        sandbox.Runner
	TrialDeadline time.Duration

	// InterfaceHeader, when non-empty, replaces any interface.h the
	// submitter shipped. The replacement happens after hashing so the
	// pinned copy never influences identity.
	InterfaceHeader []byte

	StagingDir string
}

// SubmitOutcome reports what admission decided for one upload.
type SubmitOutcome struct {
	Hash      string
	Duplicate bool
	Record    *model.Record
}

// IntakeService validates uploads and admits them for grading.
type IntakeService struct {
	scheduler       *schedsvc.Scheduler
	store           *repository.PacketStore
	storage         storage.ObjectStorage
	rawBucket       string
	cache           cache.Cache
	runner          sandbox.Runner
	trialDeadline   time.Duration
	interfaceHeader []byte
	stagingDir      string
}

// NewIntakeService creates an intake service from cfg.
func NewIntakeService(cfg Config) (*IntakeService, error) {
	if cfg.Scheduler == nil {
		return nil, appErr.Newf(appErr.InternalServerError, "scheduler is required")
	}
	if cfg.Store == nil {
		return nil, appErr.Newf(appErr.InternalServerError, "packet store is required")
	}
	if cfg.RawBucket == "" {
		cfg.RawBucket = defaultRawBucket
	}
	if cfg.TrialDeadline <= 0 {
		cfg.TrialDeadline = defaultTrialDeadline
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	return &IntakeService{
		scheduler:       cfg.Scheduler,
		store:           cfg.Store,
		storage:         cfg.Storage,
		rawBucket:       cfg.RawBucket,
		cache:           cfg.Cache,
		runner:          cfg.Runner,
		trialDeadline:   cfg.TrialDeadline,
		interfaceHeader: cfg.InterfaceHeader,
		stagingDir:      cfg.StagingDir,
	}, nil
}

// Submit extracts, validates and admits one uploaded archive. Malformed
// archives and malformed packets are rejected without touching the queue.
// Re-uploads of known content return the existing record.
func (s *IntakeService) Submit(ctx context.Context, raw []byte) (SubmitOutcome, error) {
	pkt, staging, err := s.extract(raw)
	if err != nil {
		return SubmitOutcome{}, err
	}

	if _, err := s.store.Install(staging, pkt.Hash); err != nil {
		_ = os.RemoveAll(staging)
		return SubmitOutcome{}, err
	}

	s.retainRaw(ctx, pkt.Hash, raw)

	outcome, record, err := s.scheduler.Admit(ctx, pkt.Hash)
	if err != nil {
		return SubmitOutcome{}, err
	}
	return SubmitOutcome{
		Hash:      pkt.Hash,
		Duplicate: outcome == schedsvc.OutcomeDuplicate,
		Record:    record,
	}, nil
}

// Trial grades an upload immediately, bypassing admission. Nothing is
// recorded and nothing is retained, so trial runs never deduplicate and
// never occupy a queue slot.
func (s *IntakeService) Trial(ctx context.Context, raw []byte) (sandbox.RunResult, error) {
	if s.runner == nil {
		return sandbox.RunResult{}, appErr.Newf(appErr.InvalidParams, "trial submissions are not enabled")
	}

	pkt, staging, err := s.extract(raw)
	if err != nil {
		return sandbox.RunResult{}, err
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.trialDeadline)
	defer cancel()
	res, err := s.runner.Run(runCtx, sandbox.RunRequest{AttemptID: uuid.NewString(), Packet: pkt})
	if err != nil {
		return sandbox.RunResult{}, appErr.Wrapf(err, appErr.InternalServerError, "trial run failed")
	}
	return res, nil
}

// extract unpacks raw into a fresh staging directory and validates it as a
// packet. The caller owns the staging directory on success.
func (s *IntakeService) extract(raw []byte) (*packet.Packet, string, error) {
	staging, err := os.MkdirTemp(s.stagingDir, "packet-*")
	if err != nil {
		return nil, "", appErr.Wrapf(err, appErr.InternalServerError, "create staging directory failed")
	}

	if err := packet.ExtractArchive(raw, staging); err != nil {
		_ = os.RemoveAll(staging)
		return nil, "", err
	}
	pkt, err := packet.Load(staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, "", err
	}
	if err := pkt.PinInterface(s.interfaceHeader); err != nil {
		_ = os.RemoveAll(staging)
		return nil, "", err
	}
	return pkt, staging, nil
}

func (s *IntakeService) retainRaw(ctx context.Context, hash string, raw []byte) {
	if s.storage == nil {
		return
	}
	if s.cache != nil {
		acquired, err := s.cache.TryLock(ctx, retainLockPrefix+hash, retainLockTTL)
		if err != nil {
			logger.Warn(ctx, "retention lock failed", zap.String("hash", hash), zap.Error(err))
		} else if !acquired {
			// Another upload of the same content is already retaining it.
			return
		} else {
			defer func() {
				_ = s.cache.Unlock(ctx, retainLockPrefix+hash)
			}()
		}
	}
	key := hash + "/" + rawObjectName
	if _, err := s.storage.StatObject(ctx, s.rawBucket, key); err == nil {
		return
	}
	if err := s.storage.PutObject(ctx, s.rawBucket, key, bytes.NewReader(raw), int64(len(raw)), rawContentType); err != nil {
		logger.Warn(ctx, "retain raw packet failed", zap.String("hash", hash), zap.Error(err))
	}
}
