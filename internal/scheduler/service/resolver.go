package service

import (
	"context"
	"encoding/json"
	"time"

	"gradelab/internal/common/cache"
	"gradelab/internal/scheduler/model"
	"gradelab/internal/scheduler/repository"
	appErr "gradelab/pkg/errors"
)

// Status is the externally visible lifecycle state of a submission.
type Status string

const (
	StatusNotFound  Status = "not_found"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StatusView is the read-only projection served to submitters.
type StatusView struct {
	Status Status `json:"status"`

	// Position is the advisory 1-based queue rank, present only while queued.
	Position int `json:"position,omitempty"`

	Result  json.RawMessage `json:"result,omitempty"`
	Failure *model.Failure  `json:"failure,omitempty"`
}

// ResolverConfig configures the status resolver.
type ResolverConfig struct {
	Scheduler *Scheduler

	// Archive is the fallback for hashes the scheduler no longer holds.
	// Optional.
	Archive repository.Archive

	// Cache fronts archive lookups. Optional, used only with Archive.
	Cache    cache.Cache
	CacheTTL time.Duration
}

// Resolver answers status queries. It never mutates scheduler state.
type Resolver struct {
	scheduler *Scheduler
	archive   repository.Archive
	cache     cache.Cache
	cacheTTL  time.Duration
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Scheduler == nil {
		return nil, appErr.Newf(appErr.InvalidParams, "scheduler is required")
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Resolver{
		scheduler: cfg.Scheduler,
		archive:   cfg.Archive,
		cache:     cfg.Cache,
		cacheTTL:  ttl,
	}, nil
}

// Status resolves the view for a hash. State is read first and the queue
// position only applies when the state was queued at read time, so a caller
// never sees a position attached to a non-queued state.
func (r *Resolver) Status(ctx context.Context, hash string) (StatusView, error) {
	if hash == "" {
		return StatusView{}, appErr.Newf(appErr.InvalidParams, "hash is required")
	}

	if record, position, ok := r.scheduler.Lookup(hash); ok {
		return viewOf(record, position), nil
	}

	if r.archive == nil {
		return StatusView{Status: StatusNotFound}, nil
	}

	record, err := r.archivedRecord(ctx, hash)
	if err != nil {
		return StatusView{}, err
	}
	if record == nil {
		return StatusView{Status: StatusNotFound}, nil
	}
	return viewOf(record, 0), nil
}

func (r *Resolver) archivedRecord(ctx context.Context, hash string) (*model.Record, error) {
	if r.cache == nil {
		return r.archive.GetByHash(ctx, hash)
	}
	return cache.GetWithCached(ctx, r.cache, "grade:archive:"+hash,
		cache.JitterTTL(r.cacheTTL), 5*time.Minute,
		func(rec *model.Record) bool { return rec == nil },
		func(rec *model.Record) string {
			data, _ := rec.Marshal()
			return data
		},
		model.UnmarshalRecord,
		func(ctx context.Context) (*model.Record, error) {
			return r.archive.GetByHash(ctx, hash)
		})
}

func viewOf(record *model.Record, position int) StatusView {
	switch record.State {
	case model.StateQueued:
		return StatusView{Status: StatusQueued, Position: position}
	case model.StateRunning:
		return StatusView{Status: StatusRunning}
	case model.StateCompleted:
		return StatusView{Status: StatusCompleted, Result: record.Result}
	case model.StateFailed:
		return StatusView{Status: StatusFailed, Failure: record.Failure}
	default:
		return StatusView{Status: StatusNotFound}
	}
}
