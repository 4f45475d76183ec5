package repository

import (
	"context"

	"gradelab/internal/common/cache"
	"gradelab/internal/scheduler/model"
	appErr "gradelab/pkg/errors"
	"gradelab/pkg/utils/logger"

	"go.uber.org/zap"
)

// Journal persists submission records and pending queue entries so the
// scheduler can rebuild its state after a restart.
type Journal interface {
	// SaveRecord upserts the record keyed by its hash.
	SaveRecord(ctx context.Context, record *model.Record) error

	// EnqueueEntry marks the hash as pending.
	EnqueueEntry(ctx context.Context, entry model.QueueEntry) error

	// RemoveEntry clears the pending marker for the hash.
	RemoveEntry(ctx context.Context, hash string) error

	// Load returns all records and the pending entries in dispatch order.
	Load(ctx context.Context) ([]*model.Record, []model.QueueEntry, error)
}

// RedisJournalConfig configures the Redis-backed journal.
type RedisJournalConfig struct {
	Cache cache.Cache

	// KeyPrefix namespaces the journal keys. Defaults to "grade".
	KeyPrefix string
}

// RedisJournal implements Journal on a Redis hash plus a sorted set scored by
// enqueue time.
type RedisJournal struct {
	cache      cache.Cache
	recordsKey string
	queueKey   string
}

// NewRedisJournal creates a Redis-backed journal.
func NewRedisJournal(cfg RedisJournalConfig) (*RedisJournal, error) {
	if cfg.Cache == nil {
		return nil, appErr.Newf(appErr.InvalidParams, "cache is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "grade"
	}
	return &RedisJournal{
		cache:      cfg.Cache,
		recordsKey: prefix + ":records",
		queueKey:   prefix + ":queue",
	}, nil
}

func (j *RedisJournal) SaveRecord(ctx context.Context, record *model.Record) error {
	if record == nil || record.Hash == "" {
		return appErr.Newf(appErr.InvalidParams, "record with hash is required")
	}
	data, err := record.Marshal()
	if err != nil {
		return appErr.Wrapf(err, appErr.JournalError, "marshal record failed")
	}
	if err := j.cache.HSet(ctx, j.recordsKey, record.Hash, data); err != nil {
		return appErr.Wrapf(err, appErr.JournalError, "persist record failed")
	}
	return nil
}

func (j *RedisJournal) EnqueueEntry(ctx context.Context, entry model.QueueEntry) error {
	if entry.Hash == "" {
		return appErr.Newf(appErr.InvalidParams, "entry hash is required")
	}
	member := cache.ZMember{
		Score:  float64(entry.EnqueuedAt.UnixNano()),
		Member: entry.Hash,
	}
	if err := j.cache.ZAdd(ctx, j.queueKey, member); err != nil {
		return appErr.Wrapf(err, appErr.JournalError, "persist queue entry failed")
	}
	return nil
}

func (j *RedisJournal) RemoveEntry(ctx context.Context, hash string) error {
	if hash == "" {
		return appErr.Newf(appErr.InvalidParams, "hash is required")
	}
	if err := j.cache.ZRem(ctx, j.queueKey, hash); err != nil {
		return appErr.Wrapf(err, appErr.JournalError, "remove queue entry failed")
	}
	return nil
}

// Load rebuilds records and pending entries. Enqueue times come from the
// record payloads; the sorted-set scores only keep Redis-side ordering and
// are not authoritative.
func (j *RedisJournal) Load(ctx context.Context) ([]*model.Record, []model.QueueEntry, error) {
	raw, err := j.cache.HGetAll(ctx, j.recordsKey)
	if err != nil {
		return nil, nil, appErr.Wrapf(err, appErr.JournalError, "load records failed")
	}

	records := make([]*model.Record, 0, len(raw))
	byHash := make(map[string]*model.Record, len(raw))
	for hash, data := range raw {
		record, err := model.UnmarshalRecord(data)
		if err != nil {
			logger.Warn(ctx, "skipping undecodable journal record",
				zap.String("packet_hash", hash), zap.Error(err))
			continue
		}
		records = append(records, record)
		byHash[hash] = record
	}

	members, err := j.cache.ZRangeWithScores(ctx, j.queueKey, 0, -1)
	if err != nil {
		return nil, nil, appErr.Wrapf(err, appErr.JournalError, "load queue failed")
	}

	entries := make([]model.QueueEntry, 0, len(members))
	for _, member := range members {
		record, ok := byHash[member.Member]
		if !ok {
			logger.Warn(ctx, "skipping queue entry without record",
				zap.String("packet_hash", member.Member))
			continue
		}
		entries = append(entries, model.QueueEntry{
			Hash:       record.Hash,
			EnqueuedAt: record.EnqueuedAt,
		})
	}
	return records, entries, nil
}

var _ Journal = (*RedisJournal)(nil)
