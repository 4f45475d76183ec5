package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"gradelab/internal/common/cache"
	"gradelab/internal/scheduler/model"
)

func newTestJournal(t *testing.T) *RedisJournal {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	journal, err := NewRedisJournal(RedisJournalConfig{Cache: c})
	if err != nil {
		t.Fatalf("NewRedisJournal: %v", err)
	}
	return journal
}

func TestJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	journal := newTestJournal(t)

	now := time.Now().Truncate(time.Microsecond)
	record := &model.Record{
		Hash:       "abc123",
		State:      model.StateQueued,
		CreatedAt:  now,
		EnqueuedAt: now,
	}
	if err := journal.SaveRecord(ctx, record); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if err := journal.EnqueueEntry(ctx, model.QueueEntry{Hash: "abc123", EnqueuedAt: now}); err != nil {
		t.Fatalf("EnqueueEntry: %v", err)
	}

	records, entries, err := journal.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 || len(entries) != 1 {
		t.Fatalf("loaded %d records, %d entries, want 1/1", len(records), len(entries))
	}
	if records[0].Hash != "abc123" || records[0].State != model.StateQueued {
		t.Errorf("record = %+v", records[0])
	}
	if !entries[0].EnqueuedAt.Equal(now) {
		t.Errorf("entry enqueuedAt = %v, want %v", entries[0].EnqueuedAt, now)
	}
}

func TestJournalRemoveEntry(t *testing.T) {
	ctx := context.Background()
	journal := newTestJournal(t)

	now := time.Now()
	record := &model.Record{Hash: "h1", State: model.StateRunning, CreatedAt: now, EnqueuedAt: now}
	if err := journal.SaveRecord(ctx, record); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if err := journal.EnqueueEntry(ctx, model.QueueEntry{Hash: "h1", EnqueuedAt: now}); err != nil {
		t.Fatalf("EnqueueEntry: %v", err)
	}
	if err := journal.RemoveEntry(ctx, "h1"); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}

	records, entries, err := journal.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1 (record survives dequeue)", len(records))
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestJournalLoadOrdersByEnqueueTime(t *testing.T) {
	ctx := context.Background()
	journal := newTestJournal(t)

	base := time.Now()
	for i, hash := range []string{"third", "first", "second"} {
		offset := []time.Duration{2 * time.Second, 0, time.Second}[i]
		record := &model.Record{
			Hash: hash, State: model.StateQueued,
			CreatedAt: base.Add(offset), EnqueuedAt: base.Add(offset),
		}
		if err := journal.SaveRecord(ctx, record); err != nil {
			t.Fatalf("SaveRecord: %v", err)
		}
		if err := journal.EnqueueEntry(ctx, model.QueueEntry{Hash: hash, EnqueuedAt: record.EnqueuedAt}); err != nil {
			t.Fatalf("EnqueueEntry: %v", err)
		}
	}

	_, entries, err := journal.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i, entry := range entries {
		if entry.Hash != want[i] {
			t.Errorf("entry %d = %s, want %s", i, entry.Hash, want[i])
		}
	}
}

func TestJournalSkipsOrphanedQueueEntries(t *testing.T) {
	ctx := context.Background()
	journal := newTestJournal(t)

	if err := journal.EnqueueEntry(ctx, model.QueueEntry{Hash: "orphan", EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("EnqueueEntry: %v", err)
	}

	records, entries, err := journal.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 || len(entries) != 0 {
		t.Errorf("loaded %d records, %d entries, want orphan skipped", len(records), len(entries))
	}
}
