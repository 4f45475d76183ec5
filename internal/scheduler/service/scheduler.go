package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"gradelab/internal/scheduler/model"
	"gradelab/internal/scheduler/repository"
	appErr "gradelab/pkg/errors"
	"gradelab/pkg/utils/logger"
)

// AdmissionOutcome is the result of admitting a validated packet hash.
type AdmissionOutcome int

const (
	// OutcomeAccepted means a new record was created and queued.
	OutcomeAccepted AdmissionOutcome = iota
	// OutcomeDuplicate means the hash already has a record.
	OutcomeDuplicate
)

// Config configures the scheduler.
type Config struct {
	// MaxAttempts bounds dispatch attempts per submission before an
	// infrastructure failure becomes terminal. Defaults to 3.
	MaxAttempts int

	// Journal persists state transitions for crash recovery. Optional; when
	// nil the scheduler is purely in-memory.
	Journal repository.Journal
}

// Scheduler owns the submission records and the pending queue. All state
// transitions go through its lock, which makes the record map and the queue
// move together: a hash is queued exactly when its record state is queued,
// and a hash leaves the queue exactly once per dispatch.
type Scheduler struct {
	maxAttempts int
	journal     repository.Journal

	mu      sync.Mutex
	records map[string]*model.Record
	queue   *jobQueue
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.MaxAttempts < 0 {
		return nil, appErr.Newf(appErr.InvalidParams, "maxAttempts cannot be negative")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &Scheduler{
		maxAttempts: maxAttempts,
		journal:     cfg.Journal,
		records:     make(map[string]*model.Record),
		queue:       newJobQueue(),
	}, nil
}

// MaxAttempts returns the configured attempt budget.
func (s *Scheduler) MaxAttempts() int {
	return s.maxAttempts
}

// Admit registers a validated packet hash. The existence check, record
// creation and enqueue happen under one lock, so concurrent submissions of
// identical content yield exactly one accepted outcome.
func (s *Scheduler) Admit(ctx context.Context, hash string) (AdmissionOutcome, *model.Record, error) {
	if hash == "" {
		return 0, nil, appErr.Newf(appErr.InvalidParams, "hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[hash]; ok {
		return OutcomeDuplicate, existing.Clone(), nil
	}

	now := time.Now()
	record := &model.Record{
		Hash:       hash,
		State:      model.StateQueued,
		CreatedAt:  now,
		EnqueuedAt: now,
	}
	s.records[hash] = record
	s.queue.enqueue(model.QueueEntry{Hash: hash, EnqueuedAt: now})

	s.journalRecord(ctx, record)
	s.journalEnqueue(ctx, model.QueueEntry{Hash: hash, EnqueuedAt: now})

	return OutcomeAccepted, record.Clone(), nil
}

// Dequeue removes the head entry and transitions its record to running,
// counting the dispatch attempt. Returns false when the queue is empty.
// Removal and the state transition share the lock, so no hash can be handed
// to two slots.
func (s *Scheduler) Dequeue(ctx context.Context) (*model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue.dequeue()
	if !ok {
		return nil, false
	}

	record := s.records[entry.Hash]
	record.State = model.StateRunning
	record.Attempts++

	s.journalDequeue(ctx, entry.Hash)
	s.journalRecord(ctx, record)

	return record.Clone(), true
}

// Complete transitions a running record to completed with its result payload.
func (s *Scheduler) Complete(ctx context.Context, hash string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.runningRecord(hash)
	if err != nil {
		return err
	}
	record.State = model.StateCompleted
	record.Result = append(json.RawMessage(nil), result...)

	s.journalRecord(ctx, record)
	return nil
}

// FailAnalysis transitions a running record to a terminal failure reported by
// the analysis itself. Not retried.
func (s *Scheduler) FailAnalysis(ctx context.Context, hash, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.runningRecord(hash)
	if err != nil {
		return err
	}
	record.State = model.StateFailed
	record.Failure = &model.Failure{Kind: model.FailureAnalysis, Message: message}

	s.journalRecord(ctx, record)
	return nil
}

// FailRetryable handles a sandbox timeout or crash. While attempts remain the
// record goes back to queued, keeping its original enqueue time so retried
// jobs are not pushed behind newer ones. Once the budget is spent the record
// terminally fails as an infrastructure failure. Returns whether the job was
// requeued.
func (s *Scheduler) FailRetryable(ctx context.Context, hash, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.runningRecord(hash)
	if err != nil {
		return false, err
	}

	if record.Attempts < s.maxAttempts {
		record.State = model.StateQueued
		entry := model.QueueEntry{Hash: hash, EnqueuedAt: record.EnqueuedAt}
		s.queue.enqueue(entry)

		s.journalRecord(ctx, record)
		s.journalEnqueue(ctx, entry)
		return true, nil
	}

	record.State = model.StateFailed
	record.Failure = &model.Failure{Kind: model.FailureInfrastructure, Message: message}

	s.journalRecord(ctx, record)
	return false, nil
}

// Lookup returns a snapshot of the record and, when queued, its advisory
// 1-based position. Both are read under one lock so the position always
// matches the reported state.
func (s *Scheduler) Lookup(hash string) (*model.Record, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[hash]
	if !ok {
		return nil, 0, false
	}
	position := 0
	if record.State == model.StateQueued {
		position = s.queue.positionOf(hash)
	}
	return record.Clone(), position, true
}

// QueueDepth returns the number of pending entries.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Restore rebuilds scheduler state from the journal. Records left running by
// a dead process go back to queued, keeping their original enqueue time, so
// no job is permanently stuck. Returns how many records were recovered into
// the queue.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}

	records, entries, err := s.journal.Load(ctx)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.RecoveryFailed, "load journal failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, record := range records {
		if record.State == model.StateRunning {
			record.State = model.StateQueued
			s.journalRecord(ctx, record)
			s.journalEnqueue(ctx, model.QueueEntry{Hash: record.Hash, EnqueuedAt: record.EnqueuedAt})
			queued++
		}
		s.records[record.Hash] = record
	}
	for _, entry := range entries {
		if record, ok := s.records[entry.Hash]; ok && record.State == model.StateQueued {
			s.queue.enqueue(entry)
		}
	}
	// repair queued records whose queue entry was lost
	for _, record := range s.records {
		if record.State == model.StateQueued && !s.queue.contains(record.Hash) {
			entry := model.QueueEntry{Hash: record.Hash, EnqueuedAt: record.EnqueuedAt}
			s.queue.enqueue(entry)
			s.journalEnqueue(ctx, entry)
		}
	}
	return queued, nil
}

func (s *Scheduler) runningRecord(hash string) (*model.Record, error) {
	record, ok := s.records[hash]
	if !ok {
		return nil, appErr.Newf(appErr.SubmissionNotFound, "unknown submission: %s", hash)
	}
	if record.State != model.StateRunning {
		return nil, appErr.Newf(appErr.IllegalTransition,
			"submission %s is %s, not running", hash, record.State)
	}
	return record, nil
}

func (s *Scheduler) journalRecord(ctx context.Context, record *model.Record) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveRecord(ctx, record); err != nil {
		logger.Warn(ctx, "journal record write failed",
			zap.String("packet_hash", record.Hash), zap.Error(err))
	}
}

func (s *Scheduler) journalEnqueue(ctx context.Context, entry model.QueueEntry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.EnqueueEntry(ctx, entry); err != nil {
		logger.Warn(ctx, "journal enqueue write failed",
			zap.String("packet_hash", entry.Hash), zap.Error(err))
	}
}

func (s *Scheduler) journalDequeue(ctx context.Context, hash string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RemoveEntry(ctx, hash); err != nil {
		logger.Warn(ctx, "journal dequeue write failed",
			zap.String("packet_hash", hash), zap.Error(err))
	}
}
