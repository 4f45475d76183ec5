// Package service drives grading: it pulls admitted submissions off the
// queue and runs them through the sandbox, one per worker slot.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gradelab/internal/common/mq"
	"gradelab/internal/grader/sandbox"
	"gradelab/internal/intake/packet"
	"gradelab/internal/scheduler/model"
	"gradelab/internal/scheduler/repository"
	schedsvc "gradelab/internal/scheduler/service"
	appErr "gradelab/pkg/errors"
	"gradelab/pkg/utils/logger"
)

const (
	defaultSlots           = 2
	defaultAttemptDeadline = 5 * time.Minute
	defaultPollInterval    = 200 * time.Millisecond
	defaultEventTopic      = "grade.results"
)

// PacketSource resolves an admitted hash to its extracted packet.
type PacketSource interface {
	Get(ctx context.Context, hash string) (*packet.Packet, error)
}

// Config wires a dispatcher. Scheduler, Runner and Packets are required;
// Archive and Events are optional integrations.
type Config struct {
	Scheduler *schedsvc.Scheduler
	Runner    sandbox.Runner
	Packets   PacketSource
	Archive   repository.Archive
	Events    mq.Producer

	EventTopic      string
	Slots           int
	AttemptDeadline time.Duration
	PollInterval    time.Duration
}

// Dispatcher runs grading attempts on a fixed pool of worker slots. A slot
// picks up its next submission only after the previous attempt's sandbox
// has been fully torn down.
type Dispatcher struct {
	scheduler *schedsvc.Scheduler
	runner    sandbox.Runner
	packets   PacketSource
	archive   repository.Archive
	events    mq.Producer

	eventTopic      string
	slots           int
	attemptDeadline time.Duration
	pollInterval    time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher from cfg.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Scheduler == nil {
		return nil, appErr.Newf(appErr.InternalServerError, "scheduler is required")
	}
	if cfg.Runner == nil {
		return nil, appErr.Newf(appErr.InternalServerError, "runner is required")
	}
	if cfg.Packets == nil {
		return nil, appErr.Newf(appErr.InternalServerError, "packet source is required")
	}
	if cfg.Slots <= 0 {
		cfg.Slots = defaultSlots
	}
	if cfg.AttemptDeadline <= 0 {
		cfg.AttemptDeadline = defaultAttemptDeadline
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = defaultEventTopic
	}
	return &Dispatcher{
		scheduler:       cfg.Scheduler,
		runner:          cfg.Runner,
		packets:         cfg.Packets,
		archive:         cfg.Archive,
		events:          cfg.Events,
		eventTopic:      cfg.EventTopic,
		slots:           cfg.Slots,
		attemptDeadline: cfg.AttemptDeadline,
		pollInterval:    cfg.PollInterval,
		stop:            make(chan struct{}),
	}, nil
}

// Start launches the worker slots. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i := 0; i < d.slots; i++ {
			d.wg.Add(1)
			go d.worker(ctx, i)
		}
	})
}

// Stop signals the workers and waits for in-flight attempts to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, slot int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		record, ok := d.scheduler.Dequeue(ctx)
		if !ok {
			select {
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}

		d.grade(ctx, slot, record)
	}
}

// grade runs one attempt to a terminal or retryable outcome. The record is
// already in the running state when grade is entered.
func (d *Dispatcher) grade(ctx context.Context, slot int, record *model.Record) {
	attemptID := uuid.NewString()
	fields := []zap.Field{
		zap.String("hash", record.Hash),
		zap.String("attempt_id", attemptID),
		zap.Int("attempt", record.Attempts),
		zap.Int("slot", slot),
	}

	pkt, err := d.packets.Get(ctx, record.Hash)
	if err != nil {
		logger.Warn(ctx, "packet unavailable for grading", append(fields, zap.Error(err))...)
		d.failRetryable(ctx, record.Hash, "packet unavailable: "+err.Error(), fields)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, d.attemptDeadline)
	res, err := d.runner.Run(runCtx, sandbox.RunRequest{AttemptID: attemptID, Packet: pkt})
	cancel()

	switch {
	case err != nil:
		logger.Warn(ctx, "grading attempt crashed", append(fields, zap.Error(err))...)
		d.failRetryable(ctx, record.Hash, err.Error(), fields)
	case res.Outcome == sandbox.OutcomeAnalysisError:
		logger.Info(ctx, "grading reported analysis error", append(fields, zap.String("message", res.Message))...)
		if err := d.scheduler.FailAnalysis(ctx, record.Hash, res.Message); err != nil {
			logger.Error(ctx, "record analysis failure failed", append(fields, zap.Error(err))...)
			return
		}
		d.finishTerminal(ctx, record.Hash, fields)
	default:
		if err := d.scheduler.Complete(ctx, record.Hash, res.Report); err != nil {
			logger.Error(ctx, "record completion failed", append(fields, zap.Error(err))...)
			return
		}
		logger.Info(ctx, "grading completed", fields...)
		d.finishTerminal(ctx, record.Hash, fields)
	}
}

func (d *Dispatcher) failRetryable(ctx context.Context, hash, message string, fields []zap.Field) {
	requeued, err := d.scheduler.FailRetryable(ctx, hash, message)
	if err != nil {
		logger.Error(ctx, "record retryable failure failed", append(fields, zap.Error(err))...)
		return
	}
	if requeued {
		logger.Info(ctx, "submission requeued after crash", fields...)
		return
	}
	logger.Warn(ctx, "submission exhausted its attempts", fields...)
	d.finishTerminal(ctx, hash, fields)
}

// finishTerminal archives the terminal record and publishes its result
// event. Both integrations are best effort.
func (d *Dispatcher) finishTerminal(ctx context.Context, hash string, fields []zap.Field) {
	record, _, ok := d.scheduler.Lookup(hash)
	if !ok || !record.State.IsTerminal() {
		return
	}

	if d.archive != nil {
		if err := d.archive.SaveTerminal(ctx, record); err != nil {
			logger.Warn(ctx, "archive terminal record failed", append(fields, zap.Error(err))...)
		}
	}

	if d.events != nil {
		data, err := record.Marshal()
		if err != nil {
			logger.Warn(ctx, "encode result event failed", append(fields, zap.Error(err))...)
			return
		}
		msg := mq.NewMessage([]byte(data))
		msg.SetHeader("packet-hash", hash)
		msg.SetHeader("state", string(record.State))
		if err := d.events.Publish(ctx, d.eventTopic, msg); err != nil {
			logger.Warn(ctx, "publish result event failed", append(fields, zap.Error(err))...)
		}
	}
}
