package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"gradelab/internal/common/db"
	"gradelab/internal/scheduler/model"
	appErr "gradelab/pkg/errors"
)

// Archive persists terminal submission records. It is the long-term lookup
// path once a record is no longer held in memory.
type Archive interface {
	// SaveTerminal upserts a terminal record.
	SaveTerminal(ctx context.Context, record *model.Record) error

	// GetByHash returns the archived record, or nil when unknown.
	GetByHash(ctx context.Context, hash string) (*model.Record, error)
}

// MySQLArchive implements Archive on a relational table.
type MySQLArchive struct {
	database db.Database
}

// NewMySQLArchive creates the archive repository.
func NewMySQLArchive(database db.Database) (*MySQLArchive, error) {
	if database == nil {
		return nil, appErr.Newf(appErr.InvalidParams, "database is required")
	}
	return &MySQLArchive{database: database}, nil
}

const createArchiveTable = `
CREATE TABLE IF NOT EXISTS submission_archive (
	hash            VARCHAR(64)  NOT NULL,
	state           VARCHAR(16)  NOT NULL,
	attempts        INT          NOT NULL DEFAULT 0,
	result          MEDIUMTEXT   NULL,
	failure_kind    VARCHAR(32)  NULL,
	failure_message TEXT         NULL,
	created_at      DATETIME(6)  NOT NULL,
	enqueued_at     DATETIME(6)  NOT NULL,
	archived_at     DATETIME(6)  NOT NULL,
	PRIMARY KEY (hash)
)`

// EnsureSchema creates the archive table when missing.
func (a *MySQLArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.database.Exec(ctx, createArchiveTable); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "create archive table failed")
	}
	return nil
}

func (a *MySQLArchive) SaveTerminal(ctx context.Context, record *model.Record) error {
	if record == nil || record.Hash == "" {
		return appErr.Newf(appErr.InvalidParams, "record with hash is required")
	}
	if !record.State.IsTerminal() {
		return appErr.Newf(appErr.InvalidParams, "record %s is not terminal", record.Hash)
	}

	var result sql.NullString
	if len(record.Result) > 0 {
		result = sql.NullString{String: string(record.Result), Valid: true}
	}
	var failureKind, failureMessage sql.NullString
	if record.Failure != nil {
		failureKind = sql.NullString{String: string(record.Failure.Kind), Valid: true}
		failureMessage = sql.NullString{String: record.Failure.Message, Valid: true}
	}

	query := `INSERT INTO submission_archive
		(hash, state, attempts, result, failure_kind, failure_message, created_at, enqueued_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		state = VALUES(state), attempts = VALUES(attempts), result = VALUES(result),
		failure_kind = VALUES(failure_kind), failure_message = VALUES(failure_message),
		archived_at = VALUES(archived_at)`

	_, err := a.database.Exec(ctx, query,
		record.Hash, string(record.State), record.Attempts,
		result, failureKind, failureMessage,
		record.CreatedAt, record.EnqueuedAt, time.Now())
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "archive record failed")
	}
	return nil
}

func (a *MySQLArchive) GetByHash(ctx context.Context, hash string) (*model.Record, error) {
	if hash == "" {
		return nil, appErr.Newf(appErr.InvalidParams, "hash is required")
	}

	query := `SELECT hash, state, attempts, result, failure_kind, failure_message, created_at, enqueued_at
		FROM submission_archive WHERE hash = ?`

	var (
		record         model.Record
		state          string
		result         sql.NullString
		failureKind    sql.NullString
		failureMessage sql.NullString
	)
	err := a.database.QueryRow(ctx, query, hash).Scan(
		&record.Hash, &state, &record.Attempts,
		&result, &failureKind, &failureMessage,
		&record.CreatedAt, &record.EnqueuedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query archive failed")
	}

	record.State = model.State(state)
	if result.Valid {
		record.Result = json.RawMessage(result.String)
	}
	if failureKind.Valid {
		record.Failure = &model.Failure{
			Kind:    model.FailureKind(failureKind.String),
			Message: failureMessage.String,
		}
	}
	return &record, nil
}

var _ Archive = (*MySQLArchive)(nil)
