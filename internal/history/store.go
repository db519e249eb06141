// Package history は終了したジョブの記録を SQLite に残します。
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourusername/vidshrink/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id            TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL DEFAULT '',
	outcome           TEXT NOT NULL,
	failure_step      TEXT NOT NULL DEFAULT '',
	failure_kind      TEXT NOT NULL DEFAULT '',
	original_bytes    INTEGER NOT NULL DEFAULT 0,
	compressed_bytes  INTEGER NOT NULL DEFAULT 0,
	reduction_percent REAL NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	finished_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
`

// Entry は1ジョブ分の履歴です。
type Entry struct {
	JobID            string         `json:"jobId"`
	SourceID         string         `json:"sourceId,omitempty"`
	Outcome          pipeline.State `json:"outcome"`
	FailureStep      pipeline.Step  `json:"failureStep,omitempty"`
	FailureKind      string         `json:"failureKind,omitempty"`
	OriginalBytes    int64          `json:"originalBytes"`
	CompressedBytes  int64          `json:"compressedBytes"`
	ReductionPercent float64        `json:"reductionPercent"`
	CreatedAt        time.Time      `json:"createdAt"`
	FinishedAt       time.Time      `json:"finishedAt"`
}

// Store は SQLite の履歴テーブルを扱います。
type Store struct {
	db *sql.DB
}

// Open はデータベースを開き、テーブルがなければ作成します。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history db path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 書き込みは1本に絞り、SQLITE_BUSY を避ける。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Store{db: db}, nil
}

// Record は履歴を保存します。同じジョブIDは上書きされます。
func (s *Store) Record(ctx context.Context, e Entry) error {
	const query = `
	INSERT OR REPLACE INTO jobs (
		job_id, source_id, outcome, failure_step, failure_kind,
		original_bytes, compressed_bytes, reduction_percent, created_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.JobID, e.SourceID, string(e.Outcome), string(e.FailureStep), e.FailureKind,
		e.OriginalBytes, e.CompressedBytes, e.ReductionPercent,
		e.CreatedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save job history: %w", err)
	}
	return nil
}

// List は新しい順に最大 limit 件を返します。
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	const query = `
	SELECT job_id, source_id, outcome, failure_step, failure_kind,
		original_bytes, compressed_bytes, reduction_percent, created_at, finished_at
	FROM jobs ORDER BY finished_at DESC, job_id LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e                     Entry
			outcome, step         string
			createdAt, finishedAt int64
		)
		if err := rows.Scan(&e.JobID, &e.SourceID, &outcome, &step, &e.FailureKind,
			&e.OriginalBytes, &e.CompressedBytes, &e.ReductionPercent, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to read job history: %w", err)
		}
		e.Outcome = pipeline.State(outcome)
		e.FailureStep = pipeline.Step(step)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		e.FinishedAt = time.UnixMilli(finishedAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close はデータベース接続を閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}

// Observer は Cleaned に達したジョブを履歴に残す Observer を返します。
func (s *Store) Observer() pipeline.Observer {
	return func(ctx context.Context, job pipeline.Job) error {
		if job.State != pipeline.StateCleaned {
			return nil
		}
		return s.Record(ctx, EntryFromJob(job))
	}
}

// EntryFromJob は終了したジョブのスナップショットから履歴を作ります。
func EntryFromJob(job pipeline.Job) Entry {
	e := Entry{
		JobID:           job.ID,
		SourceID:        job.Source.ID,
		Outcome:         pipeline.StateSucceeded,
		OriginalBytes:   job.Bytes.Original,
		CompressedBytes: job.Bytes.Compressed,
		CreatedAt:       job.CreatedAt,
		FinishedAt:      job.UpdatedAt,
	}
	if job.Summary != nil {
		e.ReductionPercent = job.Summary.ReductionPercent
	}
	if job.Failure != nil {
		e.Outcome = pipeline.StateFailed
		e.FailureStep = job.Failure.Step
		e.FailureKind = string(job.Failure.Kind)
	}
	return e
}
