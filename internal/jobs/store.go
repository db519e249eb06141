package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/vidshrink/internal/pipeline"
)

const (
	jobKeyPrefix     = "vidshrink:job:"
	maxUpdateRetries = 10
)

// ErrRecordNotFound は更新対象のレコードが存在しない場合に返されます。
var ErrRecordNotFound = errors.New("job record not found")

// Store はジョブ状態を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// LookupJob は pipeline.JobLookup を満たします。
func (s *Store) LookupJob(ctx context.Context, jobID string) (any, bool, error) {
	record, err := s.Get(ctx, jobID)
	if err != nil || record == nil {
		return nil, false, err
	}
	return record, true, nil
}

// Upsert はジョブ情報を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	payload, err := s.stamp(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// Create はレコードがまだ無い場合だけ保存します。既にあれば false を返します。
func (s *Store) Create(ctx context.Context, record *Record) (bool, error) {
	payload, err := s.stamp(record)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
}

func (s *Store) stamp(record *Record) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("record is nil")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if s.ttl > 0 {
		record.ExpiresAt = now.Add(s.ttl)
	}
	return json.Marshal(record)
}

// Delete はジョブ情報を削除します。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// MarkRunning は実行開始（またはリトライ開始）を記録します。
func (s *Store) MarkRunning(ctx context.Context, jobID, runID string, attempt int) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusRunning
		record.RunID = runID
		record.Attempt = attempt
		record.State = pipeline.StateQueued
		record.Failure = nil
		record.Error = nil
	})
}

// MarkDone はジョブ完了時の情報を保存します。
func (s *Store) MarkDone(ctx context.Context, jobID string, result pipeline.Result) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusSucceeded
		record.Summary = result.Summary
		record.Failure = nil
		record.Error = nil
	})
}

// MarkRetrying はリトライ待ちになったことを記録します。
func (s *Store) MarkRetrying(ctx context.Context, jobID string, failure *pipeline.Failure) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusRetrying
		record.Failure = failure
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusFailed
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

// Observer は遷移のたびに jobID のレコードへ状態を書き込む Observer を返します。
// 実行IDがリトライで変わっても、投入時のIDで照会できます。
func (s *Store) Observer(jobID string) pipeline.Observer {
	return func(ctx context.Context, job pipeline.Job) error {
		return s.updatePartial(ctx, jobID, func(record *Record) {
			record.RunID = job.ID
			record.State = job.State
			if text := pipeline.StatusText(job); text != "" {
				record.Text = text
			}
			if job.Summary != nil {
				record.Summary = job.Summary
			}
			if job.Failure != nil {
				record.Failure = job.Failure
			}
		})
	}
}

// updatePartial は WATCH でキーを監視しながらレコードを書き換えます。
// 他の書き込みと競合した場合は読み直してやり直します。書き込むたびに TTL も延長されます。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		payload, err := s.stamp(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job record %s: too many concurrent updates", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + strings.TrimSpace(id)
}
