// Package jobs は asynq と Redis を使った永続キューモードを提供します。
// キューから取り出したタスクは同じ Orchestrator で実行され、
// 再試行しても成功しうる失敗だけがリトライされます。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/vidshrink/internal/config"
	"github.com/yourusername/vidshrink/internal/pipeline"
)

const (
	// TaskTypeCompress は動画圧縮タスクの種別です。
	TaskTypeCompress = "video:compress"
	queueName        = "video"

	maxBaseIDLength   = 120
	taskTimeoutMargin = time.Minute
)

// Submitter はタスクを実行する Orchestrator です。
type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Handle, error)
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// TaskPayload は動画圧縮タスクのペイロードです。
type TaskPayload struct {
	Submission pipeline.Submission `json:"submission"`
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg            *config.Config
	client         enqueuer
	server         *asynq.Server
	mux            *asynq.ServeMux
	store          *Store
	orch           Submitter
	statusObserver func(statusURL string) pipeline.Observer
	logger         *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, orch Submitter, store *Store, statusObserver func(string) pipeline.Observer, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if orch == nil {
		return nil, errors.New("orchestrator is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.MaxConcurrentJobs,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger:   newAsynqLogger(logger),
			LogLevel: asynq.WarnLevel,
		},
	)

	manager := &Manager{
		cfg:            cfg,
		client:         asynq.NewClient(opt),
		server:         server,
		mux:            asynq.NewServeMux(),
		store:          store,
		orch:           orch,
		statusObserver: statusObserver,
		logger:         logger,
	}
	manager.mux.HandleFunc(TaskTypeCompress, manager.handleCompressTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Stop はキューからの新しいタスクの取り出しを止めます。
func (m *Manager) Stop() {
	if m.server != nil {
		m.server.Stop()
	}
}

// Shutdown はサーバーとクライアントを閉じます。
// 実行中のタスクは Orchestrator 側のキャンセルで終わるため、先に Orchestrator を止めてください。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	return m.client.Close()
}

// Schedule は pipeline.JobScheduler を満たします。
func (m *Manager) Schedule(ctx context.Context, sub pipeline.Submission) (string, error) {
	return m.Enqueue(ctx, &TaskPayload{Submission: sub})
}

// Enqueue はジョブをキューに投入し、照会用のジョブIDを返します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is nil")
	}
	if err := payload.Submission.Validate(); err != nil {
		return "", err
	}
	if payload.Submission.ID == "" {
		payload.Submission.ID = pipeline.NewJobID(payload.Submission.Source.ID)
	}
	jobID := payload.Submission.ID

	queued := pipeline.Job{ID: jobID, State: pipeline.StateQueued}
	created, err := m.store.Create(ctx, &Record{
		JobID:  jobID,
		Status: StatusQueued,
		State:  pipeline.StateQueued,
		Text:   pipeline.StatusText(queued),
	})
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("%w: %s", pipeline.ErrDuplicateJob, jobID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(TaskTypeCompress, body)
	if _, err := m.client.EnqueueContext(ctx, task,
		asynq.Queue(queueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(m.cfg.QueueMaxRetry),
		asynq.Timeout(taskTimeout(m.cfg)),
	); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// 同じIDのタスクがまだ生きている。レコードはそのタスクが使うので残す。
			return "", fmt.Errorf("%w: %s", pipeline.ErrDuplicateJob, jobID)
		}
		_ = m.store.Delete(ctx, jobID)
		return "", err
	}
	m.logger.Printf("job=%s enqueued queue=%s max_retry=%d", jobID, queueName, m.cfg.QueueMaxRetry)
	return jobID, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

func (m *Manager) handleCompressTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	sub := payload.Submission
	if sub.ID == "" {
		return fmt.Errorf("missing job id in payload: %w", asynq.SkipRetry)
	}

	attempt, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = m.cfg.QueueMaxRetry
	}
	runID := runJobID(sub.ID, attempt)

	if err := m.store.MarkRunning(ctx, sub.ID, runID, attempt); err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		// レコードの TTL が切れていても実行は続ける。
		if err := m.store.Upsert(ctx, &Record{JobID: sub.ID, RunID: runID, Attempt: attempt, Status: StatusRunning, State: pipeline.StateQueued}); err != nil {
			return err
		}
	}

	req := sub.Request(m.statusObserver)
	req.ID = runID
	req.SlotWait = slotWait(m.cfg)
	req.Observer = pipeline.ChainObservers(req.Observer, m.store.Observer(sub.ID))

	h, err := m.orch.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, pipeline.ErrShuttingDown) {
			return err
		}
		_ = m.store.MarkFailed(ctx, sub.ID, &ErrorInfo{Code: "INTERNAL_ERROR", Message: err.Error()})
		return fmt.Errorf("submit %s: %v: %w", runID, err, asynq.SkipRetry)
	}

	result, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if result.Succeeded() {
		// 記録に失敗しても成功したジョブを再実行させない。
		m.settle(ctx, sub.ID, m.store.MarkDone(ctx, sub.ID, result), &Record{
			JobID:   sub.ID,
			RunID:   result.JobID,
			Attempt: attempt,
			Status:  StatusSucceeded,
			State:   pipeline.StateCleaned,
			Text:    pipeline.StatusText(pipeline.Job{ID: result.JobID, State: pipeline.StateSucceeded, Summary: result.Summary}),
			Summary: result.Summary,
		})
		return nil
	}
	return m.handleFailure(ctx, sub.ID, result, attempt, maxRetry)
}

func (m *Manager) handleFailure(ctx context.Context, jobID string, result pipeline.Result, attempt, maxRetry int) error {
	failure := result.Failure
	if failure == nil {
		failure = &pipeline.Failure{Kind: pipeline.FailureInternal, Message: "job failed without a reason"}
	}
	cause := fmt.Errorf("job %s failed at %s: %s", result.JobID, failure.Step, failure.Kind)

	restore := &Record{
		JobID:   jobID,
		RunID:   result.JobID,
		Attempt: attempt,
		State:   pipeline.StateCleaned,
		Text:    failure.UserMessage(),
		Failure: failure,
	}

	if failure.Retryable() && attempt < maxRetry {
		restore.Status = StatusRetrying
		m.settle(ctx, jobID, m.store.MarkRetrying(ctx, jobID, failure), restore)
		m.logger.Printf("job=%s will be retried (attempt %d of %d)", jobID, attempt+1, maxRetry)
		return cause
	}

	errInfo := &ErrorInfo{
		Code:    failureCode(failure),
		Message: failure.UserMessage(),
	}
	restore.Status = StatusFailed
	restore.Error = errInfo
	m.settle(ctx, jobID, m.store.MarkFailed(ctx, jobID, errInfo), restore)
	if !failure.Retryable() {
		return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
	}
	return cause
}

// settle はタスクの最終状態の記録結果を処理します。
// レコードが TTL 切れで消えていれば restore で作り直し、それ以外の失敗はログに残すだけにします。
func (m *Manager) settle(ctx context.Context, jobID string, err error, restore *Record) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrRecordNotFound) && restore != nil {
		if err = m.store.Upsert(ctx, restore); err == nil {
			return
		}
	}
	m.logger.Printf("job=%s failed to record final state: %v", jobID, err)
}

// slotWait はキューのタスクがスロットを待てる上限です。
// 同期実行のジョブにスロットを取られている間に asynq の期限が来ないようにします。
func slotWait(cfg *config.Config) time.Duration {
	return cfg.JobTimeout
}

// taskTimeout は asynq のタスク期限です。スロット待ちとジョブの期限の両方より後に来ます。
func taskTimeout(cfg *config.Config) time.Duration {
	return slotWait(cfg) + cfg.JobTimeout + taskTimeoutMargin
}

// RecordTTL はジョブレコードの TTL です。書き込みのたびに延長されますが、
// 遷移の無い長い圧縮の途中でも消えないよう、1回のタスクの最長時間に保持期間を足します。
func RecordTTL(cfg *config.Config) time.Duration {
	return taskTimeout(cfg) + time.Duration(cfg.JobExpireMinutes)*time.Minute
}

// failureCode は HTTP の失敗レスポンスと同じコード体系を使います。
func failureCode(f *pipeline.Failure) string {
	return strings.ToUpper(string(f.Kind))
}

// runJobID はリトライごとに新しい実行IDを作ります。
func runJobID(jobID string, attempt int) string {
	if attempt <= 0 {
		return jobID
	}
	if len(jobID) > maxBaseIDLength {
		jobID = jobID[:maxBaseIDLength]
	}
	return fmt.Sprintf("%s-r%d", jobID, attempt)
}

// asynqLogger は asynq のログを標準 log.Logger に流します。
type asynqLogger struct {
	logger *log.Logger
}

func newAsynqLogger(logger *log.Logger) *asynqLogger {
	return &asynqLogger{logger: logger}
}

func (l *asynqLogger) Debug(args ...interface{}) {
	l.logger.Print(append([]interface{}{"asynq debug: "}, args...)...)
}

func (l *asynqLogger) Info(args ...interface{}) {
	l.logger.Print(append([]interface{}{"asynq: "}, args...)...)
}

func (l *asynqLogger) Warn(args ...interface{}) {
	l.logger.Print(append([]interface{}{"asynq warn: "}, args...)...)
}

func (l *asynqLogger) Error(args ...interface{}) {
	l.logger.Print(append([]interface{}{"asynq error: "}, args...)...)
}

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Fatal(append([]interface{}{"asynq fatal: "}, args...)...)
}
