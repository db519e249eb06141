package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yourusername/vidshrink/internal/metrics"
	"github.com/yourusername/vidshrink/internal/transcode"
	"github.com/yourusername/vidshrink/internal/transfer"
	"github.com/yourusername/vidshrink/internal/workspace"
)

const (
	defaultRetention       = 10 * time.Minute
	defaultObserverTimeout = 10 * time.Second
	diagnosticsLogTail     = 2000
)

var (
	// ErrShuttingDown は停止処理中に投入された場合に返されます。
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrDuplicateJob は同じIDのジョブが既に存在する場合に返されます。
	ErrDuplicateJob = errors.New("job already exists")
)

// Fetcher は取得元からローカルファイルへ動画を受信します。
type Fetcher interface {
	Fetch(ctx context.Context, src transfer.Source, destPath string, limits transfer.Limits) (int64, error)
}

// Sender はローカルファイルを送り先へ送信します。
type Sender interface {
	Send(ctx context.Context, sourcePath string, sink transfer.Sink, limits transfer.Limits) (transfer.Ack, error)
}

// Transcoder は動画を圧縮します。
type Transcoder interface {
	Run(ctx context.Context, inputPath, outputPath string, profile transcode.Profile, timeout time.Duration) error
}

// Workspaces はジョブごとの作業ファイルを払い出します。
type Workspaces interface {
	Allocate(jobID string) (workspace.Handle, error)
	Release(h workspace.Handle) error
}

// Deps は Orchestrator が使うコンポーネントです。
type Deps struct {
	Fetcher    Fetcher
	Sender     Sender
	Transcoder Transcoder
	Workspaces Workspaces
}

// Options は Orchestrator の設定です。
type Options struct {
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	TranscodeTimeout  time.Duration
	Profile           transcode.Profile
	FetchLimits       transfer.Limits
	SendLimits        transfer.Limits
	// Retention は完了したジョブを Lookup できる期間です。
	Retention time.Duration
	// Observers はすべてのジョブに共通の Observer です。
	Observers       []Observer
	ObserverTimeout time.Duration
	Logger          *log.Logger
}

// Orchestrator はジョブを状態機械に沿って実行します。
// スロット（セマフォ）を取得できたジョブだけが Downloading 以降に進みます。
type Orchestrator struct {
	deps  Deps
	opts  Options
	slots *semaphore.Weighted

	logger *log.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
	jobs   map[string]*Handle
}

// NewOrchestrator は Orchestrator を作成します。
func NewOrchestrator(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Fetcher == nil || deps.Sender == nil || deps.Transcoder == nil || deps.Workspaces == nil {
		return nil, errors.New("fetcher, sender, transcoder and workspaces are required")
	}
	if opts.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("max concurrent jobs must be positive (got %d)", opts.MaxConcurrentJobs)
	}
	if err := opts.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transcode profile: %w", err)
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.ObserverTimeout <= 0 {
		opts.ObserverTimeout = defaultObserverTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	baseCtx, cancelAll := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:      deps,
		opts:      opts,
		slots:     semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		logger:    logger,
		baseCtx:   baseCtx,
		cancelAll: cancelAll,
		jobs:      make(map[string]*Handle),
	}, nil
}

// AddObserver は全ジョブ共通の Observer を追加します。ジョブ投入前に呼んでください。
func (o *Orchestrator) AddObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opts.Observers = append(o.opts.Observers, obs)
}

// Submit はジョブを作成し、バックグラウンドで実行を開始します。
// ctx はジョブの寿命を決めます。HTTP リクエストのコンテキストを渡す場合は
// context.WithoutCancel で切り離してください。
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Handle, error) {
	if req.Source.URL == "" {
		return nil, fmt.Errorf("%w: source url is required", ErrInvalidRequest)
	}
	id := req.ID
	if id == "" {
		id = NewJobID(req.Source.ID)
	} else if !validJobID.MatchString(id) {
		return nil, fmt.Errorf("%w: invalid job id %q", ErrInvalidRequest, id)
	}

	now := time.Now().UTC()
	h := &Handle{
		req:  req,
		done: make(chan struct{}),
		job: Job{
			ID:        id,
			State:     StateQueued,
			Source:    req.Source,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := o.jobs[id]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	o.jobs[id] = h
	observers := append([]Observer{req.Observer}, o.opts.Observers...)
	o.wg.Add(1)
	o.mu.Unlock()

	h.observer = ChainObservers(observers...)

	jobCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.baseCtx, cancel)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer stop()
		o.run(jobCtx, h)
	}()

	o.logger.Printf("job=%s submitted source=%s", id, req.Source.ID)
	return h, nil
}

// Lookup は実行中または保持期間内のジョブを返します。
func (o *Orchestrator) Lookup(id string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.jobs[id]
	return h, ok
}

// InFlight は完了していないジョブ数を返します。
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, h := range o.jobs {
		select {
		case <-h.done:
		default:
			n++
		}
	}
	return n
}

// Shutdown は新規投入を止め、実行中のジョブの完了を待ちます。
// ctx が先に終わった場合は残りのジョブをキャンセルし、終了を待ってから ctx.Err() を返します。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancelAll()
		return nil
	case <-ctx.Done():
		o.cancelAll()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, h *Handle) {
	defer o.finish(h)

	o.notify(ctx, h, h.Snapshot())

	if err := o.acquireSlot(ctx, h.req.SlotWait); err != nil {
		o.fail(ctx, h, StepQueue, err)
		o.transition(ctx, h, StateCleaned)
		return
	}
	defer o.slots.Release(1)

	jobCtx := ctx
	if o.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, o.opts.JobTimeout)
		defer cancel()
	}

	var ws workspace.Handle
	defer func() {
		if err := o.deps.Workspaces.Release(ws); err != nil {
			o.logger.Printf("job=%s cleanup failed: %v", h.ID(), err)
		}
		h.clearPaths()
		o.transition(ctx, h, StateCleaned)
	}()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("job=%s panic recovered: %v\n%s", h.ID(), r, debug.Stack())
			h.setFailure(&Failure{Step: h.currentStep(), Kind: FailureInternal, Message: fmt.Sprint(r)})
			o.transition(ctx, h, StateFailed)
		}
	}()

	o.execute(jobCtx, h, &ws)
}

// acquireSlot はスロットを1つ取得します。
// 強制終了時は baseCtx がジョブの ctx より先にキャンセルされるため、取得後に両方を確認します。
func (o *Orchestrator) acquireSlot(ctx context.Context, wait time.Duration) error {
	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := o.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no slot within %s: %w", wait, err)
		}
		return err
	}
	if err := o.baseCtx.Err(); err != nil {
		o.slots.Release(1)
		return err
	}
	if err := ctx.Err(); err != nil {
		o.slots.Release(1)
		return err
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, h *Handle, ws *workspace.Handle) {
	handle, err := o.deps.Workspaces.Allocate(h.ID())
	if err != nil {
		o.fail(ctx, h, StepWorkspace, err)
		return
	}
	*ws = handle
	h.setPaths(handle.InputPath, handle.OutputPath)

	if !o.transition(ctx, h, StateDownloading) {
		return
	}
	original, err := o.deps.Fetcher.Fetch(ctx, h.req.Source, handle.InputPath, o.opts.FetchLimits)
	if err != nil {
		o.fail(ctx, h, StepDownload, err)
		return
	}
	h.setOriginal(original)

	if !o.transition(ctx, h, StateTranscoding) {
		return
	}
	if err := o.deps.Transcoder.Run(ctx, handle.InputPath, handle.OutputPath, o.opts.Profile, o.opts.TranscodeTimeout); err != nil {
		o.fail(ctx, h, StepTranscode, err)
		return
	}
	info, err := os.Stat(handle.OutputPath)
	if err != nil {
		o.fail(ctx, h, StepTranscode, fmt.Errorf("compressed output missing: %w", err))
		return
	}
	summary := metrics.Summarize(original, info.Size())
	h.setCompressed(info.Size(), summary)
	o.logger.Printf("job=%s compressed %.2fMB -> %.2fMB (%.1f%%)",
		h.ID(), summary.OriginalMB, summary.CompressedMB, summary.ReductionPercent)

	if !o.transition(ctx, h, StateUploading) {
		return
	}
	sink := withCaption(h.req.Sink, h.req.CaptionField, summary.Caption())
	if _, err := o.deps.Sender.Send(ctx, handle.OutputPath, sink, o.opts.SendLimits); err != nil {
		o.fail(ctx, h, StepUpload, err)
		return
	}

	o.transition(ctx, h, StateSucceeded)
}

// fail はエラーを Failure に変換して Failed へ遷移させます。
func (o *Orchestrator) fail(ctx context.Context, h *Handle, step Step, err error) {
	failure := toFailure(ctx, step, err)
	o.logger.Printf("job=%s step=%s kind=%s: %v", h.ID(), step, failure.Kind, err)

	var tErr *transcode.Error
	if errors.As(err, &tErr) && tErr.Diagnostics != "" {
		o.logger.Printf("job=%s ffmpeg diagnostics:\n%s", h.ID(), tail(tErr.Diagnostics, diagnosticsLogTail))
	}

	h.setFailure(failure)
	o.transition(ctx, h, StateFailed)
}

// transition は状態を進めて Observer に通知します。許されない遷移は無視してログに残します。
func (o *Orchestrator) transition(ctx context.Context, h *Handle, to State) bool {
	snapshot, ok := h.advance(to)
	if !ok {
		o.logger.Printf("job=%s invalid transition %s -> %s", h.ID(), snapshot.State, to)
		return false
	}
	o.notify(ctx, h, snapshot)
	return true
}

func (o *Orchestrator) notify(ctx context.Context, h *Handle, job Job) {
	obsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ObserverTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("job=%s observer panic on %s: %v", job.ID, job.State, r)
		}
	}()
	if err := h.observer(obsCtx, job); err != nil {
		o.logger.Printf("job=%s observer failed on %s: %v", job.ID, job.State, err)
	}
}

func (o *Orchestrator) finish(h *Handle) {
	h.complete()
	o.logger.Printf("job=%s finished state=%s", h.ID(), h.Result().State)

	time.AfterFunc(o.opts.Retention, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.jobs[h.ID()] == h {
			delete(o.jobs, h.ID())
		}
	})
}

func toFailure(ctx context.Context, step Step, err error) *Failure {
	failure := &Failure{Step: step, Kind: FailureInternal, Message: err.Error()}

	var (
		transferErr  *transfer.Error
		transcodeErr *transcode.Error
		workspaceErr *workspace.Error
	)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		failure.Kind = FailureTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		failure.Kind = FailureCanceled
	case errors.As(err, &transferErr):
		failure.Kind = FailureKind(transferErr.Kind)
	case errors.As(err, &transcodeErr):
		failure.Kind = FailureKind(transcodeErr.Kind)
	case errors.As(err, &workspaceErr):
		failure.Kind = FailureKind(workspaceErr.Kind)
	case errors.Is(err, context.DeadlineExceeded):
		failure.Kind = FailureTimeout
	case errors.Is(err, context.Canceled):
		failure.Kind = FailureCanceled
	}
	return failure
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
