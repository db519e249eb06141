package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/vidshrink/internal/metrics"
)

// Handle は投入済みジョブへの参照です。
type Handle struct {
	req      Request
	observer Observer

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	job     Job
	outcome State
}

// ID はジョブIDを返します。
func (h *Handle) ID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.job.ID
}

// Snapshot は現在のジョブ状態のコピーを返します。
// 出力パスは Succeeded の間だけ含まれます。
func (h *Handle) Snapshot() Job {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

// Done はジョブが Cleaned に達したら閉じられます。
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait はジョブの完了を待って結果を返します。
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result はジョブの結果を返します。完了前は State が空です。
func (h *Handle) Result() Result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	job := h.snapshotLocked()
	return Result{
		JobID:   job.ID,
		State:   h.outcome,
		Bytes:   job.Bytes,
		Summary: job.Summary,
		Failure: job.Failure,
	}
}

func (h *Handle) snapshotLocked() Job {
	job := h.job
	if job.State != StateSucceeded {
		job.OutputPath = ""
	}
	if job.Failure != nil {
		failure := *job.Failure
		job.Failure = &failure
	}
	if job.Summary != nil {
		summary := *job.Summary
		job.Summary = &summary
	}
	return job
}

// advance は状態を to に進め、進めた後のスナップショットを返します。
func (h *Handle) advance(to State) (Job, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !isValidTransition(h.job.State, to) {
		return h.snapshotLocked(), false
	}
	h.job.State = to
	h.job.UpdatedAt = time.Now().UTC()
	if to == StateSucceeded || to == StateFailed {
		h.outcome = to
	}
	return h.snapshotLocked(), true
}

func (h *Handle) currentStep() Step {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch h.job.State {
	case StateDownloading:
		return StepDownload
	case StateTranscoding:
		return StepTranscode
	case StateUploading:
		return StepUpload
	}
	if h.job.InputPath != "" {
		return StepWorkspace
	}
	return StepQueue
}

func (h *Handle) setPaths(input, output string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.job.InputPath = input
	h.job.OutputPath = output
}

func (h *Handle) clearPaths() {
	h.setPaths("", "")
}

func (h *Handle) setOriginal(n int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.job.Bytes.Original = n
}

func (h *Handle) setCompressed(n int64, summary metrics.Summary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.job.Bytes.Compressed = n
	h.job.Summary = &summary
}

func (h *Handle) setFailure(f *Failure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.job.Failure == nil {
		h.job.Failure = f
	}
}

func (h *Handle) complete() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}
