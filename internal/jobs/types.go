package jobs

import (
	"time"

	"github.com/yourusername/vidshrink/internal/metrics"
	"github.com/yourusername/vidshrink/internal/pipeline"
)

// Status はキュー上のジョブの実行状態を表します。
// パイプライン内部の細かい状態は Record.State に入ります。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。JobID は投入時のIDで、
// リトライごとの実行IDは RunID に入ります。
type Record struct {
	JobID     string            `json:"jobId"`
	RunID     string            `json:"runId,omitempty"`
	Attempt   int               `json:"attempt"`
	Status    Status            `json:"status"`
	State     pipeline.State    `json:"state"`
	Text      string            `json:"text,omitempty"`
	Summary   *metrics.Summary  `json:"summary,omitempty"`
	Failure   *pipeline.Failure `json:"failure,omitempty"`
	Error     *ErrorInfo        `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}
