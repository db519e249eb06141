// Package pipeline はダウンロード→圧縮→アップロード→後片付けを1つのジョブとして順に実行し、
// 同時実行数をスロットで制限します。
package pipeline

import (
	"time"

	"github.com/yourusername/vidshrink/internal/metrics"
	"github.com/yourusername/vidshrink/internal/transfer"
)

// State はジョブの状態です。状態は前にしか進みません。
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateTranscoding State = "transcoding"
	StateUploading   State = "uploading"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateCleaned     State = "cleaned"
)

// Step は失敗したステップです。
type Step string

const (
	StepQueue     Step = "queue"
	StepWorkspace Step = "workspace"
	StepDownload  Step = "download"
	StepTranscode Step = "transcode"
	StepUpload    Step = "upload"
)

// FailureKind は失敗の分類です。各コンポーネントのエラー種別をそのまま引き継ぎます。
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureSizeExceeded     FailureKind = "size_exceeded"
	FailureNetwork          FailureKind = "network_failure"
	FailureRejected         FailureKind = "rejected"
	FailureLocalIO          FailureKind = "local_io"
	FailureProcess          FailureKind = "process_failed"
	FailureInvalidInput     FailureKind = "invalid_input"
	FailureAllocationFailed FailureKind = "allocation_failed"
	FailureCanceled         FailureKind = "canceled"
	FailureInternal         FailureKind = "internal"
)

// Failure は Failed 状態の理由です。
type Failure struct {
	Step    Step        `json:"step"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Retryable は同じ入力で再実行すれば成功しうる失敗かを返します。
func (f *Failure) Retryable() bool {
	if f == nil {
		return false
	}
	return f.Kind == FailureTimeout || f.Kind == FailureNetwork
}

// UserMessage は利用者に見せる短い失敗メッセージです。内部の詳細は含みません。
func (f *Failure) UserMessage() string {
	if f == nil {
		return ""
	}
	switch f.Step {
	case StepDownload:
		if f.Kind == FailureSizeExceeded {
			return "❌ 動画のサイズが大きすぎるため処理できません。"
		}
		if f.Kind == FailureTimeout {
			return "❌ 動画のダウンロードがタイムアウトしました。"
		}
		return "❌ 動画のダウンロードに失敗しました。"
	case StepTranscode:
		if f.Kind == FailureTimeout {
			return "❌ 動画の圧縮がタイムアウトしました。"
		}
		return "❌ 動画の圧縮中にエラーが発生しました。"
	case StepUpload:
		switch f.Kind {
		case FailureTimeout:
			return "❌ アップロードがタイムアウトしました。ファイルが大きすぎる可能性があります。"
		case FailureRejected:
			return "❌ 圧縮後の動画を送信できませんでした。ファイルが大きすぎる可能性があります。"
		}
		return "❌ 圧縮した動画の送信に失敗しました。"
	}
	if f.Kind == FailureTimeout {
		return "❌ 処理がタイムアウトしました。"
	}
	return "❌ エラーが発生しました。しばらくしてからもう一度お試しください。"
}

// StatusText は状態ごとの利用者向けステータス文言を返します。
func StatusText(job Job) string {
	switch job.State {
	case StateQueued:
		return "⏳ 順番待ちです..."
	case StateDownloading:
		return "📥 動画をダウンロード中..."
	case StateTranscoding:
		return "🔄 動画を圧縮中..."
	case StateUploading:
		return "📤 圧縮した動画をアップロード中..."
	case StateSucceeded:
		return "✅ 圧縮が完了しました！"
	case StateFailed:
		return job.Failure.UserMessage()
	}
	return ""
}

// Bytes は転送済みのバイト数です。
type Bytes struct {
	Original   int64 `json:"original"`
	Compressed int64 `json:"compressed"`
}

// Job は1本の動画に対する処理単位のスナップショットです。
type Job struct {
	ID         string           `json:"jobId"`
	State      State            `json:"state"`
	Failure    *Failure         `json:"failure,omitempty"`
	Source     transfer.Source  `json:"source"`
	InputPath  string           `json:"inputPath,omitempty"`
	OutputPath string           `json:"outputPath,omitempty"`
	Bytes      Bytes            `json:"bytes"`
	Summary    *metrics.Summary `json:"summary,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Terminal は Succeeded/Failed/Cleaned のいずれかかを返します。
func (j Job) Terminal() bool {
	switch j.State {
	case StateSucceeded, StateFailed, StateCleaned:
		return true
	}
	return false
}

// Result は完了したジョブの結果です。State は Succeeded か Failed です。
type Result struct {
	JobID   string           `json:"jobId"`
	State   State            `json:"state"`
	Bytes   Bytes            `json:"bytes"`
	Summary *metrics.Summary `json:"summary,omitempty"`
	Failure *Failure         `json:"failure,omitempty"`
}

// Succeeded は成功したかを返します。
func (r Result) Succeeded() bool {
	return r.State == StateSucceeded
}

// isValidTransition はジョブの状態遷移として許される辺かを判定します。
func isValidTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateDownloading || to == StateFailed
	case StateDownloading:
		return to == StateTranscoding || to == StateFailed
	case StateTranscoding:
		return to == StateUploading || to == StateFailed
	case StateUploading:
		return to == StateSucceeded || to == StateFailed
	case StateSucceeded, StateFailed:
		return to == StateCleaned
	default:
		return false
	}
}
