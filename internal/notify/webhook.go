// Package notify はジョブの状態遷移を外部の Webhook に通知します。
// ゲートウェイはこの通知を受けて、利用者に見せているステータスメッセージを書き換えます。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yourusername/vidshrink/internal/metrics"
	"github.com/yourusername/vidshrink/internal/pipeline"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "vidshrink-notify"
)

// Payload は Webhook に送る JSON です。
type Payload struct {
	JobID   string            `json:"jobId"`
	State   pipeline.State    `json:"state"`
	Text    string            `json:"text"`
	Summary *metrics.Summary  `json:"summary,omitempty"`
	Failure *pipeline.Failure `json:"failure,omitempty"`
}

// Webhook は状態遷移を POST する通知先を作ります。
type Webhook struct {
	client  *http.Client
	headers map[string]string
}

// NewWebhook は Webhook を作成します。client が nil の場合はタイムアウト付きのクライアントを使います。
func NewWebhook(client *http.Client, headers map[string]string) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Webhook{client: client, headers: headers}
}

// Observer は statusURL に通知する Observer を返します。
// 表示文言のない状態（Cleaned）は送りません。
func (w *Webhook) Observer(statusURL string) pipeline.Observer {
	return func(ctx context.Context, job pipeline.Job) error {
		text := pipeline.StatusText(job)
		if text == "" {
			return nil
		}
		return w.Post(ctx, statusURL, Payload{
			JobID:   job.ID,
			State:   job.State,
			Text:    text,
			Summary: job.Summary,
			Failure: job.Failure,
		})
	}
}

// Post は payload を1回送信します。2xx 以外はエラーになります。
func (w *Webhook) Post(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode status payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status job=%s: %w", payload.JobID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status webhook returned %s", resp.Status)
	}
	return nil
}
