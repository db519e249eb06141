package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/vidshrink/internal/transfer"
)

const (
	maxRefLength        = 64
	defaultCaptionField = "caption"
)

var (
	validJobID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	unsafeRef  = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// ErrInvalidRequest は投入内容が不正な場合に返されます。
var ErrInvalidRequest = errors.New("invalid job request")

// Observer は状態遷移のたびに呼ばれます。エラーはログに残るだけでジョブは止まりません。
type Observer func(ctx context.Context, job Job) error

// ChainObservers は複数の Observer を順に呼ぶ Observer を返します。
func ChainObservers(observers ...Observer) Observer {
	return func(ctx context.Context, job Job) error {
		var errs []error
		for _, obs := range observers {
			if obs == nil {
				continue
			}
			if err := obs(ctx, job); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Submission はジョブ投入のうち、シリアライズ可能な部分です。
// HTTP の投入ボディとキューのタスクペイロードを兼ねます。
type Submission struct {
	ID           string          `json:"id,omitempty"`
	Source       transfer.Source `json:"source"`
	Deliver      transfer.Sink   `json:"deliver"`
	CaptionField string          `json:"captionField,omitempty"`
	StatusURL    string          `json:"statusUrl,omitempty"`
}

// Validate は投入内容を検証します。
func (s Submission) Validate() error {
	if s.ID != "" && !validJobID.MatchString(s.ID) {
		return fmt.Errorf("%w: id must match [A-Za-z0-9_-]{1,128}", ErrInvalidRequest)
	}
	if err := validateHTTPURL(s.Source.URL); err != nil {
		return fmt.Errorf("%w: source.url %v", ErrInvalidRequest, err)
	}
	if s.Source.Size < 0 {
		return fmt.Errorf("%w: source.size must not be negative", ErrInvalidRequest)
	}
	if err := validateHTTPURL(s.Deliver.URL); err != nil {
		return fmt.Errorf("%w: deliver.url %v", ErrInvalidRequest, err)
	}
	if s.StatusURL != "" {
		if err := validateHTTPURL(s.StatusURL); err != nil {
			return fmt.Errorf("%w: statusUrl %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// Request は Submission に実行時の Observer を加えたものです。
func (s Submission) Request(statusObserver func(statusURL string) Observer) Request {
	req := Request{
		ID:           s.ID,
		Source:       s.Source,
		Sink:         s.Deliver,
		CaptionField: s.CaptionField,
	}
	if s.StatusURL != "" && statusObserver != nil {
		req.Observer = statusObserver(s.StatusURL)
	}
	return req
}

// Request は Orchestrator.Submit に渡す1件分の依頼です。
// 直接送られた動画か、返信で指定された動画かに関係なく同じ形で投入します。
type Request struct {
	ID           string // 空なら Source.ID から生成
	Source       transfer.Source
	Sink         transfer.Sink
	CaptionField string // 空なら "caption"
	Observer     Observer
	// SlotWait はスロット待ちの上限です。0 なら無制限に待ちます。
	SlotWait time.Duration
}

// NewJobID は取得元の参照からジョブIDを作ります。
// 使えない文字を除いた参照（最大64文字）に UUID の先頭8桁を付けます。
func NewJobID(sourceRef string) string {
	id := uuid.NewString()
	ref := unsafeRef.ReplaceAllString(sourceRef, "")
	if ref == "" {
		return id
	}
	if len(ref) > maxRefLength {
		ref = ref[:maxRefLength]
	}
	return ref + "-" + strings.ReplaceAll(id, "-", "")[:8]
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is invalid: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must be http or https")
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}

func withCaption(sink transfer.Sink, field, caption string) transfer.Sink {
	if field == "" {
		field = defaultCaptionField
	}
	fields := make(map[string]string, len(sink.Fields)+1)
	for k, v := range sink.Fields {
		fields[k] = v
	}
	if _, exists := fields[field]; !exists {
		fields[field] = caption
	}
	sink.Fields = fields
	return sink
}
