// Package transfer は外部URLとローカルファイルの間でデータをチャンク単位にストリーミングします。
// サイズ上限と接続・読み込み・書き込み・停止・接続枠待ちの各タイムアウトを適用します。
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultChunkSize = 8192
	// PartialSuffix は受信途中のファイルに付ける拡張子です。
	PartialSuffix = ".part"

	maxAckBody = 4096
)

// Source は取得元の動画です。Size は取得元が申告したサイズで、不明なら0です。
type Source struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// Sink は圧縮後の動画の送り先です。multipart/form-data で送信します。
type Sink struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	FieldName string            `json:"fieldName,omitempty"`
	FileName  string            `json:"fileName,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Limits は1回の転送に適用する上限値です。
type Limits struct {
	MaxBytes     int64
	ChunkSize    int
	ReadTimeout  time.Duration // リクエスト送信後、レスポンスヘッダーが届くまで
	IdleTimeout  time.Duration // 受信中にデータが途切れてよい時間
	WriteTimeout time.Duration // 送信中にデータが流れなくてよい時間
}

func (l Limits) chunkSize() int {
	if l.ChunkSize <= 0 {
		return defaultChunkSize
	}
	return l.ChunkSize
}

// Ack は送信先が受理したことを表します。
type Ack struct {
	StatusCode int    `json:"statusCode"`
	Bytes      int64  `json:"bytes"`
	Body       string `json:"body,omitempty"`
}

// Options は Client の接続設定です。
type Options struct {
	PoolSize       int
	ConnectTimeout time.Duration
	PoolTimeout    time.Duration
	// Transport を指定した場合は接続設定より優先します。
	Transport http.RoundTripper
}

// Client は接続枠付きの HTTP 転送クライアントです。
type Client struct {
	http        *http.Client
	pool        *semaphore.Weighted
	poolTimeout time.Duration
}

// NewClient は Client を作成します。
func NewClient(opts Options) *Client {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	transport := opts.Transport
	if transport == nil {
		dialer := &net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: opts.ConnectTimeout,
			MaxConnsPerHost:     poolSize,
			MaxIdleConnsPerHost: poolSize,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &Client{
		http:        &http.Client{Transport: transport},
		pool:        semaphore.NewWeighted(int64(poolSize)),
		poolTimeout: opts.PoolTimeout,
	}
}

// acquire は接続枠を1つ確保します。PoolTimeout を過ぎたら timeout を返します。
func (c *Client) acquire(ctx context.Context) (func(), error) {
	release := func() { c.pool.Release(1) }
	if c.pool.TryAcquire(1) {
		return release, nil
	}

	waitCtx := ctx
	if c.poolTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.poolTimeout)
		defer cancel()
	}
	if err := c.pool.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, classify(ctx, nil, "connection slot wait", ctx.Err())
		}
		return nil, newError(KindTimeout, fmt.Sprintf("no connection slot within %s", c.poolTimeout), nil)
	}
	return release, nil
}

// Fetch は src をダウンロードして destPath に保存し、受信バイト数を返します。
// 受信中は destPath+".part" に書き込み、成功時のみリネームします。
// 失敗時は途中のファイルを残しません。
func (c *Client) Fetch(ctx context.Context, src Source, destPath string, limits Limits) (int64, error) {
	if src.URL == "" {
		return 0, newError(KindNetworkFailure, "source url is empty", nil)
	}
	if limits.MaxBytes > 0 && src.Size > limits.MaxBytes {
		return 0, &Error{
			Kind:    KindSizeExceeded,
			Message: fmt.Sprintf("source reports %d bytes, limit is %d", src.Size, limits.MaxBytes),
		}
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	ctx, guard := newStallGuard(ctx, limits.ReadTimeout)
	defer guard.stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return 0, newError(KindNetworkFailure, "invalid source url", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, classify(ctx, guard, "download request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &Error{
			Kind:       KindNetworkFailure,
			Message:    "source responded with unexpected status",
			StatusCode: resp.StatusCode,
		}
	}
	if limits.MaxBytes > 0 && resp.ContentLength > limits.MaxBytes {
		return 0, &Error{
			Kind:    KindSizeExceeded,
			Message: fmt.Sprintf("content length %d exceeds limit %d", resp.ContentLength, limits.MaxBytes),
		}
	}

	guard.rearm(limits.IdleTimeout)

	partPath := destPath + PartialSuffix
	n, err := receive(resp.Body, partPath, limits, guard)
	if err != nil {
		_ = os.Remove(partPath)
		var tErr *Error
		if errors.As(err, &tErr) {
			return 0, err
		}
		return 0, classify(ctx, guard, "download", err)
	}

	if err := os.Rename(partPath, destPath); err != nil {
		_ = os.Remove(partPath)
		return 0, newError(KindLocalIO, "failed to finalize download", err)
	}
	return n, nil
}

func receive(body io.Reader, partPath string, limits Limits, guard *stallGuard) (n int64, err error) {
	f, err := os.Create(partPath)
	if err != nil {
		return 0, newError(KindLocalIO, "failed to create download file", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = newError(KindLocalIO, "failed to close download file", closeErr)
		}
	}()

	buf := make([]byte, limits.chunkSize())
	for {
		nr, readErr := body.Read(buf)
		if nr > 0 {
			guard.kick()
			if limits.MaxBytes > 0 && n+int64(nr) > limits.MaxBytes {
				return n, &Error{
					Kind:    KindSizeExceeded,
					Message: fmt.Sprintf("download exceeded %d bytes", limits.MaxBytes),
				}
			}
			if _, writeErr := f.Write(buf[:nr]); writeErr != nil {
				return n, newError(KindLocalIO, "failed to write download file", writeErr)
			}
			n += int64(nr)
		}
		if readErr == io.EOF {
			return n, nil
		}
		if readErr != nil {
			return n, readErr
		}
	}
}

// Send は sourcePath のファイルを sink に multipart/form-data で送信します。
// ファイルが MaxBytes を超える場合は通信せずに rejected を返します。
func (c *Client) Send(ctx context.Context, sourcePath string, sink Sink, limits Limits) (Ack, error) {
	if sink.URL == "" {
		return Ack{}, newError(KindRejected, "sink url is empty", nil)
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return Ack{}, newError(KindLocalIO, "failed to open upload source", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Ack{}, newError(KindLocalIO, "failed to stat upload source", err)
	}
	if limits.MaxBytes > 0 && info.Size() > limits.MaxBytes {
		return Ack{}, &Error{
			Kind:    KindRejected,
			Message: fmt.Sprintf("file too large for the platform (%d bytes, limit %d)", info.Size(), limits.MaxBytes),
		}
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return Ack{}, err
	}
	defer release()

	ctx, guard := newStallGuard(ctx, limits.WriteTimeout)
	defer guard.stop()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := writeMultipart(mw, f, sourcePath, sink, limits.chunkSize(), guard)
		if err == nil {
			err = mw.Close()
		}
		// 本文を書き終えたらレスポンス待ちに切り替える
		if err == nil {
			guard.rearm(limits.ReadTimeout)
		}
		pw.CloseWithError(err)
	}()

	method := sink.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, sink.URL, pr)
	if err != nil {
		pr.CloseWithError(err)
		<-done
		return Ack{}, newError(KindRejected, "invalid sink url", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for key, value := range sink.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	pr.CloseWithError(io.ErrClosedPipe)
	<-done
	if err != nil {
		return Ack{}, classify(ctx, guard, "upload", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return Ack{StatusCode: resp.StatusCode, Bytes: info.Size(), Body: string(body)}, nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return Ack{}, &Error{Kind: KindRejected, Message: "sink rejected the file as too large", StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return Ack{}, &Error{Kind: KindRejected, Message: "sink rejected the upload: " + strings.TrimSpace(string(body)), StatusCode: resp.StatusCode}
	}
	return Ack{}, &Error{Kind: KindNetworkFailure, Message: "sink responded with unexpected status", StatusCode: resp.StatusCode}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeMultipart(mw *multipart.Writer, src io.Reader, sourcePath string, sink Sink, chunkSize int, guard *stallGuard) error {
	keys := make([]string, 0, len(sink.Fields))
	for key := range sink.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := mw.WriteField(key, sink.Fields[key]); err != nil {
			return err
		}
	}

	fieldName := sink.FieldName
	if fieldName == "" {
		fieldName = "video"
	}
	fileName := sink.FileName
	if fileName == "" {
		fileName = filepath.Base(sourcePath)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(fieldName), quoteEscaper.Replace(fileName)))
	header.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	for {
		nr, readErr := src.Read(buf)
		if nr > 0 {
			if _, err := part.Write(buf[:nr]); err != nil {
				return err
			}
			guard.kick()
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
