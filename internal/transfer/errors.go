package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind は転送エラーの種別です。
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindSizeExceeded   ErrorKind = "size_exceeded"
	KindNetworkFailure ErrorKind = "network_failure"
	KindRejected       ErrorKind = "rejected"
	// KindLocalIO はローカルファイルの読み書きに失敗したことを表します。
	KindLocalIO ErrorKind = "local_io"
)

// Error は転送処理のエラーです。
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf は err に含まれる転送エラーの種別を返します。転送エラーでなければ空文字です。
func KindOf(err error) ErrorKind {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Kind
	}
	return ""
}

// IsKind は err が指定した種別の転送エラーかを判定します。
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// classify は I/O エラーを転送エラーに変換します。
// 停止検知によるキャンセルとジョブ期限切れはどちらも timeout として扱います。
func classify(ctx context.Context, guard *stallGuard, op string, err error) error {
	if guard != nil && guard.tripped() {
		return newError(KindTimeout, fmt.Sprintf("%s stalled for %s", op, guard.limit()), err)
	}
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return newError(KindTimeout, op+" exceeded deadline", context.DeadlineExceeded)
	case errors.Is(ctxErr, context.Canceled):
		return newError(KindNetworkFailure, op+" canceled", context.Canceled)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, op+" timed out", err)
	}
	return newError(KindNetworkFailure, op+" failed", err)
}
