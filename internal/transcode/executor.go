// Package transcode は外部の ffmpeg プロセスを固定プロファイルで起動し、動画を圧縮します。
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// 強制終了後に出力パイプの回収を待つ上限
const defaultWaitDelay = 5 * time.Second

// ErrorKind は変換エラーの種別です。
type ErrorKind string

const (
	KindProcessFailed ErrorKind = "process_failed"
	KindTimeout       ErrorKind = "timeout"
	KindInvalidInput  ErrorKind = "invalid_input"
)

// Error は変換処理のエラーです。Diagnostics には ffmpeg の出力全体が入ります。
type Error struct {
	Kind        ErrorKind
	Message     string
	Diagnostics string
	ExitCode    int
	Err         error
}

func (e *Error) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %s (exit=%d)", e.Kind, e.Message, e.ExitCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Output は1回のプロセス実行結果です。
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner はプロセス実行を抽象化します。テストでは差し替えます。
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

type execRunner struct {
	waitDelay time.Duration
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.waitDelay
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		out.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		}
		return out, err
	}
	return out, nil
}

// Executor は ffmpeg を使って入力動画を圧縮します。
type Executor struct {
	ffmpegPath string
	runner     Runner
	logger     *log.Logger
	lookPath   func(file string) (string, error)
}

// NewExecutor は実プロセスを起動する Executor を作成します。
func NewExecutor(ffmpegPath string, logger *log.Logger) *Executor {
	return NewExecutorWithRunner(ffmpegPath, execRunner{waitDelay: defaultWaitDelay}, logger)
}

// NewExecutorWithRunner は任意の Runner を使う Executor を作成します。
func NewExecutorWithRunner(ffmpegPath string, runner Runner, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		ffmpegPath: ffmpegPath,
		runner:     runner,
		logger:     logger,
		lookPath:   exec.LookPath,
	}
}

// Check は ffmpeg の実行ファイルを解決し、そのパスを返します。
func (e *Executor) Check() (string, error) {
	path, err := e.lookPath(e.ffmpegPath)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found (%s): %w", e.ffmpegPath, err)
	}
	return path, nil
}

// Run は inputPath を profile で圧縮し outputPath に書き出します。
// timeout を超えた場合はプロセスを強制終了して KindTimeout を返します。
// エラー時は outputPath を必ず削除してから戻ります。
func (e *Executor) Run(ctx context.Context, inputPath, outputPath string, profile Profile, timeout time.Duration) (err error) {
	defer func() {
		if err != nil && outputPath != inputPath {
			removeOutput(outputPath)
		}
	}()

	if err := profile.Validate(); err != nil {
		return &Error{Kind: KindInvalidInput, Message: "invalid transcode profile", Err: err}
	}
	if outputPath == "" || outputPath == inputPath {
		return &Error{Kind: KindInvalidInput, Message: "output path must differ from input path"}
	}
	if err := validateInput(inputPath); err != nil {
		return err
	}
	removeOutput(outputPath)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	out, runErr := e.runner.Run(runCtx, e.ffmpegPath, profile.Args(inputPath, outputPath)...)
	diagnostics := joinDiagnostics(out)

	if runErr != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return &Error{
				Kind:        KindTimeout,
				Message:     fmt.Sprintf("ffmpeg killed after %s", time.Since(started).Round(time.Millisecond)),
				Diagnostics: diagnostics,
				Err:         context.DeadlineExceeded,
			}
		case errors.Is(runCtx.Err(), context.Canceled):
			return &Error{
				Kind:        KindProcessFailed,
				Message:     "ffmpeg canceled",
				Diagnostics: diagnostics,
				Err:         context.Canceled,
			}
		}
		return &Error{
			Kind:        KindProcessFailed,
			Message:     "ffmpeg exited with error",
			Diagnostics: diagnostics,
			ExitCode:    out.ExitCode,
			Err:         runErr,
		}
	}

	info, statErr := os.Stat(outputPath)
	if statErr != nil || info.Size() == 0 {
		return &Error{
			Kind:        KindProcessFailed,
			Message:     "ffmpeg produced no output",
			Diagnostics: diagnostics,
			Err:         statErr,
		}
	}

	e.logger.Printf("ffmpeg finished in %s output=%s size=%d", time.Since(started).Round(time.Millisecond), outputPath, info.Size())
	return nil
}

func validateInput(inputPath string) error {
	info, err := os.Stat(inputPath)
	if err != nil {
		return &Error{Kind: KindInvalidInput, Message: "input file is not readable", Err: err}
	}
	if info.IsDir() {
		return &Error{Kind: KindInvalidInput, Message: "input path is a directory"}
	}
	if info.Size() == 0 {
		return &Error{Kind: KindInvalidInput, Message: "input file is empty"}
	}

	mtype, err := mimetype.DetectFile(inputPath)
	if err != nil {
		return &Error{Kind: KindInvalidInput, Message: "failed to detect input type", Err: err}
	}
	for m := mtype; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") || strings.HasPrefix(m.String(), "audio/") {
			return nil
		}
	}
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf("input is not a media file (%s)", mtype.String())}
}

func joinDiagnostics(out Output) string {
	switch {
	case out.Stdout == "":
		return out.Stderr
	case out.Stderr == "":
		return out.Stdout
	}
	return out.Stderr + "\n" + out.Stdout
}

func removeOutput(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
