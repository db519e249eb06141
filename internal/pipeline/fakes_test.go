package pipeline

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/vidshrink/internal/transcode"
	"github.com/yourusername/vidshrink/internal/transfer"
	"github.com/yourusername/vidshrink/internal/workspace"
)

const (
	mb        = 1024 * 1024
	mp4Header = "\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testProfile() transcode.Profile {
	return transcode.Profile{
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		VideoBitrate: "1000k",
		AudioBitrate: "128k",
		MaxRate:      "1500k",
		BufSize:      "2000k",
		CRF:          28,
		Preset:       "slower",
		FastStart:    true,
	}
}

// writeSparseMP4 は先頭に MP4 ヘッダーを持つ指定サイズのスパースファイルを作ります。
func writeSparseMP4(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(mp4Header); err != nil {
		return err
	}
	return f.Truncate(size)
}

type fakeFetcher struct {
	size  int64
	err   error
	delay time.Duration
	block bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, src transfer.Source, destPath string, limits transfer.Limits) (int64, error) {
	if f.block {
		<-ctx.Done()
		return 0, &transfer.Error{Kind: transfer.KindTimeout, Message: "download stalled", Err: ctx.Err()}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, &transfer.Error{Kind: transfer.KindNetworkFailure, Message: "canceled", Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	size := f.size
	if size == 0 {
		size = 4096
	}
	if err := writeSparseMP4(destPath, size); err != nil {
		return 0, err
	}
	return size, nil
}

// sizedRunner は ffmpeg の代わりに出力パスへ指定サイズのファイルを書きます。
type sizedRunner struct {
	size  int64
	delay time.Duration
	block bool
	panic bool
}

func (r *sizedRunner) Run(ctx context.Context, name string, args ...string) (transcode.Output, error) {
	if r.panic {
		panic("encoder crashed")
	}
	out := args[len(args)-1]
	if r.block {
		_ = os.WriteFile(out, []byte("partial"), 0o644)
		<-ctx.Done()
		return transcode.Output{Stderr: "frame= 12 fps=0.0", ExitCode: -1}, ctx.Err()
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return transcode.Output{ExitCode: -1}, ctx.Err()
		}
	}
	size := r.size
	if size == 0 {
		size = 1024
	}
	if err := writeSparseMP4(out, size); err != nil {
		return transcode.Output{ExitCode: 1}, err
	}
	return transcode.Output{}, nil
}

type fakeSender struct {
	mu    sync.Mutex
	sinks []transfer.Sink
	sizes []int64
	err   error
}

func (s *fakeSender) Send(ctx context.Context, sourcePath string, sink transfer.Sink, limits transfer.Limits) (transfer.Ack, error) {
	if s.err != nil {
		return transfer.Ack{}, s.err
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return transfer.Ack{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
	s.sizes = append(s.sizes, info.Size())
	return transfer.Ack{StatusCode: 200, Bytes: info.Size()}, nil
}

// stateRecorder はジョブごとの遷移列と同時実行数の最大値を記録します。
type stateRecorder struct {
	mu        sync.Mutex
	states    map[string][]State
	active    int
	maxActive int
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{states: make(map[string][]State)}
}

func (r *stateRecorder) observe(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[job.ID] = append(r.states[job.ID], job.State)
	switch job.State {
	case StateDownloading:
		r.active++
		if r.active > r.maxActive {
			r.maxActive = r.active
		}
	case StateSucceeded, StateFailed:
		seq := r.states[job.ID]
		for _, s := range seq {
			if s == StateDownloading {
				r.active--
				break
			}
		}
	}
	return nil
}

func (r *stateRecorder) sequence(id string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states[id]...)
}

func (r *stateRecorder) max() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

type testEnv struct {
	orch     *Orchestrator
	ws       *workspace.Manager
	fetcher  *fakeFetcher
	runner   *sizedRunner
	sender   *fakeSender
	recorder *stateRecorder
}

type envOptions struct {
	maxJobs          int
	jobTimeout       time.Duration
	transcodeTimeout time.Duration
	fetcher          *fakeFetcher
	runner           *sizedRunner
	sender           *fakeSender
	fetcherOverride  Fetcher
}

func newTestEnv(t *testing.T, eo envOptions) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		ws:       workspace.NewManager(filepath.Join(root, "downloads"), filepath.Join(root, "compressed")),
		fetcher:  eo.fetcher,
		runner:   eo.runner,
		sender:   eo.sender,
		recorder: newStateRecorder(),
	}
	if env.fetcher == nil {
		env.fetcher = &fakeFetcher{}
	}
	if env.runner == nil {
		env.runner = &sizedRunner{}
	}
	if env.sender == nil {
		env.sender = &fakeSender{}
	}
	if eo.maxJobs == 0 {
		eo.maxJobs = 2
	}
	if eo.transcodeTimeout == 0 {
		eo.transcodeTimeout = 5 * time.Second
	}

	var fetcher Fetcher = env.fetcher
	if eo.fetcherOverride != nil {
		fetcher = eo.fetcherOverride
	}

	orch, err := NewOrchestrator(Deps{
		Fetcher:    fetcher,
		Sender:     env.sender,
		Transcoder: transcode.NewExecutorWithRunner("ffmpeg", env.runner, quietLogger()),
		Workspaces: env.ws,
	}, Options{
		MaxConcurrentJobs: eo.maxJobs,
		JobTimeout:        eo.jobTimeout,
		TranscodeTimeout:  eo.transcodeTimeout,
		Profile:           testProfile(),
		FetchLimits:       transfer.Limits{MaxBytes: 100 * mb},
		SendLimits:        transfer.Limits{MaxBytes: 50 * mb},
		Observers:         []Observer{env.recorder.observe},
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}
	env.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) submit(t *testing.T, ref string) *Handle {
	t.Helper()
	h, err := e.orch.Submit(context.Background(), Request{
		Source: transfer.Source{ID: ref, URL: "http://source.test/" + ref},
		Sink:   transfer.Sink{URL: "http://sink.test/upload"},
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	return h
}

func waitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	return result
}
