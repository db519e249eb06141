package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/vidshrink/internal/transcode"
	"github.com/yourusername/vidshrink/internal/transfer"
	"github.com/yourusername/vidshrink/internal/workspace"
)

func assertAbsent(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err=%v", p, err)
		}
	}
}

func assertValidPath(t *testing.T, seq []State) {
	t.Helper()
	if len(seq) < 3 || seq[0] != StateQueued || seq[len(seq)-1] != StateCleaned {
		t.Fatalf("unexpected state sequence: %v", seq)
	}
	terminal := 0
	for i := 1; i < len(seq); i++ {
		if !isValidTransition(seq[i-1], seq[i]) {
			t.Fatalf("invalid transition %s -> %s in %v", seq[i-1], seq[i], seq)
		}
		if seq[i] == StateSucceeded || seq[i] == StateFailed {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("expected exactly one of succeeded/failed, got %v", seq)
	}
}

func TestSubmitSucceeds(t *testing.T) {
	env := newTestEnv(t, envOptions{
		fetcher: &fakeFetcher{size: 50 * mb},
		runner:  &sizedRunner{size: 20 * mb},
	})
	downloadDir, compressedDir := env.ws.Dirs()

	h := env.submit(t, "file50")
	result := waitResult(t, h)

	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Summary == nil {
		t.Fatalf("expected summary in result")
	}
	if math.Abs(result.Summary.OriginalMB-50) > 0.01 ||
		math.Abs(result.Summary.CompressedMB-20) > 0.01 ||
		math.Abs(result.Summary.ReductionPercent-60) > 0.01 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
	if result.Bytes.Original != 50*mb || result.Bytes.Compressed != 20*mb {
		t.Fatalf("unexpected byte counts: %+v", result.Bytes)
	}

	want := []State{StateQueued, StateDownloading, StateTranscoding, StateUploading, StateSucceeded, StateCleaned}
	if seq := env.recorder.sequence(h.ID()); !slices.Equal(seq, want) {
		t.Fatalf("state sequence = %v, want %v", seq, want)
	}

	if len(env.sender.sinks) != 1 {
		t.Fatalf("expected one upload, got %d", len(env.sender.sinks))
	}
	caption := env.sender.sinks[0].Fields["caption"]
	if !strings.Contains(caption, "削減率: 60.0%") {
		t.Fatalf("caption not attached to upload: %q", caption)
	}
	if env.sender.sizes[0] != 20*mb {
		t.Fatalf("uploaded %d bytes, want %d", env.sender.sizes[0], 20*mb)
	}

	snap := h.Snapshot()
	if snap.State != StateCleaned || snap.OutputPath != "" || snap.InputPath != "" {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}
	assertAbsent(t,
		filepath.Join(downloadDir, "input_"+h.ID()+".mp4"),
		filepath.Join(compressedDir, "compressed_"+h.ID()+".mp4"),
	)
}

func TestOutputPathVisibleOnlyWhileSucceeded(t *testing.T) {
	var mu sync.Mutex
	seen := map[State]string{}
	env := newTestEnv(t, envOptions{})
	env.orch.AddObserver(func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.State] = job.OutputPath
		return nil
	})

	waitResult(t, env.submit(t, "vis"))

	mu.Lock()
	defer mu.Unlock()
	for state, path := range seen {
		if state == StateSucceeded {
			if path == "" {
				t.Fatalf("output path should be visible in succeeded state")
			}
			continue
		}
		if path != "" {
			t.Fatalf("output path leaked in state %s: %s", state, path)
		}
	}
}

func TestTranscodeTimeoutFailsJob(t *testing.T) {
	env := newTestEnv(t, envOptions{
		runner:           &sizedRunner{block: true},
		transcodeTimeout: 50 * time.Millisecond,
	})
	_, compressedDir := env.ws.Dirs()

	h := env.submit(t, "slow")
	result := waitResult(t, h)

	if result.Succeeded() || result.Failure == nil {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Failure.Kind != FailureTimeout || result.Failure.Step != StepTranscode {
		t.Fatalf("expected transcode timeout, got %+v", result.Failure)
	}
	if h.Snapshot().OutputPath != "" {
		t.Fatalf("failed job must not expose an output path")
	}
	assertAbsent(t, filepath.Join(compressedDir, "compressed_"+h.ID()+".mp4"))
	if len(env.sender.sinks) != 0 {
		t.Fatalf("nothing should be uploaded after a failed transcode")
	}
}

func TestConcurrencyBoundTenJobs(t *testing.T) {
	env := newTestEnv(t, envOptions{
		maxJobs: 2,
		fetcher: &fakeFetcher{delay: 30 * time.Millisecond},
		runner:  &sizedRunner{delay: 10 * time.Millisecond},
	})

	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		handles = append(handles, env.submit(t, fmt.Sprintf("job%d", i)))
	}
	for _, h := range handles {
		result := waitResult(t, h)
		if !result.Succeeded() {
			t.Fatalf("job %s failed: %+v", h.ID(), result.Failure)
		}
		assertValidPath(t, env.recorder.sequence(h.ID()))
	}
	if got := env.recorder.max(); got != 2 {
		t.Fatalf("max concurrently active = %d, want 2", got)
	}
}

func TestRandomizedSubmissionsRespectSlotBound(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		maxJobs := 1 + rng.Intn(3)
		jobs := 5 + rng.Intn(10)

		t.Run(fmt.Sprintf("trial%d_max%d_jobs%d", trial, maxJobs, jobs), func(t *testing.T) {
			env := newTestEnv(t, envOptions{
				maxJobs: maxJobs,
				fetcher: &fakeFetcher{delay: time.Duration(1+rng.Intn(10)) * time.Millisecond},
				runner:  &sizedRunner{delay: time.Duration(rng.Intn(5)) * time.Millisecond},
			})

			var wg sync.WaitGroup
			handles := make(chan *Handle, jobs)
			for i := 0; i < jobs; i++ {
				wg.Add(1)
				delay := time.Duration(rng.Intn(5)) * time.Millisecond
				go func(i int) {
					defer wg.Done()
					time.Sleep(delay)
					h, err := env.orch.Submit(context.Background(), Request{
						Source: transfer.Source{ID: fmt.Sprintf("r%d", i), URL: "http://source.test/r"},
						Sink:   transfer.Sink{URL: "http://sink.test/upload"},
					})
					if err != nil {
						t.Errorf("Submit returned error: %v", err)
						return
					}
					handles <- h
				}(i)
			}
			wg.Wait()
			close(handles)

			count := 0
			for h := range handles {
				waitResult(t, h)
				assertValidPath(t, env.recorder.sequence(h.ID()))
				count++
			}
			if count != jobs {
				t.Fatalf("expected %d jobs, got %d", jobs, count)
			}
			if got := env.recorder.max(); got > maxJobs {
				t.Fatalf("max concurrently active = %d exceeds bound %d", got, maxJobs)
			}
		})
	}
}

func TestFetchSizeExceededMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := make([]byte, 8192)
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	client := transfer.NewClient(transfer.Options{PoolSize: 2, ConnectTimeout: time.Second, PoolTimeout: time.Second})
	env := newTestEnv(t, envOptions{fetcherOverride: client})
	env.orch.opts.FetchLimits = transfer.Limits{MaxBytes: 64 * 1024, ChunkSize: 8192, IdleTimeout: time.Second, ReadTimeout: time.Second}
	downloadDir, _ := env.ws.Dirs()

	h, err := env.orch.Submit(context.Background(), Request{
		Source: transfer.Source{ID: "big", URL: srv.URL},
		Sink:   transfer.Sink{URL: "http://sink.test/upload"},
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	result := waitResult(t, h)
	if result.Failure == nil || result.Failure.Kind != FailureSizeExceeded || result.Failure.Step != StepDownload {
		t.Fatalf("expected download size_exceeded, got %+v", result)
	}
	input := filepath.Join(downloadDir, "input_"+h.ID()+".mp4")
	assertAbsent(t, input, input+transfer.PartialSuffix)
}

func TestJobDeadlineCancelsInFlightStep(t *testing.T) {
	env := newTestEnv(t, envOptions{
		fetcher:    &fakeFetcher{block: true},
		jobTimeout: 50 * time.Millisecond,
	})
	result := waitResult(t, env.submit(t, "stuck"))
	if result.Failure == nil || result.Failure.Kind != FailureTimeout || result.Failure.Step != StepDownload {
		t.Fatalf("expected download timeout, got %+v", result)
	}
}

func TestStepErrorsMapToFailures(t *testing.T) {
	cases := []struct {
		name string
		env  envOptions
		step Step
		kind FailureKind
	}{
		{
			name: "download network failure",
			env:  envOptions{fetcher: &fakeFetcher{err: &transfer.Error{Kind: transfer.KindNetworkFailure, Message: "reset"}}},
			step: StepDownload,
			kind: FailureNetwork,
		},
		{
			name: "upload rejected",
			env:  envOptions{sender: &fakeSender{err: &transfer.Error{Kind: transfer.KindRejected, Message: "too large"}}},
			step: StepUpload,
			kind: FailureRejected,
		},
		{
			name: "download local write failure",
			env:  envOptions{fetcher: &fakeFetcher{err: &transfer.Error{Kind: transfer.KindLocalIO, Message: "disk full"}}},
			step: StepDownload,
			kind: FailureLocalIO,
		},
		{
			name: "unexpected error",
			env:  envOptions{fetcher: &fakeFetcher{err: errors.New("disk on fire")}},
			step: StepDownload,
			kind: FailureInternal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.env)
			h := env.submit(t, "err")
			result := waitResult(t, h)
			if result.Failure == nil || result.Failure.Step != tc.step || result.Failure.Kind != tc.kind {
				t.Fatalf("expected %s/%s, got %+v", tc.step, tc.kind, result.Failure)
			}
			assertValidPath(t, env.recorder.sequence(h.ID()))
		})
	}
}

func TestWorkspaceAllocationFailure(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write blocker: %v", err)
	}
	recorder := newStateRecorder()
	orch, err := NewOrchestrator(Deps{
		Fetcher:    &fakeFetcher{},
		Sender:     &fakeSender{},
		Transcoder: unusedTranscoder{},
		Workspaces: workspace.NewManager(filepath.Join(blocker, "dl"), filepath.Join(root, "out")),
	}, Options{MaxConcurrentJobs: 1, Profile: testProfile(), Observers: []Observer{recorder.observe}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	h, err := orch.Submit(context.Background(), Request{Source: transfer.Source{URL: "http://source.test/x"}})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	result := waitResult(t, h)
	if result.Failure == nil || result.Failure.Kind != FailureAllocationFailed || result.Failure.Step != StepWorkspace {
		t.Fatalf("expected allocation failure, got %+v", result)
	}
	want := []State{StateQueued, StateFailed, StateCleaned}
	if seq := recorder.sequence(h.ID()); !slices.Equal(seq, want) {
		t.Fatalf("state sequence = %v, want %v", seq, want)
	}
}

type unusedTranscoder struct{}

func (unusedTranscoder) Run(context.Context, string, string, transcode.Profile, time.Duration) error {
	return errors.New("transcoder must not run")
}

func TestPanicBecomesInternalFailureAndReleasesSlot(t *testing.T) {
	env := newTestEnv(t, envOptions{maxJobs: 1, runner: &sizedRunner{panic: true}})

	first := waitResult(t, env.submit(t, "boom"))
	if first.Failure == nil || first.Failure.Kind != FailureInternal || first.Failure.Step != StepTranscode {
		t.Fatalf("expected internal transcode failure, got %+v", first)
	}

	env.runner.panic = false
	second := waitResult(t, env.submit(t, "after"))
	if !second.Succeeded() {
		t.Fatalf("slot was not released after panic: %+v", second)
	}
	if env.ws.Active() != 0 {
		t.Fatalf("workspaces leaked: %d", env.ws.Active())
	}
}

func TestObserverFailuresDoNotAbortJob(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.orch.AddObserver(func(context.Context, Job) error {
		return errors.New("status message could not be edited")
	})
	env.orch.AddObserver(func(context.Context, Job) error {
		panic("observer bug")
	})

	result := waitResult(t, env.submit(t, "obs"))
	if !result.Succeeded() {
		t.Fatalf("observer failure aborted the job: %+v", result)
	}
}

func TestPerRequestObserverReceivesTransitions(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	var mu sync.Mutex
	var states []State
	h, err := env.orch.Submit(context.Background(), Request{
		Source: transfer.Source{ID: "own", URL: "http://source.test/own"},
		Sink:   transfer.Sink{URL: "http://sink.test/upload"},
		Observer: func(_ context.Context, job Job) error {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, job.State)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitResult(t, h)

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 6 || states[len(states)-1] != StateCleaned {
		t.Fatalf("unexpected observed states: %v", states)
	}
}

func TestSubmitRejectsDuplicateAndInvalidIDs(t *testing.T) {
	env := newTestEnv(t, envOptions{fetcher: &fakeFetcher{delay: 50 * time.Millisecond}})

	req := Request{
		ID:     "fixed-id",
		Source: transfer.Source{URL: "http://source.test/a"},
		Sink:   transfer.Sink{URL: "http://sink.test/upload"},
	}
	h, err := env.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if _, err := env.orch.Submit(context.Background(), req); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	req.ID = "../../etc"
	if _, err := env.orch.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	waitResult(t, h)

	if got, ok := env.orch.Lookup("fixed-id"); !ok || got != h {
		t.Fatalf("finished job should remain queryable")
	}
}

func TestShutdownCancelsQueuedAndRunningJobs(t *testing.T) {
	env := newTestEnv(t, envOptions{maxJobs: 1, fetcher: &fakeFetcher{delay: time.Minute}})
	running := env.submit(t, "running")
	queued := env.submit(t, "queued")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := env.orch.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected forced shutdown, got %v", err)
	}

	for _, h := range []*Handle{running, queued} {
		result := h.Result()
		if result.Failure == nil || result.Failure.Kind != FailureCanceled {
			t.Fatalf("job %s: expected canceled failure, got %+v", h.ID(), result)
		}
		assertValidPath(t, env.recorder.sequence(h.ID()))
	}
	if seq := env.recorder.sequence(queued.ID()); slices.Contains(seq, StateDownloading) {
		t.Fatalf("queued job must not have started: %v", seq)
	}

	if _, err := env.orch.Submit(context.Background(), Request{Source: transfer.Source{URL: "http://x.test/"}}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestJobAdmittedAfterForcedShutdownDoesNotStart(t *testing.T) {
	env := newTestEnv(t, envOptions{maxJobs: 1})
	// ジョブの ctx より先に baseCtx だけがキャンセルされた瞬間を再現する。
	env.orch.cancelAll()

	h := &Handle{
		req: Request{
			Source: transfer.Source{ID: "late", URL: "http://source.test/late"},
			Sink:   transfer.Sink{URL: "http://sink.test/upload"},
		},
		observer: env.recorder.observe,
		done:     make(chan struct{}),
		job:      Job{ID: "late", State: StateQueued},
	}
	env.orch.run(context.Background(), h)

	result := h.Result()
	if result.Failure == nil || result.Failure.Kind != FailureCanceled || result.Failure.Step != StepQueue {
		t.Fatalf("expected canceled failure at queue, got %+v", result.Failure)
	}
	want := []State{StateQueued, StateFailed, StateCleaned}
	if seq := env.recorder.sequence("late"); !slices.Equal(seq, want) {
		t.Fatalf("unexpected sequence: %v", seq)
	}
	if !env.orch.slots.TryAcquire(1) {
		t.Fatalf("slot should be released")
	}
	env.orch.slots.Release(1)
}

func TestSlotWaitLimitFailsQueuedJobWithTimeout(t *testing.T) {
	env := newTestEnv(t, envOptions{maxJobs: 1, fetcher: &fakeFetcher{delay: time.Second}})
	blocker := env.submit(t, "blocker")

	h, err := env.orch.Submit(context.Background(), Request{
		Source:   transfer.Source{ID: "waiter", URL: "http://source.test/waiter"},
		Sink:     transfer.Sink{URL: "http://sink.test/upload"},
		SlotWait: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	result := waitResult(t, h)
	if result.Failure == nil || result.Failure.Kind != FailureTimeout || result.Failure.Step != StepQueue {
		t.Fatalf("expected timeout at queue, got %+v", result.Failure)
	}
	if !result.Failure.Retryable() {
		t.Fatalf("slot wait timeout should be retryable")
	}
	if seq := env.recorder.sequence(h.ID()); slices.Contains(seq, StateDownloading) {
		t.Fatalf("waiting job must not have started: %v", seq)
	}
	if r := waitResult(t, blocker); !r.Succeeded() {
		t.Fatalf("blocking job should still succeed, got %+v", r)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	env := newTestEnv(t, envOptions{fetcher: &fakeFetcher{delay: time.Second}})
	h := env.submit(t, "wait")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Wait to stop at the context deadline, got %v", err)
	}
}
