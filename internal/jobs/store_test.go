package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/vidshrink/internal/metrics"
	"github.com/yourusername/vidshrink/internal/pipeline"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, 10*time.Minute), mr
}

func TestStoreUpsertAndGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, &Record{JobID: "a", Status: StatusQueued, State: pipeline.StateQueued}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	record, err := store.Get(ctx, "a")
	if err != nil || record == nil {
		t.Fatalf("Get returned %v, %v", record, err)
	}
	if record.CreatedAt.IsZero() || record.ExpiresAt.Sub(record.CreatedAt) != 10*time.Minute {
		t.Fatalf("unexpected timestamps: %+v", record)
	}
	if ttl := mr.TTL(jobKeyPrefix + "a"); ttl != 10*time.Minute {
		t.Fatalf("unexpected key ttl: %v", ttl)
	}

	missing, err := store.Get(ctx, "missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil record for missing key, got %v, %v", missing, err)
	}
	if _, found, err := store.LookupJob(ctx, "missing"); found || err != nil {
		t.Fatalf("LookupJob(missing) = %v, %v", found, err)
	}
	if got, found, err := store.LookupJob(ctx, "a"); !found || err != nil || got.(*Record).JobID != "a" {
		t.Fatalf("LookupJob(a) = %v, %v, %v", got, found, err)
	}
}

func TestStoreUpdateMissingRecord(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.MarkFailed(context.Background(), "ghost", &ErrorInfo{Code: "X"})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestStoreObserverFollowsRuns(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, &Record{JobID: "vid", Status: StatusQueued}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if err := store.MarkRunning(ctx, "vid", "vid-r1", 1); err != nil {
		t.Fatalf("MarkRunning returned error: %v", err)
	}

	obs := store.Observer("vid")
	summary := metrics.Summarize(100, 40)
	for _, job := range []pipeline.Job{
		{ID: "vid-r1", State: pipeline.StateTranscoding},
		{ID: "vid-r1", State: pipeline.StateSucceeded, Summary: &summary},
		{ID: "vid-r1", State: pipeline.StateCleaned},
	} {
		if err := obs(ctx, job); err != nil {
			t.Fatalf("observer returned error: %v", err)
		}
	}

	record, err := store.Get(ctx, "vid")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.RunID != "vid-r1" || record.Attempt != 1 || record.Status != StatusRunning {
		t.Fatalf("unexpected run info: %+v", record)
	}
	if record.State != pipeline.StateCleaned || record.Summary == nil || record.Text != "✅ 圧縮が完了しました！" {
		t.Fatalf("unexpected observed state: %+v", record)
	}
}

func TestStoreConcurrentUpdatesAreNotLost(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, &Record{JobID: "c"}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	const writers = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.updatePartial(ctx, "c", func(r *Record) { r.Attempt++ }); err != nil {
				t.Errorf("updatePartial returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	record, err := store.Get(ctx, "c")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Attempt != writers {
		t.Fatalf("expected %d increments, got %d", writers, record.Attempt)
	}
}

func TestStoreCreateOnlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, &Record{JobID: "once", Status: StatusQueued})
	if err != nil || !created {
		t.Fatalf("first Create = %v, %v", created, err)
	}
	if err := store.MarkRunning(ctx, "once", "once", 0); err != nil {
		t.Fatalf("MarkRunning returned error: %v", err)
	}
	created, err = store.Create(ctx, &Record{JobID: "once", Status: StatusQueued})
	if err != nil || created {
		t.Fatalf("second Create = %v, %v", created, err)
	}
	if record, _ := store.Get(ctx, "once"); record.Status != StatusRunning {
		t.Fatalf("existing record was overwritten: %+v", record)
	}
}

func TestStoreUpdateRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, &Record{JobID: "ttl"}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	mr.FastForward(8 * time.Minute)
	if err := store.MarkRunning(ctx, "ttl", "ttl", 0); err != nil {
		t.Fatalf("MarkRunning returned error: %v", err)
	}
	if ttl := mr.TTL(jobKeyPrefix + "ttl"); ttl != 10*time.Minute {
		t.Fatalf("ttl should be refreshed on update, got %v", ttl)
	}
	mr.FastForward(8 * time.Minute)
	if record, err := store.Get(ctx, "ttl"); err != nil || record == nil {
		t.Fatalf("record expired despite the refresh: %v", err)
	}
}
