package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/vidshrink/internal/metrics"
)

// Event は状態遷移1回分の通知です。Seq はバス全体で単調増加します。
type Event struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	JobID     string           `json:"jobId"`
	State     State            `json:"state"`
	Text      string           `json:"text,omitempty"`
	Summary   *metrics.Summary `json:"summary,omitempty"`
	Failure   *Failure         `json:"failure,omitempty"`
}

// EventBus は直近のイベントを保持し、差分取得を提供します。
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewEventBus は上限付きのイベントバッファを作成します。
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Publish はイベントを追加し、採番済みのイベントを返します。
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	return event
}

// Since は seq より後のイベントを返します。jobID が空でなければそのジョブに絞ります。
func (b *EventBus) Since(jobID string, seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0)
	for _, event := range b.events {
		if event.Seq <= seq {
			continue
		}
		if jobID != "" && event.JobID != jobID {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Observer は遷移をバスに流す Observer を返します。
func (b *EventBus) Observer() Observer {
	return func(_ context.Context, job Job) error {
		b.Publish(Event{
			JobID:     job.ID,
			State:     job.State,
			Text:      StatusText(job),
			Summary:   job.Summary,
			Failure:   job.Failure,
			Timestamp: job.UpdatedAt,
		})
		return nil
	}
}
