package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"reposter/internal/dispatch"
	"reposter/internal/eventbus"
	logx "reposter/pkg/logx"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, payload)
	return f.err
}

func (f *fakePublisher) Close() {}

func TestRecorderCountsAndPublishes(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	r := NewRecorder(eventbus.New(), pub, logx.Nop())
	ctx := context.Background()

	r.handle(ctx, eventbus.Event{Type: dispatch.EventDestinationResult, Data: dispatch.ResultEvent{Result: dispatch.DestinationResult{Outcome: dispatch.Delivered}}})
	r.handle(ctx, eventbus.Event{Type: dispatch.EventDestinationResult, Data: dispatch.ResultEvent{Result: dispatch.DestinationResult{Outcome: dispatch.FailedFinal}}})
	r.handle(ctx, eventbus.Event{Type: dispatch.EventItemAbandoned})

	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := dispatch.Summary{
		CycleID:    "c1",
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Polled:     2,
		Committed:  1,
		Err:        errors.New("persistence failure"),
		Error:      "persistence failure",
	}
	r.handle(ctx, eventbus.Event{Type: dispatch.EventCycleFinished, Data: s})

	st := r.Stats()
	if st.Cycles != 1 || st.FailedCycles != 1 || st.ItemsRecorded != 1 || st.Abandoned != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if st.Outcomes[dispatch.Delivered] != 1 || st.Outcomes[dispatch.FailedFinal] != 1 {
		t.Fatalf("outcomes=%v", st.Outcomes)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages", len(pub.msgs))
	}
	var got struct {
		CycleID string `json:"cycle_id"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(pub.msgs[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CycleID != "c1" || got.Error != "persistence failure" {
		t.Fatalf("payload=%s", pub.msgs[0])
	}
}

func TestRecorderRunStopsWithContext(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	pub := &fakePublisher{err: errors.New("nsqd down")}
	r := NewRecorder(bus, pub, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Stats().Cycles == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: dispatch.EventCycleFinished, Data: dispatch.Summary{CycleID: "c"}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := r.Stats(); st.Cycles == 0 || st.PublishErrors == 0 {
		t.Fatalf("stats=%+v", st)
	}
}
