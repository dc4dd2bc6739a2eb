package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"reposter/internal/render"
	"reposter/internal/runtime/supervisor"
	"reposter/internal/storage"
	logx "reposter/pkg/logx"
)

func waitIdle(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, busy := r.Running(); !busy && len(r.History()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cycle did not finish")
}

func TestRunnerRejectsConcurrentCycles(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(item("a", 1))
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	x := newFake("x")
	x.hook = func(ctx context.Context, _ render.Payload) error {
		entered <- struct{}{}
		<-release
		return nil
	}
	d := newDispatcher(src, storage.NewMemory(), entry(x, 1))
	sup := supervisor.New(context.Background())
	r := NewRunner(d, sup, 5, logx.Nop())

	id, err := r.Trigger("http")
	if err != nil || id == "" {
		t.Fatalf("Trigger: id=%q err=%v", id, err)
	}
	<-entered

	if cur, busy := r.Running(); !busy || cur != id {
		t.Fatalf("Running=%q,%v want %q", cur, busy, id)
	}
	if _, err := r.Trigger("http"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Trigger err=%v", err)
	}
	if _, err := r.RunOnce(context.Background(), "cli"); !errors.Is(err, ErrBusy) {
		t.Fatalf("RunOnce err=%v", err)
	}

	close(release)
	waitIdle(t, r)

	s, ok := r.Find(id)
	if !ok || s.Committed != 1 || s.Trigger != "http" {
		t.Fatalf("Find=%+v,%v", s, ok)
	}
	// the lock is free again
	if _, err := r.RunOnce(context.Background(), "cli"); err != nil {
		t.Fatalf("RunOnce after finish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRunnerHistoryBounded(t *testing.T) {
	t.Parallel()

	d := newDispatcher(&fakeSource{}, storage.NewMemory())
	r := NewRunner(d, nil, 2, logx.Nop())
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("cycle-%d", n)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.RunOnce(context.Background(), "cli"); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	h := r.History()
	if len(h) != 2 || h[0].CycleID != "cycle-3" || h[1].CycleID != "cycle-2" {
		t.Fatalf("history=%v", h)
	}
	if _, ok := r.Find("cycle-1"); ok {
		t.Fatalf("evicted cycle still found")
	}
}

func TestRunOnceIgnoresCallerCancel(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "reposter.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	src := &fakeSource{}
	src.set(item("a", 1), item("b", 2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x := newFake("x")
	x.hook = func(context.Context, render.Payload) error {
		// the caller goes away after the first send is under way
		cancel()
		return nil
	}
	r := NewRunner(newDispatcher(src, st, entry(x, 1)), nil, 5, logx.Nop())

	s, err := r.RunOnce(ctx, "cli")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if s.Err != nil || s.Committed != 2 {
		t.Fatalf("committed=%d err=%v", s.Committed, s.Err)
	}
	for _, rec := range s.Items {
		if rec.State != WatermarkAdvanced {
			t.Fatalf("item %s state=%s", rec.ItemID, rec.State)
		}
	}
	if wm := watermark(t, st); wm.ItemID != "b" {
		t.Fatalf("watermark=%+v", wm)
	}
	if _, ok, err := st.FindByItemID(context.Background(), "a"); err != nil || !ok {
		t.Fatalf("item a not recorded: ok=%v err=%v", ok, err)
	}
}
