package dispatch

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reposter/internal/destination"
	"reposter/internal/eventbus"
	"reposter/internal/render"
	"reposter/internal/retry"
	"reposter/internal/source"
	"reposter/internal/storage"
	logx "reposter/pkg/logx"
)

func at(m int) time.Time { return time.Date(2024, 3, 1, 10, m, 0, 0, time.UTC) }

func item(id string, m int) source.Item {
	return source.Item{
		ID:          id,
		Title:       "Video " + id,
		Body:        "about " + id,
		Link:        "https://www.youtube.com/watch?v=" + id,
		PublishedAt: at(m),
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fakeSource serves a fixed upstream list the way the real pollers do:
// at or after the cursor time, minus the cursor item, oldest first.
type fakeSource struct {
	mu    sync.Mutex
	items []source.Item
	err   error
	polls int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) set(items ...source.Item) {
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
}

func (f *fakeSource) Poll(_ context.Context, after source.Cursor) ([]source.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.err != nil {
		return nil, f.err
	}
	var out []source.Item
	for _, it := range f.items {
		if it.PublishedAt.Before(after.PublishedAt) || it.ID == after.ItemID {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out, nil
}

// fakeAdapter fails its first failFirst calls with err (always when
// failFirst < 0) and records what it was sent.
type fakeAdapter struct {
	id        string
	caps      destination.Capability
	failFirst int
	err       error
	hook      func(ctx context.Context, p render.Payload) error

	calls atomic.Int32
	mu    sync.Mutex
	sent  []string // item ids of successful sends
	tries map[string]int
}

func newFake(id string) *fakeAdapter {
	return &fakeAdapter{id: id, caps: destination.CapText, tries: map[string]int{}}
}

func (f *fakeAdapter) ID() string                            { return f.id }
func (f *fakeAdapter) Kind() string                          { return "fake" }
func (f *fakeAdapter) Capabilities() destination.Capability { return f.caps }

func (f *fakeAdapter) Publish(ctx context.Context, p render.Payload) error {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.tries[p.Item.ID]++
	f.mu.Unlock()
	if f.hook != nil {
		if err := f.hook(ctx, p); err != nil {
			return err
		}
	}
	if f.failFirst < 0 || n <= f.failFirst {
		if f.err != nil {
			return f.err
		}
		return &destination.Error{Destination: f.id, Status: http.StatusServiceUnavailable}
	}
	f.mu.Lock()
	f.sent = append(f.sent, p.Item.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) triesFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tries[id]
}

func entry(a *fakeAdapter, attempts int) destination.Entry {
	return destination.Entry{
		ID:       a.id,
		Kind:     "fake",
		Adapter:  a,
		Renderer: render.New(a.id, render.Defaults("discord")),
		Retry:    retry.Policy{MaxAttempts: attempts, Delay: time.Second},
	}
}

// flakyStore fails inserts or watermark writes for chosen items.
type flakyStore struct {
	Store
	mu         sync.Mutex
	failInsert map[string]int
	failSet    map[string]int
}

func (s *flakyStore) take(m map[string]int, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m[id] > 0 {
		m[id]--
		return true
	}
	return false
}

func (s *flakyStore) Insert(ctx context.Context, rec storage.ItemRecord) (int64, error) {
	if s.take(s.failInsert, rec.ItemID) {
		return 0, errors.New("disk full")
	}
	return s.Store.Insert(ctx, rec)
}

func (s *flakyStore) Set(ctx context.Context, wm storage.Watermark) error {
	if s.take(s.failSet, wm.ItemID) {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, wm)
}

func newDispatcher(src source.Poller, store Store, entries ...destination.Entry) *Dispatcher {
	return New(src, store, destination.NewRegistry(entries...), Options{Sleep: noSleep, Log: logx.Nop()})
}

func watermark(t *testing.T, st Store) storage.Watermark {
	t.Helper()
	wm, _, err := st.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return wm
}

func resultFor(t *testing.T, rec DispatchRecord, dest string) DestinationResult {
	t.Helper()
	for _, r := range rec.Results {
		if r.Destination == dest {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", dest, rec.Results)
	return DestinationResult{}
}

func runEndToEnd(t *testing.T, st storage.Store) {
	t.Helper()
	ctx := context.Background()

	src := &fakeSource{}
	src.set(item("c", 3), item("a", 1), item("b", 2))
	one, two := newFake("one"), newFake("two")
	d := newDispatcher(src, st, entry(one, 3), entry(two, 3))

	s := d.RunCycle(ctx, "c1", "test")
	if s.Err != nil || s.Polled != 3 || s.Committed != 3 {
		t.Fatalf("first cycle=%+v", s)
	}
	for _, rec := range s.Items {
		if rec.State != WatermarkAdvanced || rec.Count(Delivered) != 2 {
			t.Fatalf("item %s: state=%s results=%+v", rec.ItemID, rec.State, rec.Results)
		}
	}
	if got := strings.Join(one.sent, ","); got != "a,b,c" {
		t.Fatalf("one sent %s", got)
	}

	wm := watermark(t, st)
	if wm.ItemID != "c" || !wm.PublishedAt.Equal(at(3)) {
		t.Fatalf("watermark=%+v", wm)
	}
	recs, err := st.List(ctx, 10)
	if err != nil || len(recs) != 3 {
		t.Fatalf("List=%d err=%v", len(recs), err)
	}

	s = d.RunCycle(ctx, "c2", "test")
	if s.Err != nil || s.Polled != 0 || len(s.Items) != 0 {
		t.Fatalf("second cycle=%+v", s)
	}
	if one.calls.Load() != 3 || two.calls.Load() != 3 {
		t.Fatalf("second cycle sent: one=%d two=%d", one.calls.Load(), two.calls.Load())
	}
}

func TestEndToEndMemory(t *testing.T) {
	t.Parallel()
	runEndToEnd(t, storage.NewMemory())
}

func TestEndToEndSQLite(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "reposter.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	runEndToEnd(t, st)
}

func TestDestinationIsolation(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(item("a", 1))
	good1, bad, good2 := newFake("good1"), newFake("bad"), newFake("good2")
	bad.failFirst = -1
	st := storage.NewMemory()
	d := newDispatcher(src, st, entry(good1, 3), entry(bad, 4), entry(good2, 3))

	s := d.RunCycle(context.Background(), "c", "test")
	if s.Err != nil || s.Committed != 1 {
		t.Fatalf("cycle=%+v", s)
	}
	rec := s.Items[0]
	if r := resultFor(t, rec, "good1"); r.Outcome != Delivered || r.Attempts != 1 {
		t.Fatalf("good1=%+v", r)
	}
	if r := resultFor(t, rec, "good2"); r.Outcome != Delivered {
		t.Fatalf("good2=%+v", r)
	}
	r := resultFor(t, rec, "bad")
	if r.Outcome != FailedFinal || r.Attempts != 4 || r.Err == nil || r.Error == "" {
		t.Fatalf("bad=%+v", r)
	}
	if wm := watermark(t, st); wm.ItemID != "a" {
		t.Fatalf("watermark=%+v", wm)
	}
}

func TestRetryBound(t *testing.T) {
	t.Parallel()

	const attempts = 5
	cases := []struct {
		name      string
		failFirst int
		err       error
		want      Outcome
		tries     int
	}{
		{"succeeds on last attempt", attempts - 1, nil, Delivered, attempts},
		{"always fails", -1, nil, FailedFinal, attempts},
		{"first try", 0, nil, Delivered, 1},
		{"rejected request is not retried", -1, &destination.Error{Destination: "x", Status: http.StatusBadRequest}, FailedFinal, 1},
		{"transport error is retried", 2, errors.New("connection reset"), Delivered, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSource{}
			src.set(item("a", 1))
			a := newFake("x")
			a.failFirst = tc.failFirst
			a.err = tc.err
			d := newDispatcher(src, storage.NewMemory(), entry(a, attempts))

			s := d.RunCycle(context.Background(), "c", "test")
			r := resultFor(t, s.Items[0], "x")
			if r.Outcome != tc.want || r.Attempts != tc.tries || int(a.calls.Load()) != tc.tries {
				t.Fatalf("result=%+v calls=%d", r, a.calls.Load())
			}
		})
	}
}

func TestRetryDelayIsFlat(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(item("a", 1))
	a := newFake("x")
	a.failFirst = -1

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	e := entry(a, 4)
	e.Retry.Delay = 7 * time.Second
	d := New(src, storage.NewMemory(), destination.NewRegistry(e), Options{Sleep: func(ctx context.Context, dl time.Duration) error {
		mu.Lock()
		delays = append(delays, dl)
		mu.Unlock()
		return nil
	}})
	d.RunCycle(context.Background(), "c", "test")

	if len(delays) != 3 {
		t.Fatalf("delays=%v", delays)
	}
	for _, dl := range delays {
		if dl != 7*time.Second {
			t.Fatalf("delays=%v", delays)
		}
	}
}

func TestAtLeastOnceAfterPersistenceFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.set(item("a", 1), item("b", 2), item("c", 3))
	st := &flakyStore{Store: storage.NewMemory(), failInsert: map[string]int{"b": 1}}
	x, y := newFake("x"), newFake("y")
	d := newDispatcher(src, st, entry(x, 3), entry(y, 3))

	s := d.RunCycle(ctx, "c1", "test")
	if !errors.Is(s.Err, storage.ErrPersistence) || s.Aborted() || s.Committed != 1 {
		t.Fatalf("first cycle err=%v committed=%d", s.Err, s.Committed)
	}
	if len(s.Items) != 2 || s.Items[1].State != Abandoned {
		t.Fatalf("items=%+v", s.Items)
	}
	if wm := watermark(t, st); wm.ItemID != "a" {
		t.Fatalf("watermark passed the abandoned item: %+v", wm)
	}
	if x.triesFor("c") != 0 {
		t.Fatalf("item after the abandoned one was dispatched")
	}
	if x.triesFor("b") != 1 || y.triesFor("b") != 1 {
		t.Fatalf("b sends: x=%d y=%d", x.triesFor("b"), y.triesFor("b"))
	}

	s = d.RunCycle(ctx, "c2", "test")
	if s.Err != nil || s.Committed != 2 {
		t.Fatalf("second cycle=%+v", s)
	}
	if x.triesFor("b") != 2 || y.triesFor("b") != 2 {
		t.Fatalf("b not re-dispatched to every destination: x=%d y=%d", x.triesFor("b"), y.triesFor("b"))
	}
	if x.triesFor("a") != 1 {
		t.Fatalf("committed item re-sent")
	}
	if wm := watermark(t, st); wm.ItemID != "c" {
		t.Fatalf("watermark=%+v", wm)
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	st := &flakyStore{
		Store:      storage.NewMemory(),
		failInsert: map[string]int{"d": 2},
		failSet:    map[string]int{"f": 1},
	}
	d := newDispatcher(src, st, entry(newFake("x"), 2))

	upstream := []source.Item{}
	var last time.Time
	for i, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		upstream = append(upstream, item(id, i+1))
		src.set(upstream...)
		for c := 0; c < 2; c++ {
			d.RunCycle(ctx, "c", "test")
			wm := watermark(t, st)
			if wm.PublishedAt.Before(last) {
				t.Fatalf("watermark went back from %v to %v", last, wm.PublishedAt)
			}
			last = wm.PublishedAt
		}
	}
	if wm := watermark(t, st); wm.ItemID != "g" {
		t.Fatalf("final watermark=%+v", wm)
	}
	recs, _ := st.List(ctx, 100)
	if len(recs) != 7 {
		t.Fatalf("records=%d", len(recs))
	}
}

func TestRecordedItemIsNotResent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.set(item("a", 1), item("b", 2))
	// b gets recorded but its watermark write fails
	st := &flakyStore{Store: storage.NewMemory(), failSet: map[string]int{"b": 1}}
	x := newFake("x")
	d := newDispatcher(src, st, entry(x, 3))

	s := d.RunCycle(ctx, "c1", "test")
	if s.Items[1].State != Abandoned || watermark(t, st).ItemID != "a" {
		t.Fatalf("first cycle=%+v", s.Items)
	}

	s = d.RunCycle(ctx, "c2", "test")
	if len(s.Items) != 1 || s.Items[0].State != Duplicate || len(s.Items[0].Results) != 0 {
		t.Fatalf("second cycle=%+v", s.Items)
	}
	if x.triesFor("b") != 1 {
		t.Fatalf("b sent %d times", x.triesFor("b"))
	}
	if wm := watermark(t, st); wm.ItemID != "b" {
		t.Fatalf("watermark=%+v", wm)
	}
}

func TestSkippedAndRenderFailure(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(item("a", 1))
	ok := newFake("ok")
	broken := newFake("broken")
	brokenEntry := entry(broken, 3)
	brokenEntry.Renderer = render.New("broken", render.Template{Layout: "{{.Nope}}"})
	d := newDispatcher(src, storage.NewMemory(),
		entry(ok, 3),
		brokenEntry,
		destination.Entry{ID: "off", Kind: "telegram", SkipReason: "disabled", Renderer: render.New("off", render.Defaults("telegram"))},
	)

	s := d.RunCycle(context.Background(), "c", "test")
	rec := s.Items[0]
	if rec.State != WatermarkAdvanced {
		t.Fatalf("state=%s", rec.State)
	}
	if r := resultFor(t, rec, "off"); r.Outcome != Skipped || r.Attempts != 0 || r.Reason != "disabled" {
		t.Fatalf("off=%+v", r)
	}
	r := resultFor(t, rec, "broken")
	if r.Outcome != FailedFinal || r.Attempts != 0 || !errors.Is(r.Err, render.ErrRender) || broken.calls.Load() != 0 {
		t.Fatalf("broken=%+v", r)
	}
	if r := resultFor(t, rec, "ok"); r.Outcome != Delivered {
		t.Fatalf("ok=%+v", r)
	}
}

func TestDestinationsRunConcurrently(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(item("a", 1))
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	hook := func(ctx context.Context, _ render.Payload) error {
		arrived.Done()
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return retry.Permanent(errors.New("destinations ran one after another"))
		}
	}
	x, y := newFake("x"), newFake("y")
	x.hook, y.hook = hook, hook
	d := newDispatcher(src, storage.NewMemory(), entry(x, 1), entry(y, 1))

	s := d.RunCycle(context.Background(), "c", "test")
	if got := s.Items[0].Count(Delivered); got != 2 {
		t.Fatalf("delivered=%d results=%+v", got, s.Items[0].Results)
	}
}

func TestMediaDroppedForTextOnlyAdapter(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	it := item("a", 1)
	it.Media = &source.Media{URL: "https://i/a.jpg", Kind: "image"}
	src.set(it)

	var got *source.Media
	x := newFake("x")
	x.hook = func(_ context.Context, p render.Payload) error {
		got = p.Media
		return nil
	}
	e := entry(x, 1)
	e.Renderer = render.New("x", render.Defaults("telegram"))
	d := newDispatcher(src, storage.NewMemory(), e)
	d.RunCycle(context.Background(), "c", "test")
	if got != nil {
		t.Fatalf("text-only adapter got media %+v", got)
	}
}

func TestSourceUnavailableAbortsCycle(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: errors.New("dial tcp: refused")}
	st := storage.NewMemory()
	_ = st.Set(context.Background(), storage.Watermark{ItemID: "z", PublishedAt: at(9)})
	x := newFake("x")
	d := newDispatcher(src, st, entry(x, 3))

	s := d.RunCycle(context.Background(), "c", "test")
	if !errors.Is(s.Err, source.ErrSourceUnavailable) || !s.Aborted() || s.Error == "" {
		t.Fatalf("summary=%+v", s)
	}
	if wm := watermark(t, st); wm.ItemID != "z" {
		t.Fatalf("watermark=%+v", wm)
	}
	if x.calls.Load() != 0 {
		t.Fatalf("sent during aborted cycle")
	}
}

func TestEmptyPollIsNoop(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	st := storage.NewMemory()
	d := newDispatcher(src, st, entry(newFake("x"), 3))
	s := d.RunCycle(context.Background(), "c", "test")
	if s.Err != nil || s.Polled != 0 || s.Aborted() {
		t.Fatalf("summary=%+v", s)
	}
	if _, ok, _ := st.Get(context.Background()); ok {
		t.Fatalf("watermark set on empty poll")
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	src := &fakeSource{}
	src.set(item("a", 1))
	d := New(src, storage.NewMemory(), destination.NewRegistry(entry(newFake("x"), 1), entry(newFake("y"), 1)), Options{Bus: bus, Sleep: noSleep})
	d.RunCycle(context.Background(), "cyc", "test")

	counts := map[string]int{}
	for len(ch) > 0 {
		e := <-ch
		counts[e.Type]++
	}
	want := map[string]int{
		EventCycleStarted:      1,
		EventDestinationResult: 2,
		EventItemRecorded:      1,
		EventCycleFinished:     1,
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Fatalf("events=%v", counts)
		}
	}
}
