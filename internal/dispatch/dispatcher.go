package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reposter/internal/destination"
	"reposter/internal/eventbus"
	"reposter/internal/render"
	"reposter/internal/retry"
	"reposter/internal/source"
	"reposter/internal/storage"
	logx "reposter/pkg/logx"
)

const DefaultSendTimeout = 2 * time.Minute

// Store is the part of storage the dispatcher writes to.
type Store interface {
	storage.ItemStore
	storage.WatermarkStore
}

type Options struct {
	// SendTimeout bounds one publish attempt.
	SendTimeout time.Duration
	Bus         eventbus.Bus
	Log         logx.Logger
	Now         func() time.Time
	// Sleep replaces the retry delay wait of every destination.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher runs poll cycles. It holds no cycle lock of its own; Runner
// makes sure only one cycle runs at a time.
type Dispatcher struct {
	src   source.Poller
	store Store
	dests []destination.Entry

	sendTimeout time.Duration
	bus         eventbus.Bus
	log         logx.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(src source.Poller, store Store, reg *destination.Registry, o Options) *Dispatcher {
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	var dests []destination.Entry
	if reg != nil {
		dests = reg.Entries()
	}
	return &Dispatcher{
		src:         src,
		store:       store,
		dests:       dests,
		sendTimeout: o.SendTimeout,
		bus:         o.Bus,
		log:         o.Log.With(logx.String("comp", "dispatch")),
		now:         o.Now,
		sleep:       o.Sleep,
	}
}

// RunCycle polls once and dispatches every new item in ascending order.
// Items are handled one at a time; each is recorded and the watermark set
// to it before the next one starts. The first item that cannot be
// persisted stops the cycle, so the watermark never passes it.
func (d *Dispatcher) RunCycle(ctx context.Context, cycleID, trigger string) Summary {
	s := Summary{CycleID: cycleID, Trigger: trigger, StartedAt: d.now()}
	log := d.log.With(logx.String("cycle", cycleID))
	d.emit(EventCycleStarted, CycleStarted{CycleID: cycleID, Trigger: trigger})

	finish := func(err error) Summary {
		s.Err = err
		s.Error = errText(err)
		s.FinishedAt = d.now()
		d.emit(EventCycleFinished, s)
		return s
	}

	wm, _, err := d.store.Get(ctx)
	if err != nil {
		return finish(fmt.Errorf("%w: read watermark: %w", storage.ErrPersistence, err))
	}

	items, err := d.src.Poll(ctx, source.Cursor{ItemID: wm.ItemID, PublishedAt: wm.PublishedAt})
	if err != nil {
		if !errors.Is(err, source.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", source.ErrSourceUnavailable, err)
		}
		return finish(err)
	}
	s.Polled = len(items)
	if len(items) == 0 {
		log.Debug("no new items", logx.String("after", wm.ItemID))
		return finish(nil)
	}

	for _, it := range items {
		rec := d.dispatchItem(ctx, log, cycleID, it)
		s.Items = append(s.Items, rec)
		if rec.State == Abandoned {
			return finish(rec.Err)
		}
		s.Committed++
	}
	return finish(nil)
}

func (d *Dispatcher) dispatchItem(ctx context.Context, log logx.Logger, cycleID string, it source.Item) DispatchRecord {
	rec := DispatchRecord{ItemID: it.ID, Title: it.Title, PublishedAt: it.PublishedAt, State: Pending}
	log = log.With(logx.String("item", it.ID))

	abandon := func(err error) DispatchRecord {
		rec.State = Abandoned
		rec.Err = err
		rec.Error = errText(err)
		log.Error("item abandoned; watermark kept", logx.Err(err))
		d.emit(EventItemAbandoned, ItemEvent{CycleID: cycleID, Item: rec})
		return rec
	}

	_, found, err := d.store.FindByItemID(ctx, it.ID)
	if err != nil {
		return abandon(fmt.Errorf("%w: find %s: %w", storage.ErrPersistence, it.ID, err))
	}
	if found {
		// recorded by an earlier cycle that stopped before the watermark moved
		rec.State = Duplicate
		if err := d.advance(ctx, it); err != nil {
			return abandon(err)
		}
		log.Info("item already recorded; watermark caught up")
		return rec
	}

	rec.State = Dispatching
	rec.Results = d.fanOut(ctx, log, cycleID, it)

	row := storage.ItemRecord{
		ItemID:      it.ID,
		Title:       it.Title,
		Body:        it.Body,
		Link:        it.Link,
		PublishedAt: it.PublishedAt,
		RecordedAt:  d.now(),
	}
	if it.Media != nil {
		row.MediaURL = it.Media.URL
	}
	if _, err := d.store.Insert(ctx, row); err != nil {
		return abandon(fmt.Errorf("%w: insert %s: %w", storage.ErrPersistence, it.ID, err))
	}
	rec.State = Recorded
	d.emit(EventItemRecorded, ItemEvent{CycleID: cycleID, Item: rec})

	if err := d.advance(ctx, it); err != nil {
		return abandon(err)
	}
	rec.State = WatermarkAdvanced
	log.Info("item dispatched",
		logx.Int("delivered", rec.Count(Delivered)),
		logx.Int("failed", rec.Count(FailedFinal)),
		logx.Int("skipped", rec.Count(Skipped)))
	return rec
}

func (d *Dispatcher) advance(ctx context.Context, it source.Item) error {
	if err := d.store.Set(ctx, storage.Watermark{ItemID: it.ID, PublishedAt: it.PublishedAt}); err != nil {
		return fmt.Errorf("%w: advance watermark to %s: %w", storage.ErrPersistence, it.ID, err)
	}
	return nil
}

// fanOut sends to every destination concurrently and waits for all of
// them. Results keep the registry order.
func (d *Dispatcher) fanOut(ctx context.Context, log logx.Logger, cycleID string, it source.Item) []DestinationResult {
	results := make([]DestinationResult, len(d.dests))
	var wg sync.WaitGroup
	for i, e := range d.dests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.deliver(ctx, log, e, it)
			d.emit(EventDestinationResult, ResultEvent{CycleID: cycleID, ItemID: it.ID, Result: results[i]})
		}()
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, log logx.Logger, e destination.Entry, it source.Item) (res DestinationResult) {
	res = DestinationResult{Destination: e.ID, Kind: e.Kind}
	log = log.With(logx.String("dest", e.ID))
	started := d.now()
	defer func() {
		res.Duration = d.now().Sub(started)
		res.Error = errText(res.Err)
		// a panicking adapter only fails its own destination
		if r := recover(); r != nil {
			res.Outcome = FailedFinal
			res.Err = fmt.Errorf("%s: panic: %v", e.ID, r)
			res.Error = res.Err.Error()
			log.Error("destination panicked", logx.Any("panic", r))
		}
	}()

	if e.Skipped() {
		res.Outcome = Skipped
		res.Reason = e.SkipReason
		return res
	}

	p, err := e.Renderer.Render(it)
	if err != nil {
		res.Outcome = FailedFinal
		res.Err = err
		log.Warn("render failed", logx.Err(err))
		return res
	}
	if p.Media != nil && !e.Adapter.Capabilities().Has(destination.CapMedia) {
		p.Media = nil
	}

	policy := e.Retry
	if d.sleep != nil {
		policy.Sleep = d.sleep
	}
	r := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
		err := e.Adapter.Publish(actx, p)
		if err == nil {
			return nil
		}
		log.Debug("publish attempt failed", logx.Int("attempt", attempt), logx.Err(err))
		if permanent(err) {
			return retry.Permanent(err)
		}
		return err
	})
	res.Attempts = r.Attempts
	if r.Err != nil {
		res.Outcome = FailedFinal
		res.Err = r.Err
		log.Warn("destination failed", logx.Int("attempts", r.Attempts), logx.Err(r.Err))
		return res
	}
	res.Outcome = Delivered
	log.Debug("delivered", logx.Int("attempts", r.Attempts))
	return res
}

// permanent reports errors another attempt cannot fix: a rejected request
// or a payload that does not render.
func permanent(err error) bool {
	var de *destination.Error
	if errors.As(err, &de) {
		return !de.Temporary()
	}
	return errors.Is(err, render.ErrRender)
}
