package dispatch

import "reposter/internal/eventbus"

const (
	EventCycleStarted      = "dispatch.cycle.started"
	EventDestinationResult = "dispatch.destination.result"
	EventItemRecorded      = "dispatch.item.recorded"
	EventItemAbandoned     = "dispatch.item.abandoned"
	EventCycleFinished     = "dispatch.cycle.finished"
)

type CycleStarted struct {
	CycleID string `json:"cycle_id"`
	Trigger string `json:"trigger"`
}

type ResultEvent struct {
	CycleID string            `json:"cycle_id"`
	ItemID  string            `json:"item_id"`
	Result  DestinationResult `json:"result"`
}

type ItemEvent struct {
	CycleID string         `json:"cycle_id"`
	Item    DispatchRecord `json:"item"`
}

func (d *Dispatcher) emit(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
}
