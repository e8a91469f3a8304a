package lx

import (
	"math/big"
	"sync"
)

// EventType names an engine event
type EventType string

const (
	EventPositionOpened      EventType = "PositionOpened"
	EventPositionClosed      EventType = "PositionClosed"
	EventPositionLiquidated  EventType = "PositionLiquidated"
	EventOpenInterestChanged EventType = "OpenInterestChanged"
	EventLimitOrderCreated   EventType = "LimitOrderCreated"
	EventLimitOrderExecuted  EventType = "LimitOrderExecuted"
	EventLimitOrderCancelled EventType = "LimitOrderCancelled"
	EventRewardsClaimed      EventType = "RewardsClaimed"
	EventParameterChanged    EventType = "ParameterChanged"
	EventPairAdded           EventType = "PairAdded"
)

// Event is emitted after an operation committed. Only the fields relevant to
// the event type are set.
type Event struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	PairID    PairID    `json:"pairId"`
	Trader    string    `json:"trader,omitempty"`
	Executor  string    `json:"executor,omitempty"`
	Slot      int       `json:"slot"`
	Direction Direction `json:"direction"`

	Collateral        *big.Int `json:"collateral,omitempty"`
	Leverage          *big.Int `json:"leverage,omitempty"`
	Price             *big.Int `json:"price,omitempty"`
	ProfitLoss        *big.Int `json:"profitLoss,omitempty"`
	Reward            *big.Int `json:"reward,omitempty"`
	LongOpenInterest  *big.Int `json:"longOpenInterest,omitempty"`
	ShortOpenInterest *big.Int `json:"shortOpenInterest,omitempty"`
	FundingRate       *big.Int `json:"fundingRate,omitempty"`

	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// EventSink receives committed events in order
type EventSink interface {
	Publish(Event)
}

// MultiSink fans an event out to several sinks
type MultiSink []EventSink

func (ms MultiSink) Publish(ev Event) {
	for _, sink := range ms {
		sink.Publish(ev)
	}
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// Recorder keeps every published event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops the recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
