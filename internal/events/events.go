// Package events defines the real-time event contract and the in-process
// channel that carries committed events to the broadcaster.
package events

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Type string

const (
	InventoryChange   Type = "inventory_change"
	InventoryMovement Type = "inventory_movement"
	StockAlert        Type = "stock_alert"
)

// Types lists every event type a connection may subscribe to.
var Types = []Type{InventoryChange, InventoryMovement, StockAlert}

var ErrUnknownType = errors.New("unknown event type")

// ParseType validates a raw event type name.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownType, s)
}

// Event is the payload pushed to subscribers. Priority is only set on alerts.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Priority  string    `json:"priority,omitempty"`
	Data      any       `json:"data"`
}

// Publisher accepts committed events.
type Publisher interface {
	Publish(events ...Event)
}

// Bus is a buffered channel between producers and a single consumer.
// Publish blocks while the buffer is full so that no committed event is lost;
// after Close it drops silently.
type Bus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{ch: make(chan Event, buffer)}
}

func (b *Bus) Publish(evs ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ev := range evs {
		b.ch <- ev
	}
}

// C returns the receive side of the bus.
func (b *Bus) C() <-chan Event {
	return b.ch
}

// Close stops accepting events and closes the channel once in-flight
// publishes have returned.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(...Event) {}
