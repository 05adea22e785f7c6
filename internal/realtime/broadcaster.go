// Package realtime fans committed inventory events out to subscribed connections.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"inventory-ledger/internal/events"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrClosed            = errors.New("broadcaster is shut down")
)

// Transport writes events to one client. Send is only ever called from the
// connection's writer goroutine.
type Transport interface {
	Send(ev events.Event) error
	Close() error
}

type ConnectionStats struct {
	Connections   int                 `json:"connections"`
	Subscriptions map[events.Type]int `json:"subscriptions"`
	Published     uint64              `json:"published"`
	Delivered     uint64              `json:"delivered"`
	Pruned        uint64              `json:"pruned"`
}

type connection struct {
	id        string
	transport Transport
	types     map[events.Type]struct{} // guarded by Broadcaster.mu
	queue     chan events.Event
	alive     atomic.Bool
	dropped   atomic.Bool
	closeOnce sync.Once
}

// close stops the writer. Callers hold Broadcaster.mu for writing, so no
// Publish can be sending on the queue.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.queue)
	})
}

// Broadcaster is the registry of live connections. Publish never blocks on a
// slow client: each connection has its own bounded queue drained by its own
// writer goroutine, and a connection whose queue overflows or whose write
// fails is pruned.
type Broadcaster struct {
	log       *zap.Logger
	queueSize int

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	pruned    atomic.Uint64

	writers sync.WaitGroup
}

func NewBroadcaster(log *zap.Logger, queueSize int) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Broadcaster{
		log:       log,
		queueSize: queueSize,
		conns:     make(map[string]*connection),
	}
}

// Register adds a connection with no subscriptions and starts its writer.
func (b *Broadcaster) Register(t Transport) (string, error) {
	c := &connection{
		id:        uuid.NewString(),
		transport: t,
		types:     make(map[events.Type]struct{}),
		queue:     make(chan events.Event, b.queueSize),
	}
	c.alive.Store(true)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.conns[c.id] = c
	b.writers.Add(1)
	b.mu.Unlock()

	go b.write(c)
	b.log.Debug("realtime connection registered", zap.String("connection_id", c.id))
	return c.id, nil
}

func (b *Broadcaster) write(c *connection) {
	defer b.writers.Done()
	defer func() { _ = c.transport.Close() }()

	for ev := range c.queue {
		if c.dropped.Load() {
			return
		}
		if err := c.transport.Send(ev); err != nil {
			b.prune(c, fmt.Errorf("failed to send %s: %w", ev.Type, err))
			return
		}
		b.delivered.Add(1)
	}
}

func validTypes(types []events.Type) error {
	for _, t := range types {
		if _, err := events.ParseType(string(t)); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe adds types to the connection's set and returns the resulting set.
func (b *Broadcaster) Subscribe(id string, types ...events.Type) ([]events.Type, error) {
	if err := validTypes(types); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	for _, t := range types {
		c.types[t] = struct{}{}
	}
	return subscribed(c), nil
}

// Unsubscribe removes types from the connection's set and returns what is left.
func (b *Broadcaster) Unsubscribe(id string, types ...events.Type) ([]events.Type, error) {
	if err := validTypes(types); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	for _, t := range types {
		delete(c.types, t)
	}
	return subscribed(c), nil
}

func subscribed(c *connection) []events.Type {
	out := make([]events.Type, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Publish queues ev for every live connection subscribed to its type.
func (b *Broadcaster) Publish(ev events.Event) {
	b.published.Add(1)

	var overflow []*connection
	b.mu.RLock()
	for _, c := range b.conns {
		if _, ok := c.types[ev.Type]; !ok || !c.alive.Load() {
			continue
		}
		select {
		case c.queue <- ev:
		default:
			overflow = append(overflow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range overflow {
		b.prune(c, errors.New("outbound queue full"))
	}
}

func (b *Broadcaster) prune(c *connection, cause error) {
	b.mu.Lock()
	cur, ok := b.conns[c.id]
	if ok && cur == c {
		delete(b.conns, c.id)
	}
	c.dropped.Store(true)
	c.close()
	b.mu.Unlock()

	if ok {
		b.pruned.Add(1)
		b.log.Warn("realtime connection pruned", zap.String("connection_id", c.id), zap.Error(cause))
	}
}

// Remove unregisters a connection. Events already queued are still flushed
// before the transport is closed.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	c, ok := b.conns[id]
	if ok {
		delete(b.conns, id)
		c.close()
	}
	b.mu.Unlock()
	if ok {
		b.log.Debug("realtime connection removed", zap.String("connection_id", id))
	}
}

func (b *Broadcaster) Stats() ConnectionStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := ConnectionStats{
		Connections:   len(b.conns),
		Subscriptions: make(map[events.Type]int, len(events.Types)),
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Pruned:        b.pruned.Load(),
	}
	for _, t := range events.Types {
		st.Subscriptions[t] = 0
	}
	for _, c := range b.conns {
		for t := range c.types {
			st.Subscriptions[t]++
		}
	}
	return st
}

// Run publishes everything received on in until in is closed or ctx is done.
func (b *Broadcaster) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			b.Publish(ev)
		}
	}
}

// Shutdown closes every connection and waits for their writers to flush.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	for id, c := range b.conns {
		delete(b.conns, id)
		c.close()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain realtime connections: %w", ctx.Err())
	}
}
