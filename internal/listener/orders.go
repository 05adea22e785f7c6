// Package listener consumes order events from Kafka and books them as sales.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inventory-ledger/internal/config"
	"inventory-ledger/internal/core"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	orderCreated = "OrderCreated"
	performedBy  = "order-listener"
)

// MessageReader is the subset of *kafka.Reader the listener uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SaleRecorder books a sale. core.InventoryService satisfies it.
type SaleRecorder interface {
	RecordSale(ctx context.Context, in core.RecordSaleInput) (*core.TransactionResult, error)
}

func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

type OrderCreatedEvent struct {
	EventID   string       `json:"event_id"`
	EventType string       `json:"event_type"`
	Payload   OrderPayload `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

type OrderPayload struct {
	ID          string             `json:"id"`
	CustomerID  string             `json:"customer_id"`
	WarehouseID string             `json:"warehouse_id"`
	Items       []OrderItemPayload `json:"items"`
}

type OrderItemPayload struct {
	ProductID string `json:"product_id"`
	// WarehouseID overrides the order's warehouse for this line.
	WarehouseID string          `json:"warehouse_id,omitempty"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// toSaleInput maps an order onto a single all-or-nothing sale. The order id is
// the sale's reference number.
func (e OrderCreatedEvent) toSaleInput() core.RecordSaleInput {
	in := core.RecordSaleInput{
		CustomerID:      e.Payload.CustomerID,
		ReferenceNumber: e.Payload.ID,
		PerformedBy:     performedBy,
		Items:           make([]core.SaleItem, 0, len(e.Payload.Items)),
	}
	for _, item := range e.Payload.Items {
		warehouseID := item.WarehouseID
		if warehouseID == "" {
			warehouseID = e.Payload.WarehouseID
		}
		in.Items = append(in.Items, core.SaleItem{
			ProductID:   item.ProductID,
			WarehouseID: warehouseID,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	return in
}

type Option func(*OrderListener)

// WithRetryWindow bounds how long one order is retried on lock contention.
func WithRetryWindow(d time.Duration) Option {
	return func(l *OrderListener) { l.retryWindow = d }
}

func WithInitialBackoff(d time.Duration) Option {
	return func(l *OrderListener) { l.initialBackoff = d }
}

type OrderListener struct {
	reader         MessageReader
	sales          SaleRecorder
	log            *zap.Logger
	retryWindow    time.Duration
	initialBackoff time.Duration
}

func NewOrderListener(reader MessageReader, sales SaleRecorder, log *zap.Logger, opts ...Option) *OrderListener {
	if log == nil {
		log = zap.NewNop()
	}
	l := &OrderListener{
		reader:         reader,
		sales:          sales,
		log:            log,
		retryWindow:    30 * time.Second,
		initialBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start consumes until ctx is cancelled. Every fetched message is committed
// once it has been handled, whether or not the sale was accepted.
func (l *OrderListener) Start(ctx context.Context) {
	l.log.Info("starting order listener")
	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("stopping order listener")
				return
			}
			l.log.Error("failed to fetch kafka message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		l.handle(ctx, msg.Value)

		if err := l.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			l.log.Error("failed to commit kafka message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// handle decodes and books one message. It reports whether a sale was recorded.
func (l *OrderListener) handle(ctx context.Context, value []byte) bool {
	var event OrderCreatedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		l.log.Error("failed to unmarshal order event", zap.Error(err))
		return false
	}
	if event.EventType != orderCreated {
		return false
	}

	log := l.log.With(zap.String("order_id", event.Payload.ID), zap.String("event_id", event.EventID))
	log.Info("processing OrderCreated event", zap.Int("items", len(event.Payload.Items)))

	res, err := l.recordWithRetry(ctx, event.toSaleInput(), log)
	if err != nil {
		var ise *core.InsufficientStockError
		switch {
		case errors.As(err, &ise):
			log.Warn("order rejected: insufficient stock", zap.Int("short_lines", len(ise.Shortages)), zap.Error(err))
		case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrNotFound):
			log.Warn("order rejected", zap.Error(err))
		default:
			log.Error("failed to record sale for order", zap.Error(err))
		}
		return false
	}
	log.Info("order booked", zap.String("reference_number", res.ReferenceNumber))
	return true
}

func (l *OrderListener) recordWithRetry(ctx context.Context, in core.RecordSaleInput, log *zap.Logger) (*core.TransactionResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialBackoff

	op := func() (*core.TransactionResult, error) {
		res, err := l.sales.RecordSale(ctx, in)
		if err != nil && !core.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(l.retryWindow),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug("retrying sale after contention", zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record sale for order %s: %w", in.ReferenceNumber, err)
	}
	return res, nil
}
