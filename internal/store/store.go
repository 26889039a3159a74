// Package store persists terminal orders in SQLite and archives price
// ticks in Parquet files on disk.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

// ErrNotFound is returned when a requested order has no durable record.
var ErrNotFound = errors.New("order not recorded")

// OrderStore persists canonical orders once they reach a terminal state.
type OrderStore interface {
	// SaveOrder inserts or replaces the durable record of an order.
	SaveOrder(ctx context.Context, order *domain.Order) error
	// GetOrder retrieves one order by ID, or ErrNotFound.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// ListOrders returns orders updated at or after since, newest first.
	ListOrders(ctx context.Context, since time.Time) ([]domain.Order, error)
	// PurgeBefore deletes orders last updated before the cutoff and
	// returns how many were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// TickStore archives price ticks for later replay and charting.
type TickStore interface {
	WriteTicks(ctx context.Context, ticks []domain.PriceTick) error
	ReadTicks(ctx context.Context, instrument string, start, end time.Time) ([]domain.PriceTick, error)
}
