package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderStore = (*SQLiteStore)(nil)

// SQLiteStore implements OrderStore backed by a SQLite database. Legs are
// stored as a JSON column; every query the engine needs filters on
// top-level columns only.
type SQLiteStore struct {
	db *sql.DB
}

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	instrument  TEXT NOT NULL,
	side        TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	price       TEXT NOT NULL,
	order_type  TEXT NOT NULL,
	exchange    TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	legs        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_updated_at ON orders(updated_at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(ordersSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating orders schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveOrder inserts or replaces the durable record of an order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	legs, err := json.Marshal(o.Legs)
	if err != nil {
		return fmt.Errorf("encoding legs for order %s: %w", o.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
			(id, instrument, side, quantity, price, order_type, exchange, state, legs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Instrument, string(o.Side), o.Quantity, o.Price.String(),
		string(o.OrderType), o.Exchange, string(o.State), string(legs),
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	return err
}

// GetOrder retrieves one order by ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, instrument, side, quantity, price, order_type, exchange, state, legs, created_at, updated_at
		FROM orders WHERE id = ?`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns orders updated at or after since, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, since time.Time) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instrument, side, quantity, price, order_type, exchange, state, legs, created_at, updated_at
		FROM orders WHERE updated_at >= ? ORDER BY updated_at DESC`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// PurgeBefore deletes orders last updated before the cutoff.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                    domain.Order
		side, otype, state   string
		price, legs          string
		createdAt, updatedAt int64
	)
	err := row.Scan(&o.ID, &o.Instrument, &side, &o.Quantity, &price,
		&otype, &o.Exchange, &state, &legs, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Side = domain.Side(side)
	o.OrderType = domain.OrderType(otype)
	o.State = domain.OrderState(state)
	o.CreatedAt = time.UnixMilli(createdAt)
	o.UpdatedAt = time.UnixMilli(updatedAt)

	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("decoding price for order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(legs), &o.Legs); err != nil {
		return nil, fmt.Errorf("decoding legs for order %s: %w", o.ID, err)
	}
	return &o, nil
}
