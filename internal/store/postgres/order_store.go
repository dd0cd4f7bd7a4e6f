package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ domain.OrderStore = (*OrderStore)(nil)

// Create inserts a submitted order. Re-submitting the same hash is a no-op.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	input, err := json.Marshal(o.Input)
	if err != nil {
		return fmt.Errorf("postgres: marshal order input: %w", err)
	}
	output, err := json.Marshal(o.Output)
	if err != nil {
		return fmt.Errorf("postgres: marshal order output: %w", err)
	}

	const query = `
		INSERT INTO orders (
			hash, chain_id, swapper, protocol, status,
			input, output, amount_in, amount_out,
			deadline, submitted_at, updated_at, fill_tx_hash
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8::numeric, $9::numeric,
			$10, $11, NOW(), $12
		)
		ON CONFLICT (hash) DO NOTHING`

	_, err = s.pool.Exec(ctx, query,
		o.Hash, o.ChainID, o.Swapper, string(o.Protocol), string(o.Status),
		input, output, o.AmountIn, o.AmountOut,
		nullTime(o.Deadline), o.SubmittedAt, o.FillTxHash,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.Hash, err)
	}
	return nil
}

// UpdateStatus moves an order to status. The fill hash is kept when the
// update carries none.
func (s *OrderStore) UpdateStatus(ctx context.Context, hash string, status domain.OrderStatus, fillTxHash string) error {
	const query = `
		UPDATE orders
		SET status = $1,
		    fill_tx_hash = COALESCE(NULLIF($2, ''), fill_tx_hash),
		    updated_at = NOW()
		WHERE hash = $3`

	tag, err := s.pool.Exec(ctx, query, string(status), fillTxHash, hash)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", hash, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `hash, chain_id, swapper, protocol, status,
	input, output, amount_in::text, amount_out::text,
	deadline, submitted_at, updated_at, fill_tx_hash`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var (
		o                domain.Order
		protocol, status string
		input, output    []byte
		deadline         *time.Time
	)
	err := scanner.Scan(
		&o.Hash, &o.ChainID, &o.Swapper, &protocol, &status,
		&input, &output, &o.AmountIn, &o.AmountOut,
		&deadline, &o.SubmittedAt, &o.UpdatedAt, &o.FillTxHash,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Protocol = domain.Routing(protocol)
	o.Status = domain.OrderStatus(status)
	if deadline != nil {
		o.Deadline = *deadline
	}
	if err := json.Unmarshal(input, &o.Input); err != nil {
		return domain.Order{}, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := json.Unmarshal(output, &o.Output); err != nil {
		return domain.Order{}, fmt.Errorf("unmarshal output: %w", err)
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByHash retrieves a single order.
func (s *OrderStore) GetByHash(ctx context.Context, hash string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE hash = $1`, hash)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", hash, err)
	}
	return o, nil
}

// ListOpen returns the swapper's non-terminal orders, oldest first.
func (s *OrderStore) ListOpen(ctx context.Context, swapper string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderSelectCols+` FROM orders
		WHERE lower(swapper) = lower($1) AND status NOT IN ('filled', 'expired', 'cancelled')
		ORDER BY submitted_at ASC`, swapper)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return orders, nil
}

// ListBySwapper returns the swapper's orders, newest first.
func (s *OrderStore) ListBySwapper(ctx context.Context, swapper string, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE lower(swapper) = lower($1)`
	args := []any{swapper}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND submitted_at >= $%d", len(args))
	}
	query += " ORDER BY submitted_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by swapper: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}
	return orders, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
