package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/google/uuid"
)

type OrderStore struct {
	db DBTX
}

func NewOrderStore(db DBTX) *OrderStore {
	return &OrderStore{db: db}
}

func scanOrder(s scanner) (*model.Order, error) {
	var o model.Order
	var stripeSessionID sql.NullString
	err := s.Scan(
		&o.ID, &o.Reference, &o.CustomerID, &o.PlanID, &o.AmountCents, &o.Currency,
		&o.Status, &stripeSessionID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.StripeSessionID = stringPtr(stripeSessionID)
	return &o, nil
}

const orderCols = `id, reference, customer_id, plan_id, amount_cents, currency, status, stripe_session_id, created_at, updated_at`

// Create records a pending order for the plan at its current price.
func (s *OrderStore) Create(customerID int64, plan *model.Plan) (*model.Order, error) {
	ref := "ORD-" + uuid.NewString()
	result, err := s.db.Exec(
		`INSERT INTO orders (reference, customer_id, plan_id, amount_cents, currency) VALUES (?, ?, ?, ?, ?)`,
		ref, customerID, plan.ID, plan.PriceCents, plan.Currency,
	)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *OrderStore) GetByID(id int64) (*model.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderCols+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *OrderStore) GetByReference(ref string) (*model.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderCols+` FROM orders WHERE reference = ?`, ref)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order by reference: %w", err)
	}
	return o, nil
}

func (s *OrderStore) ListByCustomerID(customerID int64) ([]model.Order, error) {
	rows, err := s.db.Query(
		`SELECT `+orderCols+` FROM orders WHERE customer_id = ? ORDER BY created_at DESC, id DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *OrderStore) SetStripeSession(id int64, sessionID string) error {
	_, err := s.db.Exec(
		`UPDATE orders SET stripe_session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set order stripe session: %w", err)
	}
	return nil
}

// MarkPaid flips a PENDING order to PAID. It reports false when the order was
// already settled, which makes webhook redelivery harmless.
func (s *OrderStore) MarkPaid(id int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.OrderPaid, time.Now().UTC(), id, model.OrderPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *OrderStore) UpdateStatus(id int64, status model.OrderStatus) error {
	_, err := s.db.Exec(
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}
