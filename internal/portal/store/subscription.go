package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
)

var ErrPlanNotFound = errors.New("plan not found")

type SubscriptionStore struct {
	db DBTX
}

func NewSubscriptionStore(db DBTX) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// WithTx returns a store bound to tx.
func (s *SubscriptionStore) WithTx(tx *sql.Tx) *SubscriptionStore {
	return &SubscriptionStore{db: tx}
}

type SubscriptionInput struct {
	CustomerID int64
	PlanID     int64
	StartDate  time.Time
	EndDate    *time.Time
	Status     model.SubscriptionStatus
	OrderID    *int64
}

type SubscriptionFilter struct {
	CustomerID *int64
	Status     model.SubscriptionStatus
	Limit      int
	Offset     int
}

func scanSubscription(s scanner) (*model.Subscription, error) {
	var sub model.Subscription
	var start, end string
	var portID, orderID sql.NullInt64
	err := s.Scan(
		&sub.ID, &sub.CustomerID, &sub.PlanID, &start, &end, &sub.Status,
		&portID, &orderID, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sub.StartDate, err = parseDate(start); err != nil {
		return nil, err
	}
	if sub.EndDate, err = parseDate(end); err != nil {
		return nil, err
	}
	sub.AssignedPortID = int64Ptr(portID)
	sub.OrderID = int64Ptr(orderID)
	return &sub, nil
}

const subscriptionCols = `id, customer_id, plan_id, start_date, end_date, status, assigned_port_id, order_id, created_at, updated_at`

// Create inserts a subscription. When no end date is given it is derived from
// the plan's billing period; a zero start date means today.
func (s *SubscriptionStore) Create(in SubscriptionInput) (*model.Subscription, error) {
	start := in.StartDate
	if start.IsZero() {
		start = time.Now().UTC()
	}
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)

	var end time.Time
	if in.EndDate != nil {
		end = *in.EndDate
	} else {
		var months int
		err := s.db.QueryRow(`SELECT billing_period_months FROM plans WHERE id = ?`, in.PlanID).Scan(&months)
		if err == sql.ErrNoRows {
			return nil, ErrPlanNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get plan billing period: %w", err)
		}
		end = AddMonths(start, months)
	}

	status := in.Status
	if status == "" {
		status = model.SubActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid subscription status %q", status)
	}

	result, err := s.db.Exec(
		`INSERT INTO subscriptions (customer_id, plan_id, start_date, end_date, status, order_id) VALUES (?, ?, ?, ?, ?, ?)`,
		in.CustomerID, in.PlanID, formatDate(start), formatDate(end), status, nullInt64(in.OrderID),
	)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *SubscriptionStore) GetByID(id int64) (*model.Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// FindActiveByCustomerID returns the ACTIVE subscription with the latest end
// date. Nothing enforces one ACTIVE row per customer; when there are several,
// the others are simply not returned.
func (s *SubscriptionStore) FindActiveByCustomerID(customerID int64) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions
		 WHERE customer_id = ? AND status = ?
		 ORDER BY end_date DESC, id DESC LIMIT 1`,
		customerID, model.SubActive,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active subscription: %w", err)
	}
	return sub, nil
}

// FindLatestByCustomerID returns the customer's most recently created
// subscription regardless of status.
func (s *SubscriptionStore) FindLatestByCustomerID(customerID int64) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE customer_id = ? ORDER BY id DESC LIMIT 1`,
		customerID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) ListByCustomerID(customerID int64) ([]model.Subscription, error) {
	return s.List(SubscriptionFilter{CustomerID: &customerID})
}

func (s *SubscriptionStore) List(f SubscriptionFilter) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionCols + ` FROM subscriptions WHERE 1=1`
	var args []any
	if f.CustomerID != nil {
		query += ` AND customer_id = ?`
		args = append(args, *f.CustomerID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY end_date DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateStatus writes the status without checking the transition table.
func (s *SubscriptionStore) UpdateStatus(id int64, status model.SubscriptionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid subscription status %q", status)
	}
	_, err := s.db.Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

// TransitionStatus moves the subscription from one status to another if the
// move is allowed and the row is still in from.
func (s *SubscriptionStore) TransitionStatus(id int64, from, to model.SubscriptionStatus) (bool, error) {
	if !model.CanTransition(from, to) {
		return false, fmt.Errorf("subscription status %s -> %s not allowed", from, to)
	}
	result, err := s.db.Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition subscription status: %w", err)
	}
	return affectedOne(result)
}

// ExtendEndDate adds months to the current end date and returns the new date.
// When the store is not already inside a transaction, the read and the write
// run in one.
func (s *SubscriptionStore) ExtendEndDate(id int64, months int) (time.Time, error) {
	if months <= 0 {
		return time.Time{}, fmt.Errorf("extend by %d months: must be positive", months)
	}

	db, ok := s.db.(*sql.DB)
	if !ok {
		return extendEndDate(s.db, id, months)
	}

	tx, err := db.Begin()
	if err != nil {
		return time.Time{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	end, err := extendEndDate(tx, id, months)
	if err != nil {
		return time.Time{}, err
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("commit: %w", err)
	}
	return end, nil
}

func extendEndDate(db DBTX, id int64, months int) (time.Time, error) {
	var current string
	err := db.QueryRow(`SELECT end_date FROM subscriptions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("extend subscription %d: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read end date: %w", err)
	}
	end, err := parseDate(current)
	if err != nil {
		return time.Time{}, err
	}
	end = AddMonths(end, months)

	_, err = db.Exec(
		`UPDATE subscriptions SET end_date = ?, updated_at = ? WHERE id = ?`,
		formatDate(end), time.Now().UTC(), id,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("update end date: %w", err)
	}
	return end, nil
}

// AssignPort sets the port reference only. Use allocation.Service to keep the
// port row in step.
func (s *SubscriptionStore) AssignPort(id, portID int64) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET assigned_port_id = ?, updated_at = ? WHERE id = ?`,
		portID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("assign port to subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) ClearPort(id int64) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET assigned_port_id = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("clear subscription port: %w", err)
	}
	return nil
}

// FindExpired returns ACTIVE subscriptions whose end date is before today.
func (s *SubscriptionStore) FindExpired(now time.Time) ([]model.Subscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE status = ? AND end_date < ? ORDER BY end_date, id`,
		model.SubActive, formatDate(now),
	)
	if err != nil {
		return nil, fmt.Errorf("find expired subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *SubscriptionStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}
