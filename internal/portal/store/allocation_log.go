package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
)

// AllocationLogStore is the append-only audit trail of port lifecycle events.
// It has no update or delete methods.
type AllocationLogStore struct {
	db  DBTX
	now func() time.Time
}

func NewAllocationLogStore(db DBTX) *AllocationLogStore {
	return &AllocationLogStore{db: db, now: time.Now}
}

// WithTx returns a store bound to tx.
func (s *AllocationLogStore) WithTx(tx *sql.Tx) *AllocationLogStore {
	return &AllocationLogStore{db: tx, now: s.now}
}

// LogEntry is the input to Create. A nil PerformedBy records a system action.
type LogEntry struct {
	PortID         int64
	SubscriptionID *int64
	CustomerID     *int64
	Action         model.AllocationAction
	PerformedBy    *int64
	Notes          string
}

// LogFilter narrows FindAll. Zero values are ignored; Limit defaults to 50.
// DateTo is inclusive, and a DateTo at midnight UTC covers that whole day.
type LogFilter struct {
	PortID         *int64
	SubscriptionID *int64
	CustomerID     *int64
	Action         model.AllocationAction
	PerformedBy    *int64
	DateFrom       *time.Time
	DateTo         *time.Time
	Search         string
	Limit          int
	Offset         int
}

const DefaultLogLimit = 50

func scanLog(s scanner) (*model.PortAllocationLog, error) {
	var l model.PortAllocationLog
	var subID, custID, performedBy sql.NullInt64
	err := s.Scan(&l.ID, &l.PortID, &subID, &custID, &l.Action, &performedBy, &l.Timestamp, &l.Notes)
	if err != nil {
		return nil, err
	}
	l.SubscriptionID = int64Ptr(subID)
	l.CustomerID = int64Ptr(custID)
	l.PerformedBy = int64Ptr(performedBy)
	return &l, nil
}

const logCols = `l.id, l.port_id, l.subscription_id, l.customer_id, l.action, l.performed_by, l.timestamp, l.notes`

func (s *AllocationLogStore) Create(e LogEntry) (*model.PortAllocationLog, error) {
	if e.Action == "" {
		return nil, fmt.Errorf("allocation log action is required")
	}
	result, err := s.db.Exec(
		`INSERT INTO port_allocation_logs (port_id, subscription_id, customer_id, action, performed_by, timestamp, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PortID, nullInt64(e.SubscriptionID), nullInt64(e.CustomerID), e.Action,
		nullInt64(e.PerformedBy), s.now().UTC(), e.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("insert allocation log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+logCols+` FROM port_allocation_logs l WHERE l.id = ?`, id)
	l, err := scanLog(row)
	if err != nil {
		return nil, fmt.Errorf("get allocation log: %w", err)
	}
	return l, nil
}

func (s *AllocationLogStore) LogCreation(portID int64, performedBy *int64, notes string) (*model.PortAllocationLog, error) {
	return s.Create(LogEntry{PortID: portID, Action: model.ActionCreated, PerformedBy: performedBy, Notes: notes})
}

func (s *AllocationLogStore) LogAssignment(portID, subscriptionID, customerID int64, performedBy *int64, notes string) (*model.PortAllocationLog, error) {
	return s.Create(LogEntry{
		PortID:         portID,
		SubscriptionID: &subscriptionID,
		CustomerID:     &customerID,
		Action:         model.ActionAssigned,
		PerformedBy:    performedBy,
		Notes:          notes,
	})
}

func (s *AllocationLogStore) LogReassignment(portID, subscriptionID, customerID int64, performedBy *int64, notes string) (*model.PortAllocationLog, error) {
	return s.Create(LogEntry{
		PortID:         portID,
		SubscriptionID: &subscriptionID,
		CustomerID:     &customerID,
		Action:         model.ActionReassigned,
		PerformedBy:    performedBy,
		Notes:          notes,
	})
}

func (s *AllocationLogStore) LogRelease(portID int64, subscriptionID, customerID, performedBy *int64, notes string) (*model.PortAllocationLog, error) {
	return s.Create(LogEntry{
		PortID:         portID,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
		Action:         model.ActionReleased,
		PerformedBy:    performedBy,
		Notes:          notes,
	})
}

func (s *AllocationLogStore) LogUnassignment(portID int64, subscriptionID, customerID, performedBy *int64, notes string) (*model.PortAllocationLog, error) {
	return s.Create(LogEntry{
		PortID:         portID,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
		Action:         model.ActionUnassigned,
		PerformedBy:    performedBy,
		Notes:          notes,
	})
}

func (s *AllocationLogStore) LogStatusChange(portID int64, from, to model.PortStatus, performedBy *int64, notes string) (*model.PortAllocationLog, error) {
	msg := fmt.Sprintf("status %s -> %s", from, to)
	if notes != "" {
		msg += ": " + notes
	}
	return s.Create(LogEntry{PortID: portID, Action: model.ActionStatusChanged, PerformedBy: performedBy, Notes: msg})
}

func (s *AllocationLogStore) LogDeletion(portID int64, performedBy *int64, notes string) (*model.PortAllocationLog, error) {
	return s.Create(LogEntry{PortID: portID, Action: model.ActionDeleted, PerformedBy: performedBy, Notes: notes})
}

func (s *AllocationLogStore) FindByPortID(portID int64, limit int) ([]model.PortAllocationLog, error) {
	return s.FindAll(LogFilter{PortID: &portID, Limit: limit})
}

func (s *AllocationLogStore) FindBySubscriptionID(subscriptionID int64, limit int) ([]model.PortAllocationLog, error) {
	return s.FindAll(LogFilter{SubscriptionID: &subscriptionID, Limit: limit})
}

func (s *AllocationLogStore) FindByCustomerID(customerID int64, limit int) ([]model.PortAllocationLog, error) {
	return s.FindAll(LogFilter{CustomerID: &customerID, Limit: limit})
}

// whereClause builds the shared WHERE for FindAll, Count and
// FindAllWithRelations. Free-text search matches notes, action and port URL.
func (f LogFilter) whereClause() (string, []any) {
	var conds []string
	var args []any
	if f.PortID != nil {
		conds = append(conds, "l.port_id = ?")
		args = append(args, *f.PortID)
	}
	if f.SubscriptionID != nil {
		conds = append(conds, "l.subscription_id = ?")
		args = append(args, *f.SubscriptionID)
	}
	if f.CustomerID != nil {
		conds = append(conds, "l.customer_id = ?")
		args = append(args, *f.CustomerID)
	}
	if f.Action != "" {
		conds = append(conds, "l.action = ?")
		args = append(args, f.Action)
	}
	if f.PerformedBy != nil {
		conds = append(conds, "l.performed_by = ?")
		args = append(args, *f.PerformedBy)
	}
	if f.DateFrom != nil {
		conds = append(conds, "l.timestamp >= ?")
		args = append(args, f.DateFrom.UTC())
	}
	if f.DateTo != nil {
		to := f.DateTo.UTC()
		if to.Equal(to.Truncate(24 * time.Hour)) {
			conds = append(conds, "l.timestamp < ?")
			args = append(args, to.AddDate(0, 0, 1))
		} else {
			conds = append(conds, "l.timestamp <= ?")
			args = append(args, to)
		}
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		conds = append(conds, "(l.notes LIKE ? OR l.action LIKE ? OR p.instance_url LIKE ?)")
		args = append(args, like, like, like)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f LogFilter) page() (int, int) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// FindAll returns matching entries, most recent first.
func (s *AllocationLogStore) FindAll(f LogFilter) ([]model.PortAllocationLog, error) {
	where, args := f.whereClause()
	limit, offset := f.page()
	query := `SELECT ` + logCols + ` FROM port_allocation_logs l LEFT JOIN ports p ON p.id = l.port_id` +
		where + ` ORDER BY l.timestamp DESC, l.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find allocation logs: %w", err)
	}
	defer rows.Close()

	var logs []model.PortAllocationLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allocation log: %w", err)
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// Count returns the number of entries matching f, ignoring pagination.
func (s *AllocationLogStore) Count(f LogFilter) (int, error) {
	where, args := f.whereClause()
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM port_allocation_logs l LEFT JOIN ports p ON p.id = l.port_id`+where,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count allocation logs: %w", err)
	}
	return count, nil
}

// FindAllWithRelations is FindAll joined with port, customer, plan and
// performer display fields. Deleted ports leave an empty InstanceURL.
func (s *AllocationLogStore) FindAllWithRelations(f LogFilter) ([]model.PortAllocationLogView, error) {
	where, args := f.whereClause()
	limit, offset := f.page()
	query := `SELECT ` + logCols + `, COALESCE(p.instance_url, ''), cu.email, pl.name, pb.email
		FROM port_allocation_logs l
		LEFT JOIN ports p ON p.id = l.port_id
		LEFT JOIN users cu ON cu.id = l.customer_id
		LEFT JOIN subscriptions sub ON sub.id = l.subscription_id
		LEFT JOIN plans pl ON pl.id = sub.plan_id
		LEFT JOIN users pb ON pb.id = l.performed_by` +
		where + ` ORDER BY l.timestamp DESC, l.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find allocation logs with relations: %w", err)
	}
	defer rows.Close()

	var views []model.PortAllocationLogView
	for rows.Next() {
		var v model.PortAllocationLogView
		var subID, custID, performedBy sql.NullInt64
		var custEmail, planName, performerEmail sql.NullString
		err := rows.Scan(
			&v.ID, &v.PortID, &subID, &custID, &v.Action, &performedBy, &v.Timestamp, &v.Notes,
			&v.InstanceURL, &custEmail, &planName, &performerEmail,
		)
		if err != nil {
			return nil, fmt.Errorf("scan allocation log view: %w", err)
		}
		v.SubscriptionID = int64Ptr(subID)
		v.CustomerID = int64Ptr(custID)
		v.PerformedBy = int64Ptr(performedBy)
		v.CustomerEmail = stringPtr(custEmail)
		v.PlanName = stringPtr(planName)
		v.PerformedByEmail = stringPtr(performerEmail)
		views = append(views, v)
	}
	return views, rows.Err()
}
