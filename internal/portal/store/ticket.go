package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
)

type TicketStore struct {
	db DBTX
}

func NewTicketStore(db DBTX) *TicketStore {
	return &TicketStore{db: db}
}

func scanTicket(s scanner) (*model.Ticket, error) {
	var t model.Ticket
	err := s.Scan(&t.ID, &t.CustomerID, &t.Subject, &t.Body, &t.Priority, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const ticketCols = `id, customer_id, subject, body, priority, status, created_at, updated_at`

var ticketPriorities = map[string]bool{"LOW": true, "NORMAL": true, "HIGH": true, "URGENT": true}

func (s *TicketStore) Create(customerID int64, subject, body, priority string) (*model.Ticket, error) {
	if priority == "" {
		priority = "NORMAL"
	}
	if !ticketPriorities[priority] {
		return nil, fmt.Errorf("invalid ticket priority %q", priority)
	}
	result, err := s.db.Exec(
		`INSERT INTO tickets (customer_id, subject, body, priority, status) VALUES (?, ?, ?, ?, ?)`,
		customerID, subject, body, priority, model.TicketOpen,
	)
	if err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *TicketStore) GetByID(id int64) (*model.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketCols+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// List returns tickets newest first. A nil customerID lists every ticket.
func (s *TicketStore) List(customerID *int64, status model.TicketStatus) ([]model.Ticket, error) {
	query := `SELECT ` + ticketCols + ` FROM tickets WHERE 1=1`
	var args []any
	if customerID != nil {
		query += ` AND customer_id = ?`
		args = append(args, *customerID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

func (s *TicketStore) UpdateStatus(id int64, status model.TicketStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid ticket status %q", status)
	}
	_, err := s.db.Exec(
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	return nil
}

// AddReply appends a reply. A staff reply moves an open ticket to ANSWERED;
// a customer reply reopens it.
func (s *TicketStore) AddReply(ticketID, authorID int64, body string, isStaff bool) (*model.TicketReply, error) {
	result, err := s.db.Exec(
		`INSERT INTO ticket_replies (ticket_id, author_id, body, is_staff) VALUES (?, ?, ?, ?)`,
		ticketID, authorID, body, boolInt(isStaff),
	)
	if err != nil {
		return nil, fmt.Errorf("insert ticket reply: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	next := model.TicketOpen
	if isStaff {
		next = model.TicketAnswered
	}
	if _, err := s.db.Exec(
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		next, time.Now().UTC(), ticketID, model.TicketClosed,
	); err != nil {
		return nil, fmt.Errorf("update ticket after reply: %w", err)
	}

	var r model.TicketReply
	var staff int
	err = s.db.QueryRow(
		`SELECT id, ticket_id, author_id, body, is_staff, created_at FROM ticket_replies WHERE id = ?`, id,
	).Scan(&r.ID, &r.TicketID, &r.AuthorID, &r.Body, &staff, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get ticket reply: %w", err)
	}
	r.IsStaff = staff == 1
	return &r, nil
}

func (s *TicketStore) Replies(ticketID int64) ([]model.TicketReply, error) {
	rows, err := s.db.Query(
		`SELECT id, ticket_id, author_id, body, is_staff, created_at FROM ticket_replies WHERE ticket_id = ? ORDER BY id`,
		ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("list ticket replies: %w", err)
	}
	defer rows.Close()

	var replies []model.TicketReply
	for rows.Next() {
		var r model.TicketReply
		var staff int
		if err := rows.Scan(&r.ID, &r.TicketID, &r.AuthorID, &r.Body, &staff, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket reply: %w", err)
		}
		r.IsStaff = staff == 1
		replies = append(replies, r)
	}
	return replies, rows.Err()
}
