package model

import (
	"encoding/json"
	"time"
)

// DateLayout is the storage and wire format for subscription dates.
const DateLayout = "2006-01-02"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash *string   `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Session struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type Plan struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	Slug                string    `json:"slug"`
	Description         string    `json:"description"`
	PriceCents          int64     `json:"price_cents"`
	Currency            string    `json:"currency"`
	BillingPeriodMonths int       `json:"billing_period_months"`
	StripePriceID       *string   `json:"-"`
	Active              bool      `json:"active"`
	Features            []string  `json:"features"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderPaid     OrderStatus = "PAID"
	OrderFailed   OrderStatus = "FAILED"
	OrderRefunded OrderStatus = "REFUNDED"
)

type Order struct {
	ID              int64       `json:"id"`
	Reference       string      `json:"reference"`
	CustomerID      int64       `json:"customer_id"`
	PlanID          int64       `json:"plan_id"`
	AmountCents     int64       `json:"amount_cents"`
	Currency        string      `json:"currency"`
	Status          OrderStatus `json:"status"`
	StripeSessionID *string     `json:"-"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type Subscription struct {
	ID             int64              `json:"id"`
	CustomerID     int64              `json:"customer_id"`
	PlanID         int64              `json:"plan_id"`
	StartDate      time.Time          `json:"-"`
	EndDate        time.Time          `json:"-"`
	Status         SubscriptionStatus `json:"status"`
	AssignedPortID *int64             `json:"assigned_port_id"`
	OrderID        *int64             `json:"order_id"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// MarshalJSON renders start and end dates as YYYY-MM-DD.
func (s Subscription) MarshalJSON() ([]byte, error) {
	type alias Subscription
	return json.Marshal(struct {
		alias
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}{
		alias:     alias(s),
		StartDate: s.StartDate.Format(DateLayout),
		EndDate:   s.EndDate.Format(DateLayout),
	})
}

// Expired reports whether the subscription's end date is before the day of now.
func (s *Subscription) Expired(now time.Time) bool {
	today := now.UTC().Format(DateLayout)
	return s.EndDate.Format(DateLayout) < today
}

// Port is a provisioned hosted instance. The credential bundle is never
// serialized with the port; see Credentials.
type Port struct {
	ID                     int64      `json:"id"`
	InstanceURL            string     `json:"instance_url"`
	PortNumber             *int       `json:"port_number"`
	DBHost                 string     `json:"-"`
	DBName                 string     `json:"-"`
	DBUsername             string     `json:"-"`
	DBPassword             string     `json:"-"`
	Status                 PortStatus `json:"status"`
	AssignedSubscriptionID *int64     `json:"assigned_subscription_id"`
	AssignedAt             *time.Time `json:"assigned_at"`
	ServerRegion           string     `json:"server_region"`
	SetupInstructions      string     `json:"setup_instructions"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// LinkConsistent reports whether status and subscription linkage agree:
// ASSIGNED requires both link fields, AVAILABLE requires neither.
func (p *Port) LinkConsistent() bool {
	linked := p.AssignedSubscriptionID != nil && p.AssignedAt != nil
	unlinked := p.AssignedSubscriptionID == nil && p.AssignedAt == nil
	switch p.Status {
	case PortAssigned:
		return linked
	case PortAvailable:
		return unlinked
	case PortReserved, PortDisabled:
		return true
	}
	return false
}

// Credentials returns the port's database credential bundle.
func (p *Port) Credentials() Credentials {
	return Credentials{
		Host:     p.DBHost,
		Name:     p.DBName,
		Username: p.DBUsername,
		Password: p.DBPassword,
	}
}

type Credentials struct {
	Host     string `json:"db_host"`
	Name     string `json:"db_name"`
	Username string `json:"db_username"`
	Password string `json:"db_password"`
}

type PortAllocationLog struct {
	ID             int64            `json:"id"`
	PortID         int64            `json:"port_id"`
	SubscriptionID *int64           `json:"subscription_id"`
	CustomerID     *int64           `json:"customer_id"`
	Action         AllocationAction `json:"action"`
	PerformedBy    *int64           `json:"performed_by"`
	Timestamp      time.Time        `json:"timestamp"`
	Notes          string           `json:"notes"`
}

// PortAllocationLogView is a log entry joined with display fields.
type PortAllocationLogView struct {
	PortAllocationLog
	InstanceURL      string  `json:"instance_url"`
	CustomerEmail    *string `json:"customer_email"`
	PlanName         *string `json:"plan_name"`
	PerformedByEmail *string `json:"performed_by_email"`
}

type OTPCode struct {
	ID         int64      `json:"id"`
	Email      string     `json:"email"`
	Purpose    string     `json:"purpose"`
	CodeHash   string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Attempts   int        `json:"attempts"`
	UsedAt     *time.Time `json:"used_at"`
	VerifiedAt *time.Time `json:"verified_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

type TicketStatus string

const (
	TicketOpen     TicketStatus = "OPEN"
	TicketAnswered TicketStatus = "ANSWERED"
	TicketClosed   TicketStatus = "CLOSED"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketAnswered, TicketClosed:
		return true
	}
	return false
}

type Ticket struct {
	ID         int64        `json:"id"`
	CustomerID int64        `json:"customer_id"`
	Subject    string       `json:"subject"`
	Body       string       `json:"body"`
	Priority   string       `json:"priority"`
	Status     TicketStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type TicketReply struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticket_id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	IsStaff   bool      `json:"is_staff"`
	CreatedAt time.Time `json:"created_at"`
}
