package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
)

type PlanStore struct {
	db DBTX
}

func NewPlanStore(db DBTX) *PlanStore {
	return &PlanStore{db: db}
}

type PlanInput struct {
	Name                string
	Slug                string
	Description         string
	PriceCents          int64
	Currency            string
	BillingPeriodMonths int
	StripePriceID       *string
	Active              bool
	Features            []string
}

func scanPlan(s scanner) (*model.Plan, error) {
	var p model.Plan
	var stripePriceID sql.NullString
	var active int
	err := s.Scan(
		&p.ID, &p.Name, &p.Slug, &p.Description, &p.PriceCents, &p.Currency,
		&p.BillingPeriodMonths, &stripePriceID, &active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.StripePriceID = stringPtr(stripePriceID)
	p.Active = active != 0
	return &p, nil
}

const planCols = `id, name, slug, description, price_cents, currency, billing_period_months, stripe_price_id, active, created_at, updated_at`

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *PlanStore) Create(in PlanInput) (*model.Plan, error) {
	if in.BillingPeriodMonths <= 0 {
		return nil, fmt.Errorf("billing period must be positive, got %d", in.BillingPeriodMonths)
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}
	result, err := s.db.Exec(
		`INSERT INTO plans (name, slug, description, price_cents, currency, billing_period_months, stripe_price_id, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Name, in.Slug, in.Description, in.PriceCents, in.Currency,
		in.BillingPeriodMonths, nullString(in.StripePriceID), boolInt(in.Active),
	)
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := s.SetFeatures(id, in.Features); err != nil {
		return nil, err
	}
	return s.GetByID(id)
}

func (s *PlanStore) GetByID(id int64) (*model.Plan, error) {
	row := s.db.QueryRow(`SELECT `+planCols+` FROM plans WHERE id = ?`, id)
	return s.scanOne(row, "get plan")
}

func (s *PlanStore) GetBySlug(slug string) (*model.Plan, error) {
	row := s.db.QueryRow(`SELECT `+planCols+` FROM plans WHERE slug = ?`, slug)
	return s.scanOne(row, "get plan by slug")
}

func (s *PlanStore) scanOne(row *sql.Row, op string) (*model.Plan, error) {
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.Features, err = s.Features(p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// ListActive returns purchasable plans ordered by price.
func (s *PlanStore) ListActive() ([]model.Plan, error) {
	rows, err := s.db.Query(`SELECT ` + planCols + ` FROM plans WHERE active = 1 ORDER BY price_cents, id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var plans []model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range plans {
		if plans[i].Features, err = s.Features(plans[i].ID); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

func (s *PlanStore) Features(planID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT feature FROM plan_features WHERE plan_id = ? ORDER BY position`, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan features: %w", err)
	}
	defer rows.Close()

	features := []string{}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan plan feature: %w", err)
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// SetFeatures replaces the plan's ordered feature list.
func (s *PlanStore) SetFeatures(planID int64, features []string) error {
	if _, err := s.db.Exec(`DELETE FROM plan_features WHERE plan_id = ?`, planID); err != nil {
		return fmt.Errorf("clear plan features: %w", err)
	}
	for i, f := range features {
		_, err := s.db.Exec(
			`INSERT INTO plan_features (plan_id, position, feature) VALUES (?, ?, ?)`,
			planID, i, f,
		)
		if err != nil {
			return fmt.Errorf("insert plan feature: %w", err)
		}
	}
	return nil
}

func (s *PlanStore) SetActive(id int64, active bool) error {
	_, err := s.db.Exec(
		`UPDATE plans SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set plan active: %w", err)
	}
	return nil
}
