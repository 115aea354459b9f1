package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/portal/store"
)

// defaultPlans is the catalogue installed by "plans seed".
var defaultPlans = []store.PlanInput{
	{
		Name:                "Monthly",
		Slug:                "monthly",
		Description:         "One hosted instance, billed every month.",
		PriceCents:          4900,
		Currency:            "USD",
		BillingPeriodMonths: 1,
		Active:              true,
		Features:            []string{"Dedicated instance", "Managed database", "Daily backups", "Email support"},
	},
	{
		Name:                "Quarterly",
		Slug:                "quarterly",
		Description:         "Three months of hosting at a discount.",
		PriceCents:          13500,
		Currency:            "USD",
		BillingPeriodMonths: 3,
		Active:              true,
		Features:            []string{"Dedicated instance", "Managed database", "Daily backups", "Priority support"},
	},
	{
		Name:                "Annual",
		Slug:                "annual",
		Description:         "Twelve months of hosting, two months free.",
		PriceCents:          49000,
		Currency:            "USD",
		BillingPeriodMonths: 12,
		Active:              true,
		Features:            []string{"Dedicated instance", "Managed database", "Hourly backups", "Priority support"},
	},
}

// NewPlansCmd creates the plans command
func NewPlansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage subscription plans",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.listPlans()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Install the default plans (existing slugs are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			_, err = a.seedPlans(defaultPlans)
			return err
		},
	})
	return cmd
}

func (a *app) listPlans() error {
	plans, err := a.plans.ListActive()
	if err != nil {
		return fmt.Errorf("failed to list plans: %w", err)
	}
	if len(plans) == 0 {
		a.printf("No plans found. Run: portalctl plans seed\n")
		return nil
	}
	for _, p := range plans {
		a.printf("%s (%s)  %d.%02d %s / %d month(s)\n", bold(p.Name), p.Slug, p.PriceCents/100, p.PriceCents%100, p.Currency, p.BillingPeriodMonths)
		for _, f := range p.Features {
			a.printf("  - %s\n", f)
		}
	}
	return nil
}

// seedPlans creates each plan whose slug is not present yet and returns how
// many were created.
func (a *app) seedPlans(plans []store.PlanInput) (int, error) {
	created := 0
	for _, in := range plans {
		existing, err := a.plans.GetBySlug(in.Slug)
		if err != nil {
			return created, err
		}
		if existing != nil {
			a.printf("%s %s (exists)\n", yellow("Skipped"), in.Slug)
			continue
		}
		if _, err := a.plans.Create(in); err != nil {
			return created, fmt.Errorf("create plan %s: %w", in.Slug, err)
		}
		created++
		a.printf("%s %s\n", green("Created"), in.Slug)
	}
	return created, nil
}
