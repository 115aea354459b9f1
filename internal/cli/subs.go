package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

// NewSubsCmd creates the subs command
func NewSubsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subs",
		Aliases: []string{"subscriptions"},
		Short:   "Inspect and extend subscriptions",
	}
	cmd.AddCommand(newSubsListCmd())
	cmd.AddCommand(newSubsExtendCmd())
	return cmd
}

func newSubsListCmd() *cobra.Command {
	var status string
	var customer int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f := store.SubscriptionFilter{Status: model.SubscriptionStatus(strings.ToUpper(status))}
			if customer > 0 {
				f.CustomerID = &customer
			}
			return a.listSubscriptions(f, time.Now())
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().Int64Var(&customer, "customer", 0, "filter by customer id")
	return cmd
}

func (a *app) listSubscriptions(f store.SubscriptionFilter, now time.Time) error {
	subs, err := a.subs.List(f)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		a.printf("No subscriptions found\n")
		return nil
	}
	for _, s := range subs {
		a.printf("%s  customer #%d (%s)\n", bold(fmt.Sprintf("#%d", s.ID)), s.CustomerID, subStatusColor(s.Status))
		a.printf("  Period:  %s to %s", s.StartDate.Format(model.DateLayout), s.EndDate.Format(model.DateLayout))
		if s.Status == model.SubActive && s.Expired(now) {
			a.printf("  %s", red("overdue"))
		}
		a.printf("\n")
		if s.AssignedPortID != nil {
			a.printf("  Port:    #%d\n", *s.AssignedPortID)
		}
	}
	return nil
}

func newSubsExtendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extend <subscription-id> <months>",
		Short: "Push a subscription's end date out by whole months",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "subscription")
			if err != nil {
				return err
			}
			var months int
			if _, err := fmt.Sscan(args[1], &months); err != nil || months <= 0 {
				return fmt.Errorf("months must be a positive number, got %q", args[1])
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := a.alloc.Extend(cmd.Context(), id, months)
			if err != nil {
				return err
			}
			a.printf("Subscription #%d now ends %s (%s)\n", sub.ID, sub.EndDate.Format(model.DateLayout), subStatusColor(sub.Status))
			return nil
		},
	}
}
