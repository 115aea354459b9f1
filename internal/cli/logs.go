package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

// NewLogsCmd creates the logs command
func NewLogsCmd() *cobra.Command {
	var portID, subID, customerID int64
	var action, search string
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the port allocation log, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f := store.LogFilter{
				Action: model.AllocationAction(strings.ToUpper(action)),
				Search: search,
				Limit:  limit,
			}
			if portID > 0 {
				f.PortID = &portID
			}
			if subID > 0 {
				f.SubscriptionID = &subID
			}
			if customerID > 0 {
				f.CustomerID = &customerID
			}
			return a.printLogs(f)
		},
	}
	f := cmd.Flags()
	f.Int64Var(&portID, "port", 0, "filter by port id")
	f.Int64Var(&subID, "subscription", 0, "filter by subscription id")
	f.Int64Var(&customerID, "customer", 0, "filter by customer id")
	f.StringVar(&action, "action", "", "filter by action")
	f.StringVar(&search, "search", "", "match notes, action or instance URL")
	f.IntVar(&limit, "limit", store.DefaultLogLimit, "maximum entries")
	return cmd
}

func (a *app) printLogs(f store.LogFilter) error {
	entries, err := a.logs.FindAllWithRelations(f)
	if err != nil {
		return fmt.Errorf("failed to read allocation log: %w", err)
	}
	total, err := a.logs.Count(f)
	if err != nil {
		return fmt.Errorf("failed to count allocation log: %w", err)
	}
	if len(entries) == 0 {
		a.printf("No log entries found\n")
		return nil
	}

	for _, e := range entries {
		by := "system"
		if e.PerformedByEmail != nil {
			by = *e.PerformedByEmail
		} else if e.PerformedBy != nil {
			by = fmt.Sprintf("user #%d", *e.PerformedBy)
		}
		url := e.InstanceURL
		if url == "" {
			url = fmt.Sprintf("port #%d", e.PortID)
		}
		a.printf("%s  %-14s %s  by %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), actionColor(e.Action), url, by)
		if e.CustomerEmail != nil {
			a.printf("    customer: %s", *e.CustomerEmail)
			if e.PlanName != nil {
				a.printf(" (%s)", *e.PlanName)
			}
			a.printf("\n")
		}
		if e.Notes != "" {
			a.printf("    %s\n", e.Notes)
		}
	}
	if total > len(entries) {
		a.printf("\nShowing %d of %d entries\n", len(entries), total)
	}
	return nil
}

func actionColor(action model.AllocationAction) string {
	switch action {
	case model.ActionAssigned, model.ActionReassigned, model.ActionCreated:
		return green(action)
	case model.ActionReleased, model.ActionUnassigned:
		return yellow(action)
	case model.ActionDeleted:
		return red(action)
	}
	return string(action)
}
