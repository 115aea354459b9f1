package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

// NewPortsCmd creates the ports command
func NewPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Manage the port registry",
	}
	cmd.AddCommand(newPortsListCmd())
	cmd.AddCommand(newPortsCreateCmd())
	cmd.AddCommand(newPortsAssignCmd())
	cmd.AddCommand(newPortsReleaseCmd())
	cmd.AddCommand(newPortsStatusCmd())
	return cmd
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func newPortsListCmd() *cobra.Command {
	var status, region, search string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.listPorts(store.PortFilter{
				Status: model.PortStatus(strings.ToUpper(status)),
				Region: region,
				Search: search,
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&region, "region", "", "filter by server region")
	cmd.Flags().StringVar(&search, "search", "", "match URL, host or database name")
	return cmd
}

func (a *app) listPorts(f store.PortFilter) error {
	ports, err := a.ports.List(f)
	if err != nil {
		return fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		a.printf("No ports found\n")
		return nil
	}
	for _, p := range ports {
		a.printf("%s  %s (%s)\n", bold(fmt.Sprintf("#%d", p.ID)), p.InstanceURL, portStatusColor(p.Status))
		if p.ServerRegion != "" {
			a.printf("  Region:        %s\n", p.ServerRegion)
		}
		if p.AssignedSubscriptionID != nil && p.AssignedAt != nil {
			a.printf("  Subscription:  #%d since %s\n", *p.AssignedSubscriptionID, p.AssignedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

func newPortsCreateCmd() *cobra.Command {
	var in store.PortInput
	var portNumber int
	var status string

	cmd := &cobra.Command{
		Use:   "create <instance-url>",
		Short: "Register a new port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			in.InstanceURL = args[0]
			in.Status = model.PortStatus(strings.ToUpper(status))
			if portNumber > 0 {
				in.PortNumber = &portNumber
			}
			port, err := a.alloc.CreatePort(cmd.Context(), in, a.actor)
			if err != nil {
				return err
			}
			a.printf("%s port #%d %s (%s)\n", green("Created"), port.ID, port.InstanceURL, portStatusColor(port.Status))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&portNumber, "port", 0, "port number")
	f.StringVar(&in.DBHost, "db-host", "", "database host")
	f.StringVar(&in.DBName, "db-name", "", "database name")
	f.StringVar(&in.DBUsername, "db-user", "", "database username")
	f.StringVar(&in.DBPassword, "db-password", "", "database password")
	f.StringVar(&in.ServerRegion, "region", "", "server region")
	f.StringVar(&in.SetupInstructions, "instructions", "", "setup instructions shown to the customer")
	f.StringVar(&status, "status", "", "initial status (AVAILABLE, RESERVED or DISABLED)")
	return cmd
}

func newPortsAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <port-id> <subscription-id>",
		Short: "Assign a port to a subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			portID, err := parseID(args[0], "port")
			if err != nil {
				return err
			}
			subID, err := parseID(args[1], "subscription")
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			port, err := a.alloc.Assign(cmd.Context(), portID, subID, a.actor)
			if err != nil {
				return err
			}
			a.printf("%s port #%d %s to subscription #%d\n", green("Assigned"), port.ID, port.InstanceURL, subID)
			return nil
		},
	}
}

func newPortsReleaseCmd() *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "release <port-id>",
		Short: "Release a port back to AVAILABLE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			portID, err := parseID(args[0], "port")
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.alloc.Release(cmd.Context(), portID, a.actor, notes); err != nil {
				return err
			}
			a.printf("%s port #%d\n", green("Released"), portID)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "note recorded in the allocation log")
	return cmd
}

func newPortsStatusCmd() *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "status <port-id> <AVAILABLE|RESERVED|DISABLED>",
		Short: "Change a port's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			portID, err := parseID(args[0], "port")
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			port, err := a.alloc.ChangeStatus(cmd.Context(), portID, model.PortStatus(strings.ToUpper(args[1])), a.actor, notes)
			if err != nil {
				return err
			}
			a.printf("Port #%d is now %s\n", port.ID, portStatusColor(port.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "note recorded in the allocation log")
	return cmd
}
