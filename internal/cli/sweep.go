package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/sweep"
)

// NewSweepCmd creates the sweep command
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue subscriptions now",
		Long: `Runs one expiry pass: every ACTIVE subscription whose end date has passed
becomes EXPIRED. Assigned ports are left in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := sweep.New(a.alloc, "", a.logger).RunOnce(cmd.Context())
			if res != nil {
				for _, s := range res.Expired {
					a.printf("%s subscription #%d (customer #%d, ended %s)\n",
						red("Expired"), s.ID, s.CustomerID, s.EndDate.Format(model.DateLayout))
				}
				a.printf("%d subscription(s) expired in %s\n", len(res.Expired), res.Duration.Round(time.Millisecond))
			}
			return err
		},
	}
}
