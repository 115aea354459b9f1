// Package cli implements portalctl, the operator command line. Most commands
// work directly against the portal database; reveal talks to a running
// portal over HTTP.
package cli

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/backup"
	"github.com/dukerupert/portal/internal/config"
	"github.com/dukerupert/portal/internal/logging"
	"github.com/dukerupert/portal/internal/portal/allocation"
	"github.com/dukerupert/portal/internal/portal/database"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/server"
	"github.com/dukerupert/portal/internal/portal/store"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// app is the database-backed context shared by the local commands.
type app struct {
	db     *sql.DB
	out    io.Writer
	logger *slog.Logger
	users  *store.UserStore
	plans  *store.PlanStore
	ports  *store.PortStore
	subs   *store.SubscriptionStore
	logs   *store.AllocationLogStore
	alloc  *allocation.Service
	actor  *int64

	backupCfg backup.Config
}

// dbPath and actorEmail are set by persistent flags on the root command.
var (
	dbPath     string
	actorEmail string
)

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	path := cfg.DBPath
	if dbPath != "" {
		path = dbPath
	}
	a, err := newApp(path, cfg.SecretKey, cmd.OutOrStdout(), logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return nil, err
	}
	a.backupCfg = cfg.Backup()
	return a, nil
}

func newApp(path, secretKey string, out io.Writer, logger *slog.Logger) (*app, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sealer, err := server.CredentialSealer(store.NewSettingsStore(db), secretKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	ports := store.NewPortStore(db, sealer)
	a := &app{
		db:     db,
		out:    out,
		logger: logger,
		users:  store.NewUserStore(db),
		plans:  store.NewPlanStore(db),
		ports:  ports,
		subs:   store.NewSubscriptionStore(db),
		logs:   store.NewAllocationLogStore(db),
		alloc:  allocation.NewService(db, ports, nil, logger),
	}

	if actorEmail != "" {
		u, err := a.users.GetByEmail(actorEmail)
		if err != nil {
			db.Close()
			return nil, err
		}
		if u == nil || u.Role != model.RoleAdmin {
			db.Close()
			return nil, fmt.Errorf("--as %s is not an admin account", actorEmail)
		}
		a.actor = &u.ID
	}
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// NewRootCmd assembles portalctl.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "portalctl",
		Short: "Operate the port portal",
		Long: `portalctl manages the port registry, subscriptions and the allocation log
of a portal database, and can walk through the credential reveal against a
running portal.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default PORTAL_DB_PATH)")
	root.PersistentFlags().StringVar(&actorEmail, "as", "", "admin email recorded as performed_by (default: system)")

	root.AddCommand(NewPortsCmd())
	root.AddCommand(NewSubsCmd())
	root.AddCommand(NewLogsCmd())
	root.AddCommand(NewSweepCmd())
	root.AddCommand(NewPlansCmd())
	root.AddCommand(NewAdminCmd())
	root.AddCommand(NewBackupCmd())
	root.AddCommand(NewRevealCmd())
	return root
}

func portStatusColor(s model.PortStatus) string {
	switch s {
	case model.PortAvailable:
		return green(s)
	case model.PortAssigned:
		return cyan(s)
	case model.PortReserved:
		return yellow(s)
	case model.PortDisabled:
		return red(s)
	}
	return string(s)
}

func subStatusColor(s model.SubscriptionStatus) string {
	switch s {
	case model.SubActive:
		return green(s)
	case model.SubPendingAllocation:
		return yellow(s)
	case model.SubExpired, model.SubCancelled:
		return red(s)
	}
	return string(s)
}
