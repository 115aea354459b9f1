package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/backup"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

// NewBackupCmd creates the backup command
func NewBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage encrypted database backups",
		Long: `Backups are encrypted snapshots of the portal database kept in S3-compatible
storage. Configure them with the PORTAL_BACKUP_* variables; the passphrase
defaults to PORTAL_SECRET_KEY.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Take a backup now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.backups().RunNow(cmd.Context())
			if err != nil {
				return err
			}
			a.printf("%s backup #%d %s (%s)\n", green("Uploaded"), b.ID, b.S3Key, formatBytes(b.SizeBytes))
			return nil
		},
	})

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.listBackups(limit)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	cmd.AddCommand(list)

	var out string
	restore := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Download and decrypt a backup into a new database file",
		Long: `Restore writes the decrypted snapshot to --out and verifies it. The running
database is left alone; stop the portal and move the file into place yourself.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "backup")
			if err != nil {
				return err
			}
			if out == "" {
				return errors.New("--out is required")
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.backups().Restore(cmd.Context(), id, out); err != nil {
				return err
			}
			a.printf("%s backup #%d to %s\n", green("Restored"), id, out)
			return nil
		},
	}
	restore.Flags().StringVar(&out, "out", "", "path for the restored database (must not exist)")
	cmd.AddCommand(restore)
	return cmd
}

func (a *app) backups() *backup.Manager {
	return backup.NewManager(a.backupCfg, a.db, store.NewBackupStore(a.db), a.logger, nil)
}

func (a *app) listBackups(limit int) error {
	list, err := store.NewBackupStore(a.db).List(limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		a.printf("No backups found\n")
		return nil
	}
	for _, b := range list {
		a.printf("%s  %s  %-9s %8s  %s\n", bold(fmt.Sprintf("#%d", b.ID)), b.StartedAt.Format("2006-01-02 15:04"),
			backupStatusColor(b.Status), formatBytes(b.SizeBytes), b.S3Key)
		if b.ErrorMessage != "" {
			a.printf("    %s\n", red(b.ErrorMessage))
		}
	}
	return nil
}

func backupStatusColor(s model.BackupStatus) string {
	switch s {
	case model.BackupCompleted:
		return green(s)
	case model.BackupFailed:
		return red(s)
	}
	return yellow(s)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
