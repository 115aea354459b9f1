package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/portal/model"
)

// NewAdminCmd creates the admin command
func NewAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
	}

	var name string
	create := &cobra.Command{
		Use:   "create <email>",
		Short: "Create an admin account, or promote an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.createAdmin(args[0], name)
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	cmd.AddCommand(create)
	return cmd
}

func (a *app) createAdmin(email, name string) error {
	email = strings.TrimSpace(email)
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email %q", email)
	}
	existing, err := a.users.GetByEmail(email)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Role == model.RoleAdmin {
			a.printf("%s is already an admin\n", existing.Email)
			return nil
		}
		if err := a.users.UpdateRole(existing.ID, model.RoleAdmin); err != nil {
			return err
		}
		a.printf("%s %s to admin\n", green("Promoted"), existing.Email)
		return nil
	}
	u, err := a.users.Create(email, name, model.RoleAdmin)
	if err != nil {
		return err
	}
	a.printf("%s admin #%d %s\n", green("Created"), u.ID, u.Email)
	return nil
}
