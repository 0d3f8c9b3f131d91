package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudkeep-io/cloudkeep/internal/session"
)

// RegisterIntegrationCommands adds SSO and Azure integration commands.
func RegisterIntegrationCommands(root *cobra.Command) {
	intCmd := &cobra.Command{
		Use:   "integration",
		Short: "Manage SSO and Azure integrations",
	}

	intCmd.AddCommand(newIntegrationListCmd())
	intCmd.AddCommand(newIntegrationCreateCmd())
	intCmd.AddCommand(newIntegrationLoginCmd())
	intCmd.AddCommand(newIntegrationLogoutCmd())
	intCmd.AddCommand(newIntegrationRolesCmd())
	intCmd.AddCommand(newIntegrationDeleteCmd())

	root.AddCommand(intCmd)
}

func newIntegrationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all integrations in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sso := a.repo.ListSsoIntegrations()
			azure := a.repo.ListAzureIntegrations()
			if len(sso) == 0 && len(azure) == 0 {
				fmt.Println("No integrations found. Use 'cloudkeep integration create' first.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tALIAS\tKIND\tTARGET\tREGION\tTOKEN")
			for _, in := range sso {
				fmt.Fprintf(w, "%s\t%s\tsso\t%s\t%s\t%s\n",
					in.ID[:8], in.Alias, in.PortalURL, in.Region, tokenState(in.AccessTokenExpiration))
			}
			for _, in := range azure {
				token := "offline"
				if in.IsOnline {
					token = tokenState(in.TokenExpiration)
				}
				fmt.Fprintf(w, "%s\t%s\tazure\t%s\t%s\t%s\n",
					in.ID[:8], in.Alias, in.TenantID, in.Region, token)
			}
			w.Flush()
			return nil
		},
	}
}

func tokenState(exp *time.Time) string {
	if exp == nil {
		return "(none)"
	}
	remaining := time.Until(*exp)
	if remaining <= 0 {
		return "EXPIRED"
	}
	return fmt.Sprintf("%dm", int(remaining.Minutes()))
}

func newIntegrationCreateCmd() *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an integration",
	}
	createCmd.AddCommand(newCreateSsoIntegrationCmd())
	createCmd.AddCommand(newCreateAzureIntegrationCmd())
	return createCmd
}

func newCreateSsoIntegrationCmd() *cobra.Command {
	var params session.CreateSsoIntegrationParams
	cmd := &cobra.Command{
		Use:   "sso <alias>",
		Short: "Create an AWS IAM Identity Center integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			params.Alias = args[0]
			in, err := a.ssoIntegrations.Create(params)
			if err != nil {
				return err
			}
			a.notifyIntegrations(cmd.Context())
			fmt.Printf("Integration created: %s (%s)\n", in.Alias, in.ID[:8])
			return nil
		},
	}
	cmd.Flags().StringVar(&params.PortalURL, "portal-url", "", "SSO start URL (required)")
	cmd.Flags().StringVar(&params.Region, "region", "", "SSO region (required)")
	cmd.MarkFlagRequired("portal-url")
	cmd.MarkFlagRequired("region")
	return cmd
}

func newCreateAzureIntegrationCmd() *cobra.Command {
	var params session.CreateAzureIntegrationParams
	cmd := &cobra.Command{
		Use:   "azure <alias>",
		Short: "Create an Azure tenant integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			params.Alias = args[0]
			in, err := a.azureIntegrations.Create(params)
			if err != nil {
				return err
			}
			a.notifyIntegrations(cmd.Context())
			fmt.Printf("Integration created: %s (%s)\n", in.Alias, in.ID[:8])
			return nil
		},
	}
	cmd.Flags().StringVar(&params.TenantID, "tenant-id", "", "Azure tenant id (required)")
	cmd.Flags().StringVar(&params.Region, "region", "", "default Azure location (required)")
	cmd.MarkFlagRequired("tenant-id")
	cmd.MarkFlagRequired("region")
	return cmd
}

func newIntegrationLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <id|alias>",
		Short: "Sign in to an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if in, err := a.resolveSsoIntegration(args[0]); err == nil {
				if err := a.ssoIntegrations.SignIn(cmd.Context(), in.ID); err != nil {
					return err
				}
				a.notifyIntegrations(cmd.Context())
				fmt.Printf("Signed in: %s\n", in.Alias)
				return nil
			}

			in, err := a.resolveAzureIntegration(args[0])
			if err != nil {
				return fmt.Errorf("no integration matches %q", args[0])
			}
			if err := a.azureIntegrations.SignIn(cmd.Context(), in.ID); err != nil {
				return err
			}
			a.notifyIntegrations(cmd.Context())
			fmt.Printf("Signed in: %s\n", in.Alias)
			return nil
		},
	}
}

func newIntegrationLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <id|alias>",
		Short: "Sign out of an integration and discard its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if in, err := a.resolveSsoIntegration(args[0]); err == nil {
				if err := a.ssoIntegrations.SignOut(cmd.Context(), in.ID); err != nil {
					return err
				}
				a.notifyIntegrations(cmd.Context())
				fmt.Printf("Signed out: %s\n", in.Alias)
				return nil
			}

			in, err := a.resolveAzureIntegration(args[0])
			if err != nil {
				return fmt.Errorf("no integration matches %q", args[0])
			}
			if err := a.azureIntegrations.SignOut(cmd.Context(), in.ID); err != nil {
				return err
			}
			a.notifyIntegrations(cmd.Context())
			fmt.Printf("Signed out: %s\n", in.Alias)
			return nil
		},
	}
}

func newIntegrationRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles <id|alias>",
		Short: "List accounts and roles reachable through a signed-in SSO integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.resolveSsoIntegration(args[0])
			if err != nil {
				return err
			}
			options, err := a.ssoIntegrations.AvailableRoles(cmd.Context(), in.ID)
			if err != nil {
				return err
			}
			if len(options) == 0 {
				fmt.Println("No roles visible. Is the integration signed in?")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT_ID\tACCOUNT\tROLE")
			for _, opt := range options {
				fmt.Fprintf(w, "%s\t%s\t%s\n", opt.AccountID, opt.AccountName, opt.RoleName)
			}
			w.Flush()
			return nil
		},
	}
}

func newIntegrationDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|alias>",
		Short: "Delete an integration and every session that depends on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if in, err := a.resolveSsoIntegration(args[0]); err == nil {
				if err := a.ssoIntegrations.Delete(cmd.Context(), in.ID); err != nil {
					return err
				}
				a.notifyIntegrations(cmd.Context())
				a.notifySessions(cmd.Context())
				fmt.Printf("Integration deleted: %s\n", in.Alias)
				return nil
			}

			in, err := a.resolveAzureIntegration(args[0])
			if err != nil {
				return fmt.Errorf("no integration matches %q", args[0])
			}
			if err := a.azureIntegrations.Delete(cmd.Context(), in.ID); err != nil {
				return err
			}
			a.notifyIntegrations(cmd.Context())
			a.notifySessions(cmd.Context())
			fmt.Printf("Integration deleted: %s\n", in.Alias)
			return nil
		},
	}
}
