package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudkeep-io/cloudkeep/internal/session"
)

// RegisterSessionCommands adds session lifecycle commands.
func RegisterSessionCommands(root *cobra.Command) {
	sessCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage cloud sessions",
	}

	sessCmd.AddCommand(newSessionListCmd())
	sessCmd.AddCommand(newSessionStartCmd())
	sessCmd.AddCommand(newSessionStopCmd())
	sessCmd.AddCommand(newSessionRotateCmd())
	sessCmd.AddCommand(newSessionDeleteCmd())
	sessCmd.AddCommand(newSessionCreateCmd())

	root.AddCommand(sessCmd)
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sessions := a.repo.GetSessions()
			if len(sessions) == 0 {
				fmt.Println("No sessions found. Use 'cloudkeep session create' first.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tREGION\tPROFILE\tEXPIRY")
			for _, s := range sessions {
				expiry := "(none)"
				if s.ExpirationTime != nil {
					remaining := time.Until(*s.ExpirationTime)
					if remaining <= 0 {
						expiry = "EXPIRED"
					} else {
						expiry = fmt.Sprintf("%dm", int(remaining.Minutes()))
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID[:8], s.Name, s.Type, s.Status, s.Region, s.ProfileName, expiry)
			}
			w.Flush()
			return nil
		},
	}
}

func newSessionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id|name>",
		Short: "Start a session and write its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.resolveSession(args[0])
			if err != nil {
				return err
			}
			if err := a.factory.Start(cmd.Context(), s.ID); err != nil {
				return err
			}
			a.notifySessions(cmd.Context())

			s, err = a.repo.GetSessionByID(s.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Session started: %s (%s)\n", s.Name, s.ID[:8])
			if s.ExpirationTime != nil {
				fmt.Printf("  Expiry: %s (%dm remaining)\n",
					s.ExpirationTime.Format(time.RFC3339),
					int(time.Until(*s.ExpirationTime).Minutes()),
				)
			}
			if s.ProfileName != "" {
				fmt.Printf("  Profile: %s\n", s.ProfileName)
			}
			return nil
		},
	}
}

func newSessionStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id|name>",
		Short: "Stop a session and remove its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.resolveSession(args[0])
			if err != nil {
				return err
			}
			if err := a.factory.Stop(cmd.Context(), s.ID); err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Session stopped: %s (%s)\n", s.Name, s.ID[:8])
			return nil
		},
	}
}

func newSessionRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <id|name>",
		Short: "Force a credential refresh for an active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.resolveSession(args[0])
			if err != nil {
				return err
			}
			if err := a.factory.Rotate(cmd.Context(), s.ID); err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Session rotated: %s (%s)\n", s.Name, s.ID[:8])
			return nil
		},
	}
}

func newSessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete a session, its secrets, and its dependants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.resolveSession(args[0])
			if err != nil {
				return err
			}

			svc, err := a.factory.ServiceFor(s.Type)
			if err != nil {
				return err
			}
			dependants, err := svc.DependantSessions(s.ID)
			if err != nil {
				return err
			}
			if len(dependants) > 0 {
				fmt.Printf("Deleting %d dependant session(s) as well:\n", len(dependants))
				for _, d := range dependants {
					fmt.Printf("  %s (%s)\n", d.Name, d.ID[:8])
				}
			}

			if err := a.factory.Delete(cmd.Context(), s.ID); err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Session deleted: %s (%s)\n", s.Name, s.ID[:8])
			return nil
		},
	}
}

func newSessionCreateCmd() *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
	}
	createCmd.AddCommand(newCreateIamUserCmd())
	createCmd.AddCommand(newCreateFederatedCmd())
	createCmd.AddCommand(newCreateChainedCmd())
	createCmd.AddCommand(newCreateSsoRoleCmd())
	createCmd.AddCommand(newCreateAzureCmd())
	return createCmd
}

func newCreateIamUserCmd() *cobra.Command {
	var params session.CreateIamUserParams
	cmd := &cobra.Command{
		Use:   "iam-user <name>",
		Short: "Create an IAM user session from long-lived access keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			params.Name = args[0]
			s, err := a.iamUser.Create(params)
			if err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Session created: %s (%s)\n", s.Name, s.ID[:8])
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Region, "region", "", "AWS region (required)")
	cmd.Flags().StringVar(&params.ProfileName, "profile", "default", "credentials file profile block")
	cmd.Flags().StringVar(&params.MfaDevice, "mfa-device", "", "MFA device ARN")
	cmd.Flags().StringVar(&params.AccessKeyID, "access-key-id", "", "long-lived access key id (required)")
	cmd.Flags().StringVar(&params.SecretAccessKey, "secret-access-key", "", "long-lived secret access key (required)")
	cmd.MarkFlagRequired("region")
	cmd.MarkFlagRequired("access-key-id")
	cmd.MarkFlagRequired("secret-access-key")
	return cmd
}

func newCreateFederatedCmd() *cobra.Command {
	var params session.CreateIamRoleFederatedParams
	cmd := &cobra.Command{
		Use:   "federated <name>",
		Short: "Create a SAML-federated IAM role session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			params.Name = args[0]
			s, err := a.federated.Create(params)
			if err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Session created: %s (%s)\n", s.Name, s.ID[:8])
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Region, "region", "", "AWS region (required)")
	cmd.Flags().StringVar(&params.ProfileName, "profile", "default", "credentials file profile block")
	cmd.Flags().StringVar(&params.RoleArn, "role-arn", "", "role to assume (required)")
	cmd.Flags().StringVar(&params.IdpURL, "idp-url", "", "identity provider login URL (required)")
	cmd.Flags().StringVar(&params.IdpArn, "idp-arn", "", "identity provider principal ARN (required)")
	cmd.MarkFlagRequired("region")
	cmd.MarkFlagRequired("role-arn")
	cmd.MarkFlagRequired("idp-url")
	cmd.MarkFlagRequired("idp-arn")
	return cmd
}

func newCreateChainedCmd() *cobra.Command {
	var params session.CreateIamRoleChainedParams
	var parentRef string
	cmd := &cobra.Command{
		Use:   "chained <name>",
		Short: "Create a chained IAM role session assumed from a parent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			parent, err := a.resolveSession(parentRef)
			if err != nil {
				return err
			}
			params.Name = args[0]
			params.ParentSessionID = parent.ID
			s, err := a.chained.Create(params)
			if err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Session created: %s (%s), parent %s\n", s.Name, s.ID[:8], parent.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Region, "region", "", "AWS region (required)")
	cmd.Flags().StringVar(&params.ProfileName, "profile", "default", "credentials file profile block")
	cmd.Flags().StringVar(&params.RoleArn, "role-arn", "", "role to assume (required)")
	cmd.Flags().StringVar(&parentRef, "parent", "", "parent session id or name (required)")
	cmd.MarkFlagRequired("region")
	cmd.MarkFlagRequired("role-arn")
	cmd.MarkFlagRequired("parent")
	return cmd
}

func newCreateSsoRoleCmd() *cobra.Command {
	var params session.CreateSsoRoleParams
	var integrationRef string
	cmd := &cobra.Command{
		Use:   "sso-role <name>",
		Short: "Create an SSO role session backed by an SSO integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			integration, err := a.resolveSsoIntegration(integrationRef)
			if err != nil {
				return err
			}
			params.Name = args[0]
			params.IntegrationID = integration.ID
			s, err := a.ssoRole.Create(params)
			if err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Session created: %s (%s), integration %s\n", s.Name, s.ID[:8], integration.Alias)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Region, "region", "", "AWS region (required)")
	cmd.Flags().StringVar(&params.ProfileName, "profile", "default", "credentials file profile block")
	cmd.Flags().StringVar(&params.AccountID, "account-id", "", "AWS account id (required)")
	cmd.Flags().StringVar(&params.RoleName, "role-name", "", "permission set role name (required)")
	cmd.Flags().StringVar(&integrationRef, "integration", "", "sso integration id or alias (required)")
	cmd.MarkFlagRequired("region")
	cmd.MarkFlagRequired("account-id")
	cmd.MarkFlagRequired("role-name")
	cmd.MarkFlagRequired("integration")
	return cmd
}

func newCreateAzureCmd() *cobra.Command {
	var params session.CreateAzureParams
	var integrationRef string
	cmd := &cobra.Command{
		Use:   "azure <name>",
		Short: "Create an Azure subscription session backed by an Azure integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			integration, err := a.resolveAzureIntegration(integrationRef)
			if err != nil {
				return err
			}
			params.Name = args[0]
			params.IntegrationID = integration.ID
			params.TenantID = integration.TenantID
			s, err := a.azure.Create(params)
			if err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Session created: %s (%s), integration %s\n", s.Name, s.ID[:8], integration.Alias)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Region, "region", "", "Azure location (required)")
	cmd.Flags().StringVar(&params.SubscriptionID, "subscription-id", "", "Azure subscription id (required)")
	cmd.Flags().StringVar(&integrationRef, "integration", "", "azure integration id or alias (required)")
	cmd.MarkFlagRequired("region")
	cmd.MarkFlagRequired("subscription-id")
	cmd.MarkFlagRequired("integration")
	return cmd
}
