package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RegisterWorkspaceCommands adds workspace-wide setting commands.
func RegisterWorkspaceCommands(root *cobra.Command) {
	wsCmd := &cobra.Command{
		Use:   "workspace",
		Short: "Inspect and change workspace settings",
	}

	wsCmd.AddCommand(newWorkspaceRegionCmd())
	wsCmd.AddCommand(newWorkspaceThemeCmd())

	root.AddCommand(wsCmd)
}

func newWorkspaceRegionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "region [value]",
		Short: "Show or set the workspace default region",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				fmt.Println(a.repo.DefaultRegion())
				return nil
			}
			if err := a.repo.SetDefaultRegion(args[0]); err != nil {
				return err
			}
			a.notifySessions(cmd.Context())
			fmt.Printf("Default region set to %s\n", args[0])
			return nil
		},
	}
}

func newWorkspaceThemeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "theme [value]",
		Short: "Show or set the desktop color theme",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				fmt.Println(a.repo.ColorTheme())
				return nil
			}
			if err := a.repo.SetColorTheme(args[0]); err != nil {
				return err
			}
			fmt.Printf("Color theme set to %s\n", args[0])
			return nil
		},
	}
}
