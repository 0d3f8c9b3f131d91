// cloudkeep is the command-line client for the local credential broker:
// it manages sessions and integrations in the shared workspace and, when
// the desktop daemon is running, hands browser-bound steps over to it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudkeep-io/cloudkeep/cmd/cloudkeep/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cloudkeep",
		Short: "cloudkeep — local cloud credential broker",
		Long: `cloudkeep brokers short-lived cloud credentials on your machine. It keeps
long-lived secrets in an encrypted keystore, mints temporary credentials per
session (IAM user, federated role, chained role, SSO role, Azure), and writes
them where your tools expect them.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterSessionCommands(rootCmd)
	cli.RegisterIntegrationCommands(rootCmd)
	cli.RegisterWorkspaceCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
