package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/config"
)

// RegisterAuditCommands adds audit log inspection commands.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the credential audit log",
	}

	auditCmd.AddCommand(newAuditVerifyCmd())
	auditCmd.AddCommand(newAuditTailCmd())

	root.AddCommand(auditCmd)
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := audit.OpenDB(config.AuditDBPath())
			if err != nil {
				return err
			}
			defer db.Close()

			ok, count, err := audit.Verify(db)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("audit log hash chain broken after %d valid records", count)
			}
			fmt.Printf("Audit log intact: %d records verified\n", count)
			return nil
		},
	}
}

func newAuditTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := audit.OpenDB(config.AuditDBPath())
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := db.Query(
				`SELECT timestamp, event_type, session_id, detail
				 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
			if err != nil {
				return err
			}
			defer rows.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tEVENT\tSESSION\tDETAIL")
			for rows.Next() {
				var ts, eventType, sessionID, detail string
				if err := rows.Scan(&ts, &eventType, &sessionID, &detail); err != nil {
					return err
				}
				if len(sessionID) > 8 {
					sessionID = sessionID[:8]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ts, eventType, sessionID, detail)
			}
			w.Flush()
			return rows.Err()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events to show")
	return cmd
}
