package cli

import (
	"fmt"

	"github.com/juanfont/impersonate/client"
	"github.com/juanfont/impersonate/registry"
	"github.com/juanfont/impersonate/ui"
	"github.com/spf13/cobra"
)

var (
	terminateReason string

	auditSession string
	auditLimit   int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active and recent impersonation sessions",
	RunE:  runSessions,
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <session-id>",
	Short: "Terminate another admin's impersonation session",
	Args:  cobra.ExactArgs(1),
	RunE:  runTerminate,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the impersonation audit trail",
	RunE:  runAudit,
}

func init() {
	terminateCmd.Flags().StringVar(&terminateReason, "reason", "", "reason recorded with the termination")

	auditCmd.Flags().StringVar(&auditSession, "session", "", "only entries of this session")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of entries")
}

func newRegistry() (*registry.Registry, error) {
	c, err := adminClient()
	if err != nil {
		return nil, err
	}
	return registry.New(c, cfg.Client.Timeout), nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	rows, err := reg.Refresh(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.SessionsTable(rows, reg.RefreshedAt()))
	return nil
}

func runTerminate(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	if _, err := reg.Refresh(cmd.Context()); err != nil {
		return err
	}
	if err := reg.Terminate(cmd.Context(), args[0], terminateReason); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.SessionsTable(reg.Rows(), reg.RefreshedAt()))
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	entries, err := c.ListAuditLogs(cmd.Context(), client.AuditQuery{SessionID: auditSession, Limit: auditLimit})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.AuditTable(entries))
	return nil
}
