package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/juanfont/impersonate/client"
	"github.com/juanfont/impersonate/monitor"
	"github.com/juanfont/impersonate/ui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	startHours  float64
	startReason string
	startWindow bool
)

var startCmd = &cobra.Command{
	Use:   "start <target-user-id>",
	Short: "Start impersonating a tenant user",
	Long: `Starts an impersonation session and stores the scoped credential in
client.credentials_path until the session ends or expires.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current impersonation session",
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the current impersonation session until it ends",
	RunE:  runWatch,
}

var endCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "End an impersonation session",
	Long: `Ends the stored impersonation session, or the named session of the
calling admin. The stored credential is discarded whatever the outcome.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnd,
}

func init() {
	startCmd.Flags().Float64Var(&startHours, "hours", 0, "session duration in hours (0 uses the authority default)")
	startCmd.Flags().StringVar(&startReason, "reason", "", "reason recorded in the audit trail")
	startCmd.Flags().BoolVar(&startWindow, "window", false, "request a window-based session")
}

func credentialStore() *client.FileCredentialStore {
	return client.NewFileCredentialStore(cfg.Client.CredentialsPath)
}

func newClient(token string) (*client.Client, error) {
	return client.New(cfg.Client.AuthorityURL, token, client.WithTimeout(cfg.Client.Timeout))
}

func adminClient() (*client.Client, error) {
	if cfg.Client.Token == "" {
		return nil, errors.New("client.token is not set, mint one with 'impersonate token'")
	}
	return newClient(cfg.Client.Token)
}

// sessionMonitor builds a monitor acting with the stored credential. It
// returns nil when no valid credential is stored.
func sessionMonitor(cmd *cobra.Command, store client.CredentialStore) (*monitor.Monitor, error) {
	creds, err := store.Load()
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, nil
	}
	c, err := newClient(creds.AccessToken)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("authority", c.BaseURL()).
		Str("session_id", creds.SessionID).
		Msg("Monitoring impersonation session")
	out := cmd.OutOrStdout()
	return monitor.New(c, monitor.Config{
		Interval:    cfg.Client.PollInterval,
		Timeout:     cfg.Client.Timeout,
		MaxDuration: cfg.Impersonation.MaxDuration,
		Credentials: store,
		ReturnToAdmin: func(_ context.Context, o monitor.Outcome) {
			fmt.Fprintf(out, "Returned to super-admin (%s)\n", o.Reason)
		},
	}), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	store := credentialStore()
	if existing, err := store.Load(); err == nil && existing != nil {
		return fmt.Errorf("session %s is still stored, end it first", existing.SessionID)
	}

	resp, err := c.StartSession(cmd.Context(), args[0], client.StartOptions{
		DurationHours: startHours,
		Reason:        startReason,
		WindowBased:   startWindow,
	})
	if err != nil {
		return err
	}
	if err := store.Save(client.CredentialsFromStart(resp)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Impersonating %s as %s\n", resp.TargetUser.Email, resp.AdminUser.Email)
	fmt.Fprintf(out, "Session %s expires %s\n", resp.SessionID, resp.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"))
	if resp.WindowURL != "" {
		fmt.Fprintf(out, "Window %s\n", resp.WindowURL)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := sessionMonitor(cmd, credentialStore())
	if err != nil {
		return err
	}
	if m == nil {
		fmt.Fprintln(cmd.OutOrStdout(), ui.Banner(monitor.Status{State: monitor.StateNotInSession}))
		return nil
	}
	defer m.Stop()

	status, err := m.Refresh(cmd.Context())
	if monitor.IsCancelled(err) {
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.Banner(status))
	return err
}

func runWatch(cmd *cobra.Command, args []string) error {
	m, err := sessionMonitor(cmd, credentialStore())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if m == nil {
		fmt.Fprintln(out, ui.Banner(monitor.Status{State: monitor.StateNotInSession}))
		return nil
	}

	ctx, stop := signalContext()
	defer stop()

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()
	m.Start(ctx)
	defer m.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case status, ok := <-updates:
			if !ok {
				return nil
			}
			if status.State == monitor.StateChecking {
				continue
			}
			fmt.Fprintln(out, ui.Banner(status))
			if status.State.IsTerminal() || status.State == monitor.StateNotInSession {
				return nil
			}
		}
	}
}

func runEnd(cmd *cobra.Command, args []string) error {
	store := credentialStore()
	m, err := sessionMonitor(cmd, store)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable credentials")
	}

	if m != nil && len(args) == 0 {
		defer m.Stop()
		if err := m.End(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Banner(m.Status()))
		return nil
	}

	defer func() {
		if err := store.Discard(); err != nil {
			log.Error().Err(err).Msg("Failed to discard impersonation credentials")
		}
	}()
	if len(args) == 0 {
		return errors.New("no stored session, pass a session id")
	}
	c, err := adminClient()
	if err != nil {
		return err
	}
	resp, err := c.EndSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s at %s\n", resp.Message, resp.EndedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return nil
}
