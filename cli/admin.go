package cli

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/juanfont/impersonate/authority"
	"github.com/juanfont/impersonate/types"
	"github.com/spf13/cobra"
)

var (
	tokenEmail string
	tokenTTL   time.Duration

	userEmail  string
	userName   string
	userTenant string
	userAdmin  bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token",
	Long: `Mints a bearer token for a super-admin from the authority database.

Set the printed token as client.token (or IMPERSONATE_CLIENT_TOKEN) to use
the session commands.`,
	RunE: runToken,
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users in the authority database",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a user",
	RunE:  runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE:  runUserList,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email of the super-admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("email")

	userAddCmd.Flags().StringVar(&userEmail, "email", "", "email address")
	userAddCmd.Flags().StringVar(&userName, "name", "", "display name")
	userAddCmd.Flags().StringVar(&userTenant, "tenant", "", "tenant id")
	userAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "create a super-admin")
	userAddCmd.MarkFlagRequired("email")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
}

func findUserByEmail(cmd *cobra.Command, store *authority.Store, email string) (*types.User, error) {
	users, err := store.ListUsers(cmd.Context())
	if err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Email, email) {
			return &users[i], nil
		}
	}
	return nil, fmt.Errorf("no user with email %q", email)
}

func runToken(cmd *cobra.Command, args []string) error {
	svc, db, err := openService(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	admin, err := findUserByEmail(cmd, svc.Store(), tokenEmail)
	if err != nil {
		return err
	}
	token, expiresAt, err := svc.Tokens().AdminToken(admin, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	u := &types.User{
		Email:       strings.TrimSpace(userEmail),
		DisplayName: userName,
		IsAdmin:     userAdmin,
	}
	if userTenant != "" {
		u.TenantID = sql.NullString{String: userTenant, Valid: true}
	}
	if err := authority.NewStore(db).CreateUser(cmd.Context(), u); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), u.ID)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := authority.NewStore(db).ListUsers(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, u := range users {
		role := "user"
		if u.IsAdmin {
			role = "admin"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", u.ID, u.Email, role, u.TenantID.String)
	}
	return nil
}
