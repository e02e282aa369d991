package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/bizadmin/accounts"
	"github.com/jmcleod/bizadmin/auth"
	"github.com/jmcleod/bizadmin/internal/util"
)

// generatedPasswordLen is the length of passwords made by user create when
// none is given.
const generatedPasswordLen = 20

var userFlags struct {
	username string
	email    string
	password string
	role     string
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts directly in the configured store",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account, typically the first admin",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := auth.ParseRole(userFlags.role)
		if err != nil {
			return err
		}
		return withAccounts(cmd, func(ctx context.Context, store *accounts.Store) error {
			return createUser(ctx, cmd.OutOrStdout(), store, accounts.NewUser{
				Username: userFlags.username,
				Email:    userFlags.email,
				Password: userFlags.password,
				Role:     role,
			})
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd, func(ctx context.Context, store *accounts.Store) error {
			return listUsers(ctx, cmd.OutOrStdout(), store)
		})
	},
}

var userSetRoleCmd = &cobra.Command{
	Use:   "set-role <id> <role>",
	Short: "Change an account's role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q", args[0])
		}
		role, err := auth.ParseRole(args[1])
		if err != nil {
			return err
		}
		return withAccounts(cmd, func(ctx context.Context, store *accounts.Store) error {
			u, err := store.SetRole(ctx, id, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.Username, u.Role)
			return nil
		})
	},
}

// withAccounts opens the configured store for the duration of fn.
func withAccounts(cmd *cobra.Command, fn func(context.Context, *accounts.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := cmd.Context()
	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()
	return fn(ctx, accounts.NewStore(repo))
}

// createUser creates n, generating and printing a password when n has none.
func createUser(ctx context.Context, out io.Writer, store *accounts.Store, n accounts.NewUser) error {
	generated := n.Password == ""
	if generated {
		pw, err := util.RandomChars(generatedPasswordLen)
		if err != nil {
			return err
		}
		n.Password = pw
	}
	u, err := store.Create(ctx, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Created %s account %q (id %d, %s)\n", u.Role, u.Username, u.ID, u.Email)
	if generated {
		fmt.Fprintf(out, "Generated password: %s\n", n.Password)
	}
	return nil
}

func listUsers(ctx context.Context, out io.Writer, store *accounts.Store) error {
	users, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tEMAIL\tROLE")
	for _, u := range users {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", u.ID, u.Username, u.Email, u.Role)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd, userListCmd, userSetRoleCmd)

	f := userCreateCmd.Flags()
	f.StringVar(&userFlags.username, "username", "", "Account username")
	f.StringVar(&userFlags.email, "email", "", "Account email")
	f.StringVar(&userFlags.password, "password", "", "Account password (generated when empty)")
	f.StringVar(&userFlags.role, "role", string(auth.RoleAdmin), "Role: admin, superuser or user")
	_ = userCreateCmd.MarkFlagRequired("username")
	_ = userCreateCmd.MarkFlagRequired("email")
}
