package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bizadmin",
	Short: "BizAdmin is a business administration service",
	Long: `BizAdmin manages invoices, purchase orders, suppliers, item groups and
students behind a cookie session with admin, superuser and user roles.

The session signing secret is read from BIZADMIN_SESSION_SECRET.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.Version = Version
}
