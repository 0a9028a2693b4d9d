package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/md-rashed-zaman/slotengine/libs/runtime"
)

func main() {
	ctx, stop := runtime.SignalContext()
	defer stop()
	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "slotctl",
		Short:         "Operator tooling for the scheduling service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("database-url", "", "postgres connection string (env DATABASE_URL)")
	root.PersistentFlags().String("env-file", ".env", "optional KEY=VALUE file")
	root.PersistentFlags().Duration("timeout", 0, "overall command timeout (env SLOTCTL_TIMEOUT)")
	_ = v.BindPFlag("DATABASE_URL", root.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("ENV_FILE", root.PersistentFlags().Lookup("env-file"))
	_ = v.BindPFlag("SLOTCTL_TIMEOUT", root.PersistentFlags().Lookup("timeout"))

	root.AddCommand(migrateCmd(v), generateCmd(v), purgeCmd(v))
	return root
}
