package cmd

import (
	"github.com/spf13/cobra"

	"github.com/alpacahq/walship/cmd/master"
	"github.com/alpacahq/walship/cmd/slave"
	"github.com/alpacahq/walship/utils"
	"github.com/alpacahq/walship/utils/log"
)

// flagPrintVersion set flag to show current walship version.
var flagPrintVersion bool

// Execute builds the command tree and executes commands.
func Execute() error {
	// c is the root command.
	c := &cobra.Command{
		Use:   "walship",
		Short: "Ship a database log from a master to its slave",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Print version if specified.
			if flagPrintVersion {
				log.Info("version: %+v", utils.Tag)
				log.Info("commit hash: %+v", utils.GitHash)
				log.Info("utc build time: %+v", utils.BuildStamp)
				return nil
			}
			// Print information regarding usage.
			return cmd.Usage()
		},
	}

	// Adds subcommands and version flag.
	c.AddCommand(master.Cmd)
	c.AddCommand(slave.Cmd)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	return c.Execute()
}
