package cmd

import (
	"log"

	"github.com/rolekeeper/rolekeeper/rolekeeper"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the RoleKeeper bot and scheduler",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			rk, err := rolekeeper.New(cfg)
			if err != nil {
				log.Fatalf("error creating rolekeeper: %s", err.Error())
			}

			if err = rk.Run(ctx); err != nil {
				log.Fatalf("error running rolekeeper: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
