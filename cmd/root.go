package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "visasched",
		Short: "Watches the visa appointment portal and moves your appointment to the earliest open date",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newHuntCmd())
	root.AddCommand(newHistoryCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
