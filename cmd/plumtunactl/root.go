package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "plumtunactl",
	Short: "Operate a plumtuna cluster from the terminal",
	Long: `plumtunactl is a thin client over a running plumtunad node's HTTP
surface: create and inspect studies, list and inspect trials.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:7363", "plumtunad HTTP address to talk to")
	rootCmd.AddCommand(studiesCmd, trialsCmd)
}

// Execute runs the root command, matching remote-procedure-call/cmd's
// Execute() convention of printing and exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
