package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var trialsCmd = &cobra.Command{
	Use:   "trials",
	Short: "list and inspect trials within a study",
}

var trialsLsCmd = &cobra.Command{
	Use:   "ls STUDY_ID",
	Short: "list every trial in a study",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(serverAddr)
		out, err := c.get("/studies/" + url.PathEscape(args[0]) + "/trials")
		fail(err)
		fmt.Println(string(out))
	},
}

func init() {
	trialsCmd.AddCommand(trialsLsCmd)
}

// fail matches the teacher's error handling in cmd/call.go: print and
// exit non-zero rather than propagate an error through cobra.
func fail(err error) {
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
