package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var studiesCmd = &cobra.Command{
	Use:   "studies",
	Short: "create, list, and inspect studies",
}

var studiesCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "create a new study, or join it if it already exists cluster-wide",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(serverAddr)
		out, err := c.post("/studies", map[string]string{"study_name": args[0]})
		fail(err)
		fmt.Println(string(out))
	},
}

var studiesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "list every study known to this node",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(serverAddr)
		out, err := c.get("/studies")
		fail(err)
		fmt.Println(string(out))
	},
}

var studiesGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "fetch a study's summary",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(serverAddr)
		out, err := c.get("/studies/" + url.PathEscape(args[0]))
		fail(err)
		fmt.Println(string(out))
	},
}

func init() {
	studiesCmd.AddCommand(studiesCreateCmd, studiesLsCmd, studiesGetCmd)
}
