// TagStore gRPC server and command line client
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tagstore",
		Short:        "Named tags over repository components",
		Long:         "Stores named groups of repository components with attributes and searches them by attribute and component criteria",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newQueryCmd(), newParseCmd())
	return root
}
