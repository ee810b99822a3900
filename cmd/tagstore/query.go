package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nainya/tagstore/pkg/client"
)

func newQueryCmd() *cobra.Command {
	var (
		addr       string
		attributes []string
		components []string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Search tags on a running server",
		Long: "Lists tags carrying every --attribute key:value pair and, for each --component\n" +
			"criterion (repository:group:name [op version]), at least one matching component.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			tags, err := client.New(conn).ListTags(ctx, attributes, components)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tags)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "Server address")
	cmd.Flags().StringArrayVarP(&attributes, "attribute", "a", nil, "Attribute filter key:value (repeatable)")
	cmd.Flags().StringArrayVarP(&components, "component", "m", nil, "Component criterion (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}
