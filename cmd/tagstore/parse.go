package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nainya/tagstore/pkg/criteria"
)

func newParseCmd() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "parse <criterion>",
		Short: "Parse a component criterion and show its parts",
		Example: `  tagstore parse "maven-releases:com.acme:core >= 1.2"
  tagstore parse "npm::ui < 2_0" --version 1.9`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := criteria.Parse(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			group := "<none>"
			if c.Group != nil {
				group = fmt.Sprintf("%q", *c.Group)
			}
			fmt.Fprintf(out, "repository: %s\n", c.Repository)
			fmt.Fprintf(out, "group:      %s\n", group)
			fmt.Fprintf(out, "name:       %s\n", c.Name)
			if c.Operator == criteria.None {
				fmt.Fprintln(out, "version:    any")
			} else {
				fmt.Fprintf(out, "version:    %s %s (numeric: %t)\n", c.Operator, c.Version, c.Version.Numeric())
			}

			if cmd.Flags().Changed("version") {
				ok := c.Operator == criteria.None || criteria.ParseVersion(version).Compare(c.Operator, c.Version)
				fmt.Fprintf(out, "matches %s: %t\n", version, ok)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Check whether this component version satisfies the criterion")
	return cmd
}
