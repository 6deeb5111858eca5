package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tools (built-in and generated)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		all := a.registry.All()
		sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

		fmt.Printf("%d tools registered\n\n", len(all))
		for _, t := range all {
			origin := "builtin"
			if t.Generated {
				origin = "generated"
			}
			fmt.Printf("%-24s %-14s %-10s %s\n", t.Name, t.Category, origin, t.Description)
		}
		return nil
	},
}
