package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan [goal]",
	Short: "Decompose a goal without executing it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		planner, _ := a.components()
		p, err := planner.Decompose(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if err := a.store.SavePlan(p); err != nil {
			return err
		}

		fmt.Printf("Plan %s  category=%s  leaves=%d\n", p.ID, p.Root.Category, len(p.Leaves()))
		printTree(p.Root, 0)
		return nil
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List recent plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		summaries, err := a.store.ListPlans(20)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No plans yet.")
			return nil
		}

		for _, s := range summaries {
			fmt.Printf("%s  %-9s  %s  %s\n",
				s.ID, s.Status, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Goal)
		}
		return nil
	},
}
