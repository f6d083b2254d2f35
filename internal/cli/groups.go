package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/velvetmask/velvet/internal/store"
)

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Hosted group management",
	}
	cmd.AddCommand(groupsListCmd())
	cmd.AddCommand(groupsDisableCmd())
	return cmd
}

func groupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every hosted group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DatabasePath())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			ctx := context.Background()
			groups, err := s.AllGroups(ctx)
			if err != nil {
				return err
			}
			for _, g := range groups {
				state := "running"
				if g.Disabled {
					state = "disabled"
				}
				n, err := s.NMembers(ctx, g)
				if err != nil {
					return err
				}
				fmt.Printf("%d\t@%s\t%q\t%d members\t%s\n", g.ID, g.Handle, g.Title, n, state)
			}
			return nil
		},
	}
}

func groupsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a group so it no longer boots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid group id: %w", err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DatabasePath())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			ctx := context.Background()
			g, err := s.GroupByID(ctx, id)
			if err != nil {
				return fmt.Errorf("group %d: %w", id, err)
			}
			if err := s.SetGroupDisabled(ctx, g, true); err != nil {
				return err
			}
			fmt.Printf("group %d (@%s) disabled\n", g.ID, g.Handle)
			return nil
		},
	}
}
