package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velvetmask/velvet/internal/store"
)

func codesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Redeemable code management",
	}
	cmd.AddCommand(codesCreateCmd())
	return cmd
}

func codesCreateCmd() *cobra.Command {
	var (
		role   string
		days   int
		count  int
		length int
		by     int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint redeemable role codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := parseRoleName(role)
			if !ok {
				return fmt.Errorf("unknown role %q (awarded, paying, grouper, invited, admin)", role)
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
			var creator *store.User
			if by != 0 {
				creator, err = s.UserByUID(ctx, by)
				if err != nil {
					return fmt.Errorf("operator %d: %w", by, err)
				}
			} else {
				creator, err = s.TouchUser(ctx, 0, "system", "system", "")
				if err != nil {
					return fmt.Errorf("system user: %w", err)
				}
			}

			var dp *int
			if days > 0 {
				dp = &days
			}
			codes, err := s.CreateCodes(ctx, creator, []store.UserRole{r}, dp, length, count)
			if err != nil {
				return fmt.Errorf("create codes: %w", err)
			}
			for _, c := range codes {
				fmt.Println(c)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "awarded", "role the code grants (awarded, paying, grouper, invited, admin)")
	cmd.Flags().IntVar(&days, "days", 0, "grant duration in days (0 = permanent)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of codes to mint")
	cmd.Flags().IntVar(&length, "length", 16, "code length")
	cmd.Flags().Int64Var(&by, "by", 0, "operator uid recorded as the code creator")
	return cmd
}

func parseRoleName(s string) (store.UserRole, bool) {
	switch s {
	case "awarded":
		return store.UserAwarded, true
	case "paying":
		return store.UserPaying, true
	case "grouper":
		return store.UserGrouper, true
	case "invited":
		return store.UserInvited, true
	case "admin":
		return store.UserAdmin, true
	default:
		return store.UserNone, false
	}
}
