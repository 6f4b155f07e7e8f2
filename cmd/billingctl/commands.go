package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/FoxChat/internal/pkg/billing"
)

var (
	userID     string
	email      string
	customerID string
	force      bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull a user's subscriptions from Stripe into the store",
	Example: `  billingctl sync --user 42 --email ada@example.com
  billingctl sync --user 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		res, err := billing.NewSyncer(svc).Sync(cmd.Context(), userID, email)
		if err != nil {
			return fmt.Errorf("sync user %s: %w", userID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "strategy=%s upserted=%d\n", res.Strategy, res.Upserted)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Resolve a user's subscription status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		// No throttle: an operator asking wants the real answer.
		resolver := billing.NewResolver(svc, billing.NewSyncer(svc), billing.NoThrottle{})
		status := resolver.Resolve(cmd.Context(), billing.ResolveRequest{UserID: userID, Email: email, Force: force})

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every stored subscription of a user, active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		subs, err := svc.Subscriptions(cmd.Context(), userID)
		if err != nil {
			return fmt.Errorf("list user %s: %w", userID, err)
		}
		if len(subs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no subscriptions")
			return nil
		}
		for _, sub := range subs {
			end := "-"
			if sub.CurrentPeriodEnd != nil {
				end = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.Status, end)
		}
		return nil
	},
}

var relinkCmd = &cobra.Command{
	Use:   "relink",
	Short: "Assign placeholder subscriptions of a customer to a user",
	Long: `Subscriptions whose owner could not be resolved are stored under
"unlinked:<customer>". relink moves them to the given user and tags the
Stripe customer so future events resolve directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		n, err := svc.Relink(cmd.Context(), customerID, userID)
		if err != nil {
			return fmt.Errorf("relink %s: %w", customerID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "relinked=%d\n", n)
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&userID, "user", "", "local user id")
	syncCmd.Flags().StringVar(&email, "email", "", "account email")
	_ = syncCmd.MarkFlagRequired("user")

	statusCmd.Flags().StringVar(&userID, "user", "", "local user id")
	statusCmd.Flags().StringVar(&email, "email", "", "account email")
	statusCmd.Flags().BoolVar(&force, "force", false, "skip the cached answer")
	_ = statusCmd.MarkFlagRequired("user")

	listCmd.Flags().StringVar(&userID, "user", "", "local user id")
	_ = listCmd.MarkFlagRequired("user")

	relinkCmd.Flags().StringVar(&customerID, "customer", "", "Stripe customer id")
	relinkCmd.Flags().StringVar(&userID, "user", "", "local user id")
	_ = relinkCmd.MarkFlagRequired("customer")
	_ = relinkCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(syncCmd, statusCmd, listCmd, relinkCmd)
}
