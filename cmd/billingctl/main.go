package main

import (
	"os"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/FoxChat/internal/pkg/billing"
	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
	"github.com/ManuelReschke/FoxChat/internal/pkg/database"
	"github.com/ManuelReschke/FoxChat/internal/pkg/env"
)

var rootCmd = &cobra.Command{
	Use:   "billingctl",
	Short: "FoxChat billing maintenance",
	Long:  `Inspect and reconcile stored subscription state against Stripe`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := env.SetupEnvFile(); err != nil {
			log.Debugf("%v, using process environment", err)
		}
	},
	SilenceUsage: true,
}

// openService is replaced in tests.
var openService = func() (*billing.Service, error) {
	cfg := config.Load()
	db, err := database.SetupDatabase(cfg.DB)
	if err != nil {
		return nil, err
	}
	var provider billing.Provider
	if p, err := billing.NewStripeProvider(cfg.Billing); err == nil {
		provider = p
	} else {
		log.Warnf("[Billing] %v", err)
	}
	return billing.NewServiceFromDB(db, provider, cfg.Billing), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
