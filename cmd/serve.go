package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/api"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long:  "Serves run triggering, run status, and recommendation review over HTTP, with a background health checker alerting on stuck runs, failure rates, and lookup spend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		calc := cost.NewCalculator(pricingRates(cfg.Pricing))
		collector := monitoring.NewCollector(env.Store, calc)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		server := api.New(env.Pipeline, env.Review, collector, env.Store, cfg.Monitoring.LookbackWindowHours)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.Router(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.WithoutCancel(ctx))
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// pricingRates layers the configured price overrides onto the default
// rates.
func pricingRates(pc config.PricingConfig) cost.Rates {
	overrides := make(map[string]cost.TokenPrice, len(pc.Anthropic))
	for name, price := range pc.Anthropic {
		overrides[name] = cost.TokenPrice{Input: price.Input, Output: price.Output}
	}
	return cost.DefaultRates().WithOverrides(overrides, pc.Lookup.PerQuery)
}
