package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/pipeline"
)

var (
	runProduct     string
	runTriggeredBy string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one price ingestion cycle",
	Long:  "Looks up every linked competitor product on every eligible marketplace, scores the prices, and writes one recommendation per first-party product.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Pipeline.Run(ctx, pipeline.Request{
			ProductID:   runProduct,
			TriggeredBy: runTriggeredBy,
		})
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("ingestion complete",
			zap.String("run_id", view.ID),
			zap.String("status", string(view.Status)),
			zap.Int("products_with_prices", view.Summary.ProductsWithPrices),
			zap.Int("recommendations", view.Summary.ProductsWithRecommendations),
		)

		// Print the run view JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

func init() {
	runCmd.Flags().StringVar(&runProduct, "product", "", "restrict the run to one first-party product ID")
	runCmd.Flags().StringVar(&runTriggeredBy, "triggered-by", "cli", "who or what triggered the run")
	rootCmd.AddCommand(runCmd)
}
