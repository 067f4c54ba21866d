package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/review"
	"github.com/sells-group/pricewatch/internal/store"
)

var recommendationsCmd = &cobra.Command{
	Use:   "recommendations",
	Short: "Review repricing recommendations",
	Long:  "Commands for listing recommendations and applying or rejecting them. Accepting rewrites the product's first-party price and records the change in the price history.",
}

// -- recommendations list --

var recommendationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recommendations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "review")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		product, _ := cmd.Flags().GetString("product")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RecommendationFilter{
			RunID:     runID,
			ProductID: product,
			Status:    model.RecommendationStatus(status),
			Limit:     limit,
		}

		recs, err := st.ListRecommendations(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "recommendations list")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No recommendations found.")
			return nil
		}

		formatRecommendationsList(os.Stdout, recs)
		return nil
	},
}

// -- recommendations accept --

var recommendationsAcceptCmd = &cobra.Command{
	Use:   "accept <recommendation-id>",
	Short: "Accept a recommendation and apply its price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "review")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		actor, _ := cmd.Flags().GetString("actor")
		if err := review.NewService(st).Accept(ctx, args[0], actor); err != nil {
			return eris.Wrap(err, "recommendations accept")
		}

		fmt.Fprintf(os.Stdout, "Recommendation %s accepted.\n", args[0])
		return nil
	},
}

// -- recommendations reject --

var recommendationsRejectCmd = &cobra.Command{
	Use:   "reject <recommendation-id>",
	Short: "Reject a recommendation without touching prices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "review")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		actor, _ := cmd.Flags().GetString("actor")
		if err := review.NewService(st).Reject(ctx, args[0], actor); err != nil {
			return eris.Wrap(err, "recommendations reject")
		}

		fmt.Fprintf(os.Stdout, "Recommendation %s rejected.\n", args[0])
		return nil
	},
}

// -- recommendations bulk-accept --

var recommendationsBulkAcceptCmd = &cobra.Command{
	Use:   "bulk-accept <recommendation-id>...",
	Short: "Accept multiple recommendations in one pass",
	Long:  "Applies each recommendation independently. A failure on one leaves the others applied; failures are listed per recommendation.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "review")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		actor, _ := cmd.Flags().GetString("actor")
		result, err := review.NewService(st).BulkAccept(ctx, args, actor)
		if err != nil {
			return eris.Wrap(err, "recommendations bulk-accept")
		}

		for _, f := range result.Failures {
			fmt.Fprintf(os.Stderr, "failed %s: %v\n", f.RecommendationID, f.Err)
		}
		fmt.Fprintf(os.Stdout, "Accepted %d of %d recommendations (%d failed).\n",
			result.Accepted, len(args), result.Failed)

		zap.L().Info("bulk accept finished",
			zap.Int("accepted", result.Accepted),
			zap.Int("failed", result.Failed),
			zap.String("actor", actor),
		)
		return nil
	},
}

func init() {
	recommendationsListCmd.Flags().String("run", "", "filter by ingestion run ID")
	recommendationsListCmd.Flags().String("product", "", "filter by first-party product ID")
	recommendationsListCmd.Flags().String("status", "", "filter by review status (not_approved, approved, rejected)")
	recommendationsListCmd.Flags().Int("limit", 50, "max number of recommendations to display")

	recommendationsAcceptCmd.Flags().String("actor", "cli", "who is accepting the recommendation")
	recommendationsRejectCmd.Flags().String("actor", "cli", "who is rejecting the recommendation")
	recommendationsBulkAcceptCmd.Flags().String("actor", "cli", "who is accepting the recommendations")

	recommendationsCmd.AddCommand(recommendationsListCmd)
	recommendationsCmd.AddCommand(recommendationsAcceptCmd)
	recommendationsCmd.AddCommand(recommendationsRejectCmd)
	recommendationsCmd.AddCommand(recommendationsBulkAcceptCmd)
	rootCmd.AddCommand(recommendationsCmd)
}

// formatRecommendationsList writes a tabular list of recommendations to w.
func formatRecommendationsList(out io.Writer, recs []model.Recommendation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPRODUCT\tACTION\tCURRENT\tRECOMMENDED\tSTATUS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-------\t-----------\t------\t-------")

	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.ProductID,
			r.Action,
			formatPrice(r.CurrentPrice),
			formatPrice(r.RecommendedPrice),
			r.Status,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatPrice renders an optional price, with a dash for absent values.
func formatPrice(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p)
}
