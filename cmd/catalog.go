package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/catalog"
	"github.com/sells-group/pricewatch/internal/model"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the product catalog",
	Long:  "Commands for importing first-party products, linked competitors, and marketplaces from seed files, and for listing the catalog.",
}

// -- catalog import --

var catalogImportFile string

var catalogImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a catalog seed file (YAML or XLSX)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "catalog")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		seed, err := loadCatalogFile(catalogImportFile)
		if err != nil {
			return err
		}

		importer := catalog.NewImporter(st, catalog.Defaults{
			TaxRate:  cfg.Catalog.DefaultTaxRate,
			Currency: cfg.Catalog.DefaultCurrency,
		})

		stats, err := importer.Import(ctx, seed)
		if err != nil {
			return eris.Wrap(err, "catalog import")
		}

		zap.L().Info("catalog import complete",
			zap.Int("products", stats.Products),
			zap.Int("competitors", stats.Competitors),
			zap.Int("marketplaces", stats.Marketplaces),
			zap.String("file", catalogImportFile),
		)
		return nil
	},
}

// -- catalog list --

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List first-party products",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "catalog")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		all, _ := cmd.Flags().GetBool("all")

		products, err := st.ListProducts(ctx, !all)
		if err != nil {
			return eris.Wrap(err, "catalog list")
		}

		if len(products) == 0 {
			fmt.Fprintln(os.Stderr, "No products found.")
			return nil
		}

		formatProductsList(os.Stdout, products)
		return nil
	},
}

func init() {
	catalogImportCmd.Flags().StringVar(&catalogImportFile, "file", "", "path to seed file, .yaml or .xlsx (required)")
	_ = catalogImportCmd.MarkFlagRequired("file")

	catalogListCmd.Flags().Bool("all", false, "include inactive products")

	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}

// loadCatalogFile picks the seed loader from the file extension.
func loadCatalogFile(path string) (*catalog.Seed, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return catalog.LoadSeed(path)
	case ".xlsx":
		return catalog.LoadWorkbook(path)
	default:
		return nil, eris.Errorf("unsupported catalog file type: %s", filepath.Ext(path))
	}
}

// formatProductsList writes a tabular list of products to w.
func formatProductsList(out io.Writer, products []model.Product) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tBRAND\tTAX_RATE\tCURRENCY\tACTIVE")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t--------\t--------\t------")

	for _, p := range products {
		name := p.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%t\n",
			p.ID,
			name,
			p.Brand,
			p.TaxRate,
			p.Currency,
			p.Active,
		)
	}
	_ = w.Flush()
}
