package catalog

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

const (
	sheetProducts     = "Products"
	sheetCompetitors  = "Competitors"
	sheetMarketplaces = "Marketplaces"
)

// LoadWorkbook reads an XLSX catalog workbook. Each of the Products,
// Competitors, and Marketplaces sheets is optional; the first row names the
// columns, so column order does not matter. Ingredient content cells hold
// semicolon-separated name=amount pairs.
func LoadWorkbook(path string) (*Seed, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: open workbook %s", path)
	}

	seed := &Seed{}
	found := false

	if sheet, ok := f.Sheet[sheetProducts]; ok {
		found = true
		if err := eachRow(sheet, func(row rowReader) error {
			taxRate, err := row.floatPtr("tax_rate")
			if err != nil {
				return err
			}
			active, err := row.boolPtr("active")
			if err != nil {
				return err
			}
			content, err := row.ingredients("ingredients")
			if err != nil {
				return err
			}
			seed.Products = append(seed.Products, SeedProduct{
				ID:                row.str("id"),
				Name:              row.str("name"),
				Brand:             row.str("brand"),
				IngredientContent: content,
				TaxRate:           taxRate,
				Currency:          row.str("currency"),
				Active:            active,
			})
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if sheet, ok := f.Sheet[sheetCompetitors]; ok {
		found = true
		if err := eachRow(sheet, func(row rowReader) error {
			active, err := row.boolPtr("active")
			if err != nil {
				return err
			}
			content, err := row.ingredients("ingredients")
			if err != nil {
				return err
			}
			seed.Competitors = append(seed.Competitors, SeedCompetitor{
				ID:                row.str("id"),
				ProductID:         row.str("product_id"),
				Name:              row.str("name"),
				Brand:             row.str("brand"),
				IngredientContent: content,
				Active:            active,
			})
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if sheet, ok := f.Sheet[sheetMarketplaces]; ok {
		found = true
		if err := eachRow(sheet, func(row rowReader) error {
			taxRate, err := row.floatPtr("tax_rate")
			if err != nil {
				return err
			}
			indexable, err := row.boolPtr("indexable")
			if err != nil {
				return err
			}
			seed.Marketplaces = append(seed.Marketplaces, SeedMarketplace{
				ID:        row.str("id"),
				Name:      row.str("name"),
				BaseURL:   row.str("base_url"),
				Country:   row.str("country"),
				Currency:  row.str("currency"),
				TaxRate:   taxRate,
				Indexable: indexable,
			})
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if !found {
		return nil, eris.Errorf("catalog: workbook %s has no %s, %s, or %s sheet",
			path, sheetProducts, sheetCompetitors, sheetMarketplaces)
	}
	return seed, nil
}

// rowReader resolves one data row's cells by header name.
type rowReader struct {
	sheet string
	index map[string]int
	cells []string
	line  int
}

func (r rowReader) str(column string) string {
	idx, ok := r.index[column]
	if !ok || idx >= len(r.cells) {
		return ""
	}
	return strings.TrimSpace(r.cells[idx])
}

func (r rowReader) floatPtr(column string) (*float64, error) {
	raw := r.str(column)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: %s row %d: bad %s %q", r.sheet, r.line, column, raw)
	}
	return &v, nil
}

func (r rowReader) boolPtr(column string) (*bool, error) {
	raw := r.str(column)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: %s row %d: bad %s %q", r.sheet, r.line, column, raw)
	}
	return &v, nil
}

func (r rowReader) ingredients(column string) (map[string]float64, error) {
	raw := r.str(column)
	if raw == "" {
		return nil, nil
	}
	content := make(map[string]float64)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, amount, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, eris.Errorf("catalog: %s row %d: bad ingredient %q, want name=amount", r.sheet, r.line, pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: %s row %d: bad ingredient amount %q", r.sheet, r.line, pair)
		}
		content[strings.TrimSpace(name)] = v
	}
	if len(content) == 0 {
		return nil, nil
	}
	return content, nil
}

// eachRow walks a sheet's data rows, skipping the header and blank lines.
func eachRow(sheet *xlsx.Sheet, fn func(rowReader) error) error {
	if len(sheet.Rows) == 0 {
		return nil
	}

	header := rowToStrings(sheet.Rows[0])
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}

	for i, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		if emptyRow(cells) {
			continue
		}
		// Line numbers are 1-based and include the header.
		if err := fn(rowReader{sheet: sheet.Name, index: index, cells: cells, line: i + 2}); err != nil {
			return err
		}
	}
	return nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func emptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
