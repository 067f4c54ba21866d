package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricewatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
	id                            TEXT PRIMARY KEY,
	status                        TEXT NOT NULL DEFAULT 'pending',
	triggered_by                  TEXT NOT NULL DEFAULT '',
	triggered_at                  DATETIME NOT NULL,
	product_id                    TEXT,
	started_at                    DATETIME,
	completed_at                  DATETIME,
	failed_at                     DATETIME,
	total_products                INTEGER NOT NULL DEFAULT 0,
	processed_products            INTEGER NOT NULL DEFAULT 0,
	total_lookups                 INTEGER NOT NULL DEFAULT 0,
	completed_lookups             INTEGER NOT NULL DEFAULT 0,
	failed_lookups                INTEGER NOT NULL DEFAULT 0,
	products_with_prices          INTEGER NOT NULL DEFAULT 0,
	products_not_found            INTEGER NOT NULL DEFAULT 0,
	products_with_recommendations INTEGER NOT NULL DEFAULT 0,
	error_message                 TEXT,
	error_stack                   TEXT,
	created_at                    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at                    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_ingestion_runs_status ON ingestion_runs (status);

CREATE TABLE IF NOT EXISTS lookup_results (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES ingestion_runs(id) ON DELETE CASCADE,
	product_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_lookup_results_run ON lookup_results (run_id, seq);

CREATE TABLE IF NOT EXISTS prices (
	id                           TEXT PRIMARY KEY,
	product_id                   TEXT NOT NULL,
	marketplace_id               TEXT,
	ingestion_run_id             TEXT,
	price_ex_tax                 REAL NOT NULL,
	price_inc_tax                REAL NOT NULL,
	currency                     TEXT NOT NULL DEFAULT '',
	in_stock                     INTEGER NOT NULL DEFAULT 1,
	url                          TEXT,
	ingredient_content           TEXT,
	price_per_ingredient_content TEXT,
	price_confidence             REAL NOT NULL DEFAULT 0,
	recommendation               TEXT,
	recommendation_reasoning     TEXT,
	recommended_price            REAL,
	recommendation_status        TEXT,
	recommendation_approved_at   DATETIME,
	recommendation_approved_by   TEXT,
	created_at                   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at                   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_prices_product ON prices (product_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_prices_first_party ON prices (product_id) WHERE marketplace_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_prices_run ON prices (ingestion_run_id) WHERE ingestion_run_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS price_history (
	id                TEXT PRIMARY KEY,
	price_id          TEXT NOT NULL,
	product_id        TEXT NOT NULL,
	recommendation_id TEXT NOT NULL UNIQUE,
	old_price_inc_tax REAL,
	old_price_ex_tax  REAL,
	new_price_inc_tax REAL NOT NULL,
	new_price_ex_tax  REAL NOT NULL,
	change_reason     TEXT NOT NULL DEFAULT '',
	recommendation    TEXT NOT NULL DEFAULT '',
	reasoning         TEXT,
	recommended_price REAL,
	changed_by        TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history (product_id, created_at DESC);

CREATE TABLE IF NOT EXISTS recommendations (
	id                TEXT PRIMARY KEY,
	product_id        TEXT NOT NULL,
	ingestion_run_id  TEXT NOT NULL,
	current_price     REAL,
	recommendation    TEXT NOT NULL,
	reasoning         TEXT NOT NULL DEFAULT '',
	recommended_price REAL,
	status            TEXT NOT NULL DEFAULT 'not_approved',
	approved_at       DATETIME,
	approved_by       TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (product_id, ingestion_run_id)
);

CREATE INDEX IF NOT EXISTS idx_recommendations_run ON recommendations (ingestion_run_id);
CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations (status);

CREATE TABLE IF NOT EXISTS products (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	brand              TEXT NOT NULL DEFAULT '',
	ingredient_content TEXT,
	tax_rate           REAL NOT NULL DEFAULT 0,
	currency           TEXT NOT NULL DEFAULT '',
	active             INTEGER NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS competitor_products (
	id                 TEXT PRIMARY KEY,
	product_id         TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	brand              TEXT NOT NULL DEFAULT '',
	ingredient_content TEXT,
	active             INTEGER NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_competitor_products_product ON competitor_products (product_id);

CREATE TABLE IF NOT EXISTS marketplaces (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	base_url   TEXT NOT NULL,
	country    TEXT NOT NULL DEFAULT '',
	currency   TEXT NOT NULL DEFAULT '',
	tax_rate   REAL NOT NULL DEFAULT 0,
	indexable  INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Migrate applies the schema. All statements are idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// checkRowsAffected verifies an UPDATE touched a row and wraps ErrNotFound
// otherwise.
func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

// Run methods

func (s *SQLiteStore) CreateRun(ctx context.Context, triggeredBy, productID string, totalProducts, totalLookups int) (*model.IngestionRun, error) {
	now := time.Now().UTC()
	run := &model.IngestionRun{
		ID:            uuid.New().String(),
		Status:        model.RunStatusPending,
		TriggeredBy:   triggeredBy,
		TriggeredAt:   now,
		ProductID:     productID,
		TotalProducts: totalProducts,
		TotalLookups:  totalLookups,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, status, triggered_by, triggered_at, product_id, total_products, total_lookups, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.TriggeredBy, run.TriggeredAt, nullIfEmpty(productID),
		totalProducts, totalLookups, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.IngestionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM ingestion_runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	var status model.RunStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM ingestion_runs WHERE id = ?`,
		runID,
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
		}
		return "", eris.Wrapf(err, "sqlite: get run status %s", runID)
	}
	return status, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_runs`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ProductID != "" {
		conds = append(conds, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if !filter.TriggeredAfter.IsZero() {
		conds = append(conds, "triggered_at >= ?")
		args = append(args, filter.TriggeredAfter.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY triggered_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	return runs, nil
}

func (s *SQLiteStore) MarkRunRunning(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.RunStatusRunning, now, now, runID, model.RunStatusPending,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark run %s running", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return refusedTransition(ctx, s, runID, model.RunStatusRunning)
	}
	return nil
}

func (s *SQLiteStore) MarkRunCompleted(ctx context.Context, runID string, summary model.RunSummary) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = ?, completed_at = ?, updated_at = ?,
		   products_with_prices = ?, products_not_found = ?, products_with_recommendations = ?
		 WHERE id = ? AND status = ?`,
		model.RunStatusCompleted, now, now,
		summary.ProductsWithPrices, summary.ProductsNotFound, summary.ProductsWithRecommendations,
		runID, model.RunStatusRunning,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark run %s completed", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return refusedTransition(ctx, s, runID, model.RunStatusCompleted)
	}
	return nil
}

func (s *SQLiteStore) MarkRunFailed(ctx context.Context, runID, message, stack string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = ?, failed_at = ?, updated_at = ?, error_message = ?, error_stack = ?
		 WHERE id = ? AND status IN (?, ?)`,
		model.RunStatusFailed, now, now, message, nullIfEmpty(stack),
		runID, model.RunStatusPending, model.RunStatusRunning,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark run %s failed", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return refusedTransition(ctx, s, runID, model.RunStatusFailed)
	}
	return nil
}

func (s *SQLiteStore) MarkRunCancelled(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		model.RunStatusCancelled, now, runID, model.RunStatusPending, model.RunStatusRunning,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cancel run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return refusedTransition(ctx, s, runID, model.RunStatusCancelled)
	}
	return nil
}

// Lookup result methods

func (s *SQLiteStore) AppendLookupResult(ctx context.Context, runID string, result model.LookupResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal lookup result")
	}

	counter := "completed_lookups"
	if result.Status == model.LookupStatusError {
		counter = "failed_lookups"
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append lookup result")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lookup_results (run_id, product_id, status, result, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, result.ProductID, result.Status, string(payload), now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert lookup result for run %s", runID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE ingestion_runs SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?`,
		now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: bump lookup counter for run %s", runID)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit lookup result")
	}
	return nil
}

func (s *SQLiteStore) ListLookupResults(ctx context.Context, runID string) ([]model.LookupResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM lookup_results WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list lookup results for run %s", runID)
	}
	defer rows.Close()

	var results []model.LookupResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lookup result")
		}
		var res model.LookupResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal lookup result")
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list lookup results")
	}
	return results, nil
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, processedProducts int) error {
	// MAX keeps the counter monotonic when batched updates land out of order.
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET processed_products = MAX(processed_products, ?), updated_at = ? WHERE id = ?`,
		processedProducts, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update progress for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) RunProductCounts(ctx context.Context, runID string) (int, int, error) {
	var withPrices, total int
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(DISTINCT CASE WHEN status = 'success' THEN product_id END),
		   COUNT(DISTINCT product_id)
		 FROM lookup_results WHERE run_id = ?`,
		runID,
	).Scan(&withPrices, &total)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: count run products for run %s", runID)
	}
	return withPrices, total - withPrices, nil
}

// Price methods

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execInsertPriceSQLite(ctx context.Context, ex sqlExecer, price *model.Price) error {
	ingredientJSON, err := marshalMap(price.IngredientContent)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal ingredient content")
	}
	perIngredientJSON, err := marshalMap(price.PricePerIngredientContent)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal per-ingredient prices")
	}

	_, err = ex.ExecContext(ctx,
		`INSERT INTO prices (`+priceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		price.ID, price.ProductID, price.MarketplaceID, price.IngestionRunID,
		price.PriceExTax, price.PriceIncTax, price.Currency, price.InStock, nullIfEmpty(price.URL),
		ingredientJSON, perIngredientJSON, price.PriceConfidence,
		nullIfEmpty(string(price.Recommendation)), nullIfEmpty(price.RecommendationReasoning),
		derefOrNil(price.RecommendedPrice), nullIfEmpty(string(price.RecommendationStatus)),
		derefOrNil(price.RecommendationApprovedAt), nullIfEmpty(price.RecommendationApprovedBy),
		price.CreatedAt, price.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert price for product %s", price.ProductID)
	}
	return nil
}

func (s *SQLiteStore) CreatePrice(ctx context.Context, price *model.Price) error {
	if price.ID == "" {
		price.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	price.CreatedAt = now
	price.UpdatedAt = now
	return execInsertPriceSQLite(ctx, s.db, price)
}

func (s *SQLiteStore) GetFirstPartyPrice(ctx context.Context, productID string) (*model.Price, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+priceColumns+` FROM prices
		 WHERE product_id = ? AND marketplace_id IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		productID,
	)
	price, err := scanPrice(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get first-party price for product %s", productID)
	}
	return price, nil
}

func (s *SQLiteStore) ListRunPrices(ctx context.Context, runID string, productIDs []string) ([]model.Price, error) {
	query := `SELECT ` + priceColumns + ` FROM prices WHERE ingestion_run_id = ? AND marketplace_id IS NOT NULL`
	args := []any{runID}
	if len(productIDs) > 0 {
		query += ` AND product_id IN (?` + strings.Repeat(", ?", len(productIDs)-1) + `)`
		for _, id := range productIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list prices for run %s", runID)
	}
	defer rows.Close()

	var prices []model.Price
	for rows.Next() {
		price, err := scanPrice(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price")
		}
		prices = append(prices, *price)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list prices")
	}
	return prices, nil
}

func (s *SQLiteStore) ListPriceHistory(ctx context.Context, productID string) ([]model.PriceHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+priceHistoryColumns+` FROM price_history WHERE product_id = ? ORDER BY created_at DESC`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list price history for product %s", productID)
	}
	defer rows.Close()

	var entries []model.PriceHistory
	for rows.Next() {
		entry, err := scanPriceHistory(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price history")
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list price history")
	}
	return entries, nil
}

// Recommendation methods

func (s *SQLiteStore) UpsertRecommendation(ctx context.Context, rec *model.Recommendation) (*model.Recommendation, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = model.RecommendationStatusNotApproved
	}
	now := time.Now().UTC()

	// Re-aggregating a run replaces the advisory fields and resets any prior
	// review decision; the row identity stays stable.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recommendations (id, product_id, ingestion_run_id, current_price, recommendation, reasoning, recommended_price, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (product_id, ingestion_run_id) DO UPDATE SET
		   current_price = excluded.current_price,
		   recommendation = excluded.recommendation,
		   reasoning = excluded.reasoning,
		   recommended_price = excluded.recommended_price,
		   status = excluded.status,
		   approved_at = NULL,
		   approved_by = NULL,
		   updated_at = excluded.updated_at`,
		rec.ID, rec.ProductID, rec.IngestionRunID, derefOrNil(rec.CurrentPrice),
		rec.Action, rec.Reasoning, derefOrNil(rec.RecommendedPrice), rec.Status, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert recommendation for product %s", rec.ProductID)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE product_id = ? AND ingestion_run_id = ?`,
		rec.ProductID, rec.IngestionRunID,
	)
	final, err := scanRecommendation(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reload recommendation for product %s", rec.ProductID)
	}
	return final, nil
}

func (s *SQLiteStore) GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE id = ?`,
		id,
	)
	rec, err := scanRecommendation(row)
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: recommendation %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get recommendation %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecommendations(ctx context.Context, filter RecommendationFilter) ([]model.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations`
	var conds []string
	var args []any

	if filter.RunID != "" {
		conds = append(conds, "ingestion_run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.ProductID != "" {
		conds = append(conds, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recommendations")
	}
	defer rows.Close()

	var recs []model.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recommendation")
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list recommendations")
	}
	return recs, nil
}

func (s *SQLiteStore) CountRecommendations(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recommendations WHERE ingestion_run_id = ?`,
		runID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count recommendations for run %s", runID)
	}
	return n, nil
}

func (s *SQLiteStore) ApplyRecommendation(ctx context.Context, recommendationID, actor string, price *model.Price, history *model.PriceHistory) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin apply recommendation")
	}
	defer tx.Rollback()

	// Audit first. The unique recommendation_id makes a retried accept write
	// history at most once.
	if history.ID == "" {
		history.ID = uuid.New().String()
	}
	history.CreatedAt = now
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_history (`+priceHistoryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (recommendation_id) DO NOTHING`,
		history.ID, history.PriceID, history.ProductID, history.RecommendationID,
		derefOrNil(history.OldPriceIncTax), derefOrNil(history.OldPriceExTax),
		history.NewPriceIncTax, history.NewPriceExTax,
		history.ChangeReason, history.Recommendation, nullIfEmpty(history.Reasoning),
		derefOrNil(history.RecommendedPrice), history.ChangedBy, history.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert price history for recommendation %s", recommendationID)
	}

	// First accept for a product inserts the first-party price row; later
	// accepts update it in place.
	if price.ID == "" {
		price.ID = uuid.New().String()
		price.CreatedAt = now
		price.UpdatedAt = now
		if err := execInsertPriceSQLite(ctx, tx, price); err != nil {
			return err
		}
	} else {
		price.UpdatedAt = now
		ingredientJSON, err := marshalMap(price.IngredientContent)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal ingredient content")
		}
		perIngredientJSON, err := marshalMap(price.PricePerIngredientContent)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal per-ingredient prices")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE prices SET price_ex_tax = ?, price_inc_tax = ?, currency = ?, in_stock = ?, url = ?,
			   ingredient_content = ?, price_per_ingredient_content = ?, price_confidence = ?,
			   recommendation = ?, recommendation_reasoning = ?, recommended_price = ?,
			   recommendation_status = ?, recommendation_approved_at = ?, recommendation_approved_by = ?,
			   updated_at = ?
			 WHERE id = ?`,
			price.PriceExTax, price.PriceIncTax, price.Currency, price.InStock, nullIfEmpty(price.URL),
			ingredientJSON, perIngredientJSON, price.PriceConfidence,
			nullIfEmpty(string(price.Recommendation)), nullIfEmpty(price.RecommendationReasoning),
			derefOrNil(price.RecommendedPrice), nullIfEmpty(string(price.RecommendationStatus)),
			derefOrNil(price.RecommendationApprovedAt), nullIfEmpty(price.RecommendationApprovedBy), now,
			price.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update price %s", price.ID)
		}
		if err := checkRowsAffected(res, "price", price.ID); err != nil {
			return err
		}
	}

	// Approving loses to a reject that landed first.
	res, err := tx.ExecContext(ctx,
		`UPDATE recommendations SET status = ?, approved_at = ?, approved_by = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		model.RecommendationStatusApproved, now, actor, now, recommendationID, model.RecommendationStatusRejected,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: approve recommendation %s", recommendationID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current model.RecommendationStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM recommendations WHERE id = ?`, recommendationID).Scan(&current)
		if err != nil {
			if isNoRows(err) {
				return eris.Wrapf(ErrNotFound, "sqlite: recommendation %s", recommendationID)
			}
			return eris.Wrapf(err, "sqlite: get recommendation status %s", recommendationID)
		}
		return eris.Wrapf(ErrInvalidTransition, "recommendation %s is %s, cannot approve", recommendationID, current)
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit apply recommendation")
	}
	return nil
}

func (s *SQLiteStore) RejectRecommendation(ctx context.Context, id, actor string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE recommendations SET status = ?, approved_at = ?, approved_by = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		model.RecommendationStatusRejected, now, actor, now, id, model.RecommendationStatusApproved,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reject recommendation %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rec, err := s.GetRecommendation(ctx, id)
		if err != nil {
			return err
		}
		return eris.Wrapf(ErrInvalidTransition, "recommendation %s is %s, cannot reject", id, rec.Status)
	}
	return nil
}

// Catalog methods

func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ingredientJSON, err := marshalMap(p.IngredientContent)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal ingredient content")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, brand, ingredient_content, tax_rate, currency, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, brand = excluded.brand, ingredient_content = excluded.ingredient_content,
		   tax_rate = excluded.tax_rate, currency = excluded.currency, active = excluded.active,
		   updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Brand, ingredientJSON, p.TaxRate, p.Currency, p.Active, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert product %s", p.ID)
	}
	return nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, brand, ingredient_content, tax_rate, currency, active, created_at, updated_at
		 FROM products WHERE id = ?`,
		id,
	)
	p, err := scanProduct(row)
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: product %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get product %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error) {
	query := `SELECT id, name, brand, ingredient_content, tax_rate, currency, active, created_at, updated_at FROM products`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	return products, nil
}

func (s *SQLiteStore) UpsertCompetitorProduct(ctx context.Context, cp *model.CompetitorProduct) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ingredientJSON, err := marshalMap(cp.IngredientContent)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal ingredient content")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO competitor_products (id, product_id, name, brand, ingredient_content, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   product_id = excluded.product_id, name = excluded.name, brand = excluded.brand,
		   ingredient_content = excluded.ingredient_content, active = excluded.active,
		   updated_at = excluded.updated_at`,
		cp.ID, cp.ProductID, cp.Name, cp.Brand, ingredientJSON, cp.Active, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert competitor product %s", cp.ID)
	}
	return nil
}

func (s *SQLiteStore) ListCompetitorProducts(ctx context.Context, productID string) ([]model.CompetitorProduct, error) {
	query := `SELECT id, product_id, name, brand, ingredient_content, active, created_at, updated_at FROM competitor_products`
	var args []any
	if productID != "" {
		query += ` WHERE product_id = ?`
		args = append(args, productID)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list competitor products")
	}
	defer rows.Close()

	var competitors []model.CompetitorProduct
	for rows.Next() {
		cp, err := scanCompetitorProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan competitor product")
		}
		competitors = append(competitors, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list competitor products")
	}
	return competitors, nil
}

func (s *SQLiteStore) UpsertMarketplace(ctx context.Context, m *model.Marketplace) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO marketplaces (id, name, base_url, country, currency, tax_rate, indexable, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, base_url = excluded.base_url, country = excluded.country,
		   currency = excluded.currency, tax_rate = excluded.tax_rate, indexable = excluded.indexable,
		   updated_at = excluded.updated_at`,
		m.ID, m.Name, m.BaseURL, m.Country, m.Currency, m.TaxRate, m.Indexable, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert marketplace %s", m.ID)
	}
	return nil
}

func (s *SQLiteStore) ListMarketplaces(ctx context.Context, indexableOnly bool) ([]model.Marketplace, error) {
	query := `SELECT id, name, base_url, country, currency, tax_rate, indexable, created_at, updated_at FROM marketplaces`
	if indexableOnly {
		query += ` WHERE indexable = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list marketplaces")
	}
	defer rows.Close()

	var marketplaces []model.Marketplace
	for rows.Next() {
		m, err := scanMarketplace(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan marketplace")
		}
		marketplaces = append(marketplaces, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list marketplaces")
	}
	return marketplaces, nil
}
