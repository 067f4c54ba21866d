package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/db"
	"github.com/sells-group/pricewatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-lookup hot path.
var preparedStatements = map[string]string{
	"insert_lookup_result":   `INSERT INTO lookup_results (run_id, product_id, status, result, created_at) VALUES ($1, $2, $3, $4, $5)`,
	"bump_completed_lookups": `UPDATE ingestion_runs SET completed_lookups = completed_lookups + 1, updated_at = $1 WHERE id = $2`,
	"bump_failed_lookups":    `UPDATE ingestion_runs SET failed_lookups = failed_lookups + 1, updated_at = $1 WHERE id = $2`,
	"get_run_status":         `SELECT status FROM ingestion_runs WHERE id = $1`,
	"update_run_progress":    `UPDATE ingestion_runs SET processed_products = GREATEST(processed_products, $1), updated_at = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	triggered_by TEXT NOT NULL DEFAULT '',
	triggered_at TIMESTAMPTZ NOT NULL,
	product_id TEXT,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	failed_at TIMESTAMPTZ,
	total_products INTEGER NOT NULL DEFAULT 0,
	processed_products INTEGER NOT NULL DEFAULT 0,
	total_lookups INTEGER NOT NULL DEFAULT 0,
	completed_lookups INTEGER NOT NULL DEFAULT 0,
	failed_lookups INTEGER NOT NULL DEFAULT 0,
	products_with_prices INTEGER NOT NULL DEFAULT 0,
	products_not_found INTEGER NOT NULL DEFAULT 0,
	products_with_recommendations INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	error_stack TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ingestion_runs_status ON ingestion_runs (status);

CREATE TABLE IF NOT EXISTS lookup_results (
	seq BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES ingestion_runs (id) ON DELETE CASCADE,
	product_id TEXT NOT NULL,
	status TEXT NOT NULL,
	result JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lookup_results_run ON lookup_results (run_id, seq);

CREATE TABLE IF NOT EXISTS prices (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	marketplace_id TEXT,
	ingestion_run_id TEXT,
	price_ex_tax DOUBLE PRECISION NOT NULL,
	price_inc_tax DOUBLE PRECISION NOT NULL,
	currency TEXT NOT NULL DEFAULT '',
	in_stock BOOLEAN NOT NULL DEFAULT TRUE,
	url TEXT,
	ingredient_content JSONB,
	price_per_ingredient_content JSONB,
	price_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	recommendation TEXT,
	recommendation_reasoning TEXT,
	recommended_price DOUBLE PRECISION,
	recommendation_status TEXT,
	recommendation_approved_at TIMESTAMPTZ,
	recommendation_approved_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_prices_product ON prices (product_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_prices_first_party ON prices (product_id) WHERE marketplace_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_prices_run ON prices (ingestion_run_id) WHERE ingestion_run_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS price_history (
	id TEXT PRIMARY KEY,
	price_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	recommendation_id TEXT NOT NULL UNIQUE,
	old_price_inc_tax DOUBLE PRECISION,
	old_price_ex_tax DOUBLE PRECISION,
	new_price_inc_tax DOUBLE PRECISION NOT NULL,
	new_price_ex_tax DOUBLE PRECISION NOT NULL,
	change_reason TEXT NOT NULL DEFAULT '',
	recommendation TEXT NOT NULL DEFAULT '',
	reasoning TEXT,
	recommended_price DOUBLE PRECISION,
	changed_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history (product_id, created_at DESC);

CREATE TABLE IF NOT EXISTS recommendations (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	ingestion_run_id TEXT NOT NULL,
	current_price DOUBLE PRECISION,
	recommendation TEXT NOT NULL,
	reasoning TEXT NOT NULL DEFAULT '',
	recommended_price DOUBLE PRECISION,
	status TEXT NOT NULL DEFAULT 'not_approved',
	approved_at TIMESTAMPTZ,
	approved_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (product_id, ingestion_run_id)
);

CREATE INDEX IF NOT EXISTS idx_recommendations_run ON recommendations (ingestion_run_id);
CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations (status);

CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	brand TEXT NOT NULL DEFAULT '',
	ingredient_content JSONB,
	tax_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS competitor_products (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products (id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	brand TEXT NOT NULL DEFAULT '',
	ingredient_content JSONB,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_competitor_products_product ON competitor_products (product_id);

CREATE TABLE IF NOT EXISTS marketplaces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	country TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT '',
	tax_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	indexable BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. All statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Run methods

func (s *PostgresStore) CreateRun(ctx context.Context, triggeredBy, productID string, totalProducts, totalLookups int) (*model.IngestionRun, error) {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_runs (id, status, triggered_by, triggered_at, product_id, total_products, total_lookups, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Status, run.TriggeredBy, run.TriggeredAt, nullIfEmpty(productID),
		totalProducts, totalLookups, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.IngestionRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM ingestion_runs WHERE id = $1`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	var status model.RunStatus
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM ingestion_runs WHERE id = $1`,
		runID,
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
		}
		return "", eris.Wrapf(err, "postgres: get run status %s", runID)
	}
	return status, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_runs`
	var conds []string
	var args []any

	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		conds = append(conds, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if !filter.TriggeredAfter.IsZero() {
		args = append(args, filter.TriggeredAfter.UTC())
		conds = append(conds, fmt.Sprintf("triggered_at >= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY triggered_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	return runs, nil
}

func (s *PostgresStore) MarkRunRunning(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET status = $1, started_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
		model.RunStatusRunning, now, runID, model.RunStatusPending,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark run %s running", runID)
	}
	if tag.RowsAffected() == 0 {
		return refusedTransition(ctx, s, runID, model.RunStatusRunning)
	}
	return nil
}

func (s *PostgresStore) MarkRunCompleted(ctx context.Context, runID string, summary model.RunSummary) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET status = $1, completed_at = $2, updated_at = $2,
		   products_with_prices = $3, products_not_found = $4, products_with_recommendations = $5
		 WHERE id = $6 AND status = $7`,
		model.RunStatusCompleted, now,
		summary.ProductsWithPrices, summary.ProductsNotFound, summary.ProductsWithRecommendations,
		runID, model.RunStatusRunning,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark run %s completed", runID)
	}
	if tag.RowsAffected() == 0 {
		return refusedTransition(ctx, s, runID, model.RunStatusCompleted)
	}
	return nil
}

func (s *PostgresStore) MarkRunFailed(ctx context.Context, runID, message, stack string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET status = $1, failed_at = $2, updated_at = $2, error_message = $3, error_stack = $4
		 WHERE id = $5 AND status IN ($6, $7)`,
		model.RunStatusFailed, now, message, nullIfEmpty(stack),
		runID, model.RunStatusPending, model.RunStatusRunning,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark run %s failed", runID)
	}
	if tag.RowsAffected() == 0 {
		return refusedTransition(ctx, s, runID, model.RunStatusFailed)
	}
	return nil
}

func (s *PostgresStore) MarkRunCancelled(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ($4, $5)`,
		model.RunStatusCancelled, now, runID, model.RunStatusPending, model.RunStatusRunning,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: cancel run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return refusedTransition(ctx, s, runID, model.RunStatusCancelled)
	}
	return nil
}

// Lookup result methods

func (s *PostgresStore) AppendLookupResult(ctx context.Context, runID string, result model.LookupResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal lookup result")
	}

	bumpSQL := `UPDATE ingestion_runs SET completed_lookups = completed_lookups + 1, updated_at = $1 WHERE id = $2`
	if result.Status == model.LookupStatusError {
		bumpSQL = `UPDATE ingestion_runs SET failed_lookups = failed_lookups + 1, updated_at = $1 WHERE id = $2`
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append lookup result")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO lookup_results (run_id, product_id, status, result, created_at) VALUES ($1, $2, $3, $4, $5)`,
		runID, result.ProductID, result.Status, payload, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert lookup result for run %s", runID)
	}

	tag, err := tx.Exec(ctx, bumpSQL, now, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: bump lookup counter for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit lookup result")
	}
	return nil
}

func (s *PostgresStore) ListLookupResults(ctx context.Context, runID string) ([]model.LookupResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT result FROM lookup_results WHERE run_id = $1 ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list lookup results for run %s", runID)
	}
	defer rows.Close()

	var results []model.LookupResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lookup result")
		}
		var res model.LookupResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal lookup result")
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list lookup results")
	}
	return results, nil
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID string, processedProducts int) error {
	// GREATEST keeps the counter monotonic when batched updates land out
	// of order.
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET processed_products = GREATEST(processed_products, $1), updated_at = $2 WHERE id = $3`,
		processedProducts, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update progress for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

func (s *PostgresStore) RunProductCounts(ctx context.Context, runID string) (int, int, error) {
	var withPrices, total int
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(DISTINCT CASE WHEN status = 'success' THEN product_id END),
		   COUNT(DISTINCT product_id)
		 FROM lookup_results WHERE run_id = $1`,
		runID,
	).Scan(&withPrices, &total)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "postgres: count run products for run %s", runID)
	}
	return withPrices, total - withPrices, nil
}

// Price methods

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func execInsertPrice(ctx context.Context, ex pgExecer, price *model.Price) error {
	ingredientJSON, err := marshalMap(price.IngredientContent)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ingredient content")
	}
	perIngredientJSON, err := marshalMap(price.PricePerIngredientContent)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal per-ingredient prices")
	}

	_, err = ex.Exec(ctx,
		`INSERT INTO prices (`+priceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		price.ID, price.ProductID, price.MarketplaceID, price.IngestionRunID,
		price.PriceExTax, price.PriceIncTax, price.Currency, price.InStock, nullIfEmpty(price.URL),
		ingredientJSON, perIngredientJSON, price.PriceConfidence,
		nullIfEmpty(string(price.Recommendation)), nullIfEmpty(price.RecommendationReasoning),
		price.RecommendedPrice, nullIfEmpty(string(price.RecommendationStatus)),
		price.RecommendationApprovedAt, nullIfEmpty(price.RecommendationApprovedBy),
		price.CreatedAt, price.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert price for product %s", price.ProductID)
	}
	return nil
}

func (s *PostgresStore) CreatePrice(ctx context.Context, price *model.Price) error {
	if price.ID == "" {
		price.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	price.CreatedAt = now
	price.UpdatedAt = now
	return execInsertPrice(ctx, s.pool, price)
}

func (s *PostgresStore) GetFirstPartyPrice(ctx context.Context, productID string) (*model.Price, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM prices
		 WHERE product_id = $1 AND marketplace_id IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		productID,
	)
	price, err := scanPrice(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get first-party price for product %s", productID)
	}
	return price, nil
}

func (s *PostgresStore) ListRunPrices(ctx context.Context, runID string, productIDs []string) ([]model.Price, error) {
	query := `SELECT ` + priceColumns + ` FROM prices WHERE ingestion_run_id = $1 AND marketplace_id IS NOT NULL`
	args := []any{runID}
	if len(productIDs) > 0 {
		query += ` AND product_id = ANY($2)`
		args = append(args, productIDs)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list prices for run %s", runID)
	}
	defer rows.Close()

	var prices []model.Price
	for rows.Next() {
		price, err := scanPrice(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan price")
		}
		prices = append(prices, *price)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list prices")
	}
	return prices, nil
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, productID string) ([]model.PriceHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+priceHistoryColumns+` FROM price_history WHERE product_id = $1 ORDER BY created_at DESC`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list price history for product %s", productID)
	}
	defer rows.Close()

	var entries []model.PriceHistory
	for rows.Next() {
		entry, err := scanPriceHistory(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan price history")
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list price history")
	}
	return entries, nil
}

// Recommendation methods

func (s *PostgresStore) UpsertRecommendation(ctx context.Context, rec *model.Recommendation) (*model.Recommendation, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = model.RecommendationStatusNotApproved
	}
	now := time.Now().UTC()

	// Re-aggregating a run replaces the advisory fields and resets any prior
	// review decision; the row identity stays stable.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recommendations (id, product_id, ingestion_run_id, current_price, recommendation, reasoning, recommended_price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (product_id, ingestion_run_id) DO UPDATE SET
		   current_price = EXCLUDED.current_price,
		   recommendation = EXCLUDED.recommendation,
		   reasoning = EXCLUDED.reasoning,
		   recommended_price = EXCLUDED.recommended_price,
		   status = EXCLUDED.status,
		   approved_at = NULL,
		   approved_by = NULL,
		   updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.ProductID, rec.IngestionRunID, rec.CurrentPrice,
		rec.Action, rec.Reasoning, rec.RecommendedPrice, rec.Status, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert recommendation for product %s", rec.ProductID)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE product_id = $1 AND ingestion_run_id = $2`,
		rec.ProductID, rec.IngestionRunID,
	)
	final, err := scanRecommendation(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: reload recommendation for product %s", rec.ProductID)
	}
	return final, nil
}

func (s *PostgresStore) GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE id = $1`,
		id,
	)
	rec, err := scanRecommendation(row)
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: recommendation %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get recommendation %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListRecommendations(ctx context.Context, filter RecommendationFilter) ([]model.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations`
	var conds []string
	var args []any

	if filter.RunID != "" {
		args = append(args, filter.RunID)
		conds = append(conds, fmt.Sprintf("ingestion_run_id = $%d", len(args)))
	}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		conds = append(conds, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recommendations")
	}
	defer rows.Close()

	var recs []model.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan recommendation")
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list recommendations")
	}
	return recs, nil
}

func (s *PostgresStore) CountRecommendations(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recommendations WHERE ingestion_run_id = $1`,
		runID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count recommendations for run %s", runID)
	}
	return n, nil
}

func (s *PostgresStore) ApplyRecommendation(ctx context.Context, recommendationID, actor string, price *model.Price, history *model.PriceHistory) error {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin apply recommendation")
	}
	defer tx.Rollback(ctx)

	// Audit first. The unique recommendation_id makes a retried accept write
	// history at most once.
	if history.ID == "" {
		history.ID = uuid.New().String()
	}
	history.CreatedAt = now
	if _, err := tx.Exec(ctx,
		`INSERT INTO price_history (`+priceHistoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (recommendation_id) DO NOTHING`,
		history.ID, history.PriceID, history.ProductID, history.RecommendationID,
		history.OldPriceIncTax, history.OldPriceExTax, history.NewPriceIncTax, history.NewPriceExTax,
		history.ChangeReason, history.Recommendation, nullIfEmpty(history.Reasoning),
		history.RecommendedPrice, history.ChangedBy, history.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert price history for recommendation %s", recommendationID)
	}

	// First accept for a product inserts the first-party price row; later
	// accepts update it in place.
	if price.ID == "" {
		price.ID = uuid.New().String()
		price.CreatedAt = now
		price.UpdatedAt = now
		if err := execInsertPrice(ctx, tx, price); err != nil {
			return err
		}
	} else {
		price.UpdatedAt = now
		ingredientJSON, err := marshalMap(price.IngredientContent)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal ingredient content")
		}
		perIngredientJSON, err := marshalMap(price.PricePerIngredientContent)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal per-ingredient prices")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE prices SET price_ex_tax = $1, price_inc_tax = $2, currency = $3, in_stock = $4, url = $5,
			   ingredient_content = $6, price_per_ingredient_content = $7, price_confidence = $8,
			   recommendation = $9, recommendation_reasoning = $10, recommended_price = $11,
			   recommendation_status = $12, recommendation_approved_at = $13, recommendation_approved_by = $14,
			   updated_at = $15
			 WHERE id = $16`,
			price.PriceExTax, price.PriceIncTax, price.Currency, price.InStock, nullIfEmpty(price.URL),
			ingredientJSON, perIngredientJSON, price.PriceConfidence,
			nullIfEmpty(string(price.Recommendation)), nullIfEmpty(price.RecommendationReasoning),
			price.RecommendedPrice, nullIfEmpty(string(price.RecommendationStatus)),
			price.RecommendationApprovedAt, nullIfEmpty(price.RecommendationApprovedBy), now,
			price.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update price %s", price.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "postgres: price %s", price.ID)
		}
	}

	// Approving loses to a reject that landed first.
	tag, err := tx.Exec(ctx,
		`UPDATE recommendations SET status = $1, approved_at = $2, approved_by = $3, updated_at = $2
		 WHERE id = $4 AND status <> $5`,
		model.RecommendationStatusApproved, now, actor, recommendationID, model.RecommendationStatusRejected,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: approve recommendation %s", recommendationID)
	}
	if tag.RowsAffected() == 0 {
		var current model.RecommendationStatus
		err := tx.QueryRow(ctx, `SELECT status FROM recommendations WHERE id = $1`, recommendationID).Scan(&current)
		if err != nil {
			if isNoRows(err) {
				return eris.Wrapf(ErrNotFound, "postgres: recommendation %s", recommendationID)
			}
			return eris.Wrapf(err, "postgres: get recommendation status %s", recommendationID)
		}
		return eris.Wrapf(ErrInvalidTransition, "recommendation %s is %s, cannot approve", recommendationID, current)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit apply recommendation")
	}
	return nil
}

func (s *PostgresStore) RejectRecommendation(ctx context.Context, id, actor string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE recommendations SET status = $1, approved_at = $2, approved_by = $3, updated_at = $2
		 WHERE id = $4 AND status <> $5`,
		model.RecommendationStatusRejected, now, actor, id, model.RecommendationStatusApproved,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reject recommendation %s", id)
	}
	if tag.RowsAffected() == 0 {
		rec, err := s.GetRecommendation(ctx, id)
		if err != nil {
			return err
		}
		return eris.Wrapf(ErrInvalidTransition, "recommendation %s is %s, cannot reject", id, rec.Status)
	}
	return nil
}

// Catalog methods

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ingredientJSON, err := marshalMap(p.IngredientContent)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ingredient content")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO products (id, name, brand, ingredient_content, tax_rate, currency, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, brand = EXCLUDED.brand, ingredient_content = EXCLUDED.ingredient_content,
		   tax_rate = EXCLUDED.tax_rate, currency = EXCLUDED.currency, active = EXCLUDED.active,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Brand, ingredientJSON, p.TaxRate, p.Currency, p.Active, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert product %s", p.ID)
	}
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, brand, ingredient_content, tax_rate, currency, active, created_at, updated_at
		 FROM products WHERE id = $1`,
		id,
	)
	p, err := scanProduct(row)
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: product %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get product %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error) {
	query := `SELECT id, name, brand, ingredient_content, tax_rate, currency, active, created_at, updated_at FROM products`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	return products, nil
}

func (s *PostgresStore) UpsertCompetitorProduct(ctx context.Context, cp *model.CompetitorProduct) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ingredientJSON, err := marshalMap(cp.IngredientContent)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ingredient content")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO competitor_products (id, product_id, name, brand, ingredient_content, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   product_id = EXCLUDED.product_id, name = EXCLUDED.name, brand = EXCLUDED.brand,
		   ingredient_content = EXCLUDED.ingredient_content, active = EXCLUDED.active,
		   updated_at = EXCLUDED.updated_at`,
		cp.ID, cp.ProductID, cp.Name, cp.Brand, ingredientJSON, cp.Active, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert competitor product %s", cp.ID)
	}
	return nil
}

func (s *PostgresStore) ListCompetitorProducts(ctx context.Context, productID string) ([]model.CompetitorProduct, error) {
	query := `SELECT id, product_id, name, brand, ingredient_content, active, created_at, updated_at FROM competitor_products`
	var args []any
	if productID != "" {
		query += ` WHERE product_id = $1`
		args = append(args, productID)
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list competitor products")
	}
	defer rows.Close()

	var competitors []model.CompetitorProduct
	for rows.Next() {
		cp, err := scanCompetitorProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan competitor product")
		}
		competitors = append(competitors, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list competitor products")
	}
	return competitors, nil
}

func (s *PostgresStore) UpsertMarketplace(ctx context.Context, m *model.Marketplace) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO marketplaces (id, name, base_url, country, currency, tax_rate, indexable, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, base_url = EXCLUDED.base_url, country = EXCLUDED.country,
		   currency = EXCLUDED.currency, tax_rate = EXCLUDED.tax_rate, indexable = EXCLUDED.indexable,
		   updated_at = EXCLUDED.updated_at`,
		m.ID, m.Name, m.BaseURL, m.Country, m.Currency, m.TaxRate, m.Indexable, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert marketplace %s", m.ID)
	}
	return nil
}

func (s *PostgresStore) ListMarketplaces(ctx context.Context, indexableOnly bool) ([]model.Marketplace, error) {
	query := `SELECT id, name, base_url, country, currency, tax_rate, indexable, created_at, updated_at FROM marketplaces`
	if indexableOnly {
		query += ` WHERE indexable`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list marketplaces")
	}
	defer rows.Close()

	var marketplaces []model.Marketplace
	for rows.Next() {
		m, err := scanMarketplace(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan marketplace")
		}
		marketplaces = append(marketplaces, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list marketplaces")
	}
	return marketplaces, nil
}

// BulkImportCatalog loads a catalog snapshot through COPY-backed upserts.
// The catalog importer prefers it over row-at-a-time upserts when the
// store provides it.
func (s *PostgresStore) BulkImportCatalog(ctx context.Context, products []model.Product, competitors []model.CompetitorProduct, marketplaces []model.Marketplace) error {
	now := time.Now().UTC()

	productRows := make([][]any, 0, len(products))
	for _, p := range products {
		ingredientJSON, err := marshalMap(p.IngredientContent)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal ingredient content")
		}
		productRows = append(productRows, []any{p.ID, p.Name, p.Brand, ingredientJSON, p.TaxRate, p.Currency, p.Active, now, now})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "products",
		Columns:      []string{"id", "name", "brand", "ingredient_content", "tax_rate", "currency", "active", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"name", "brand", "ingredient_content", "tax_rate", "currency", "active", "updated_at"},
	}, productRows); err != nil {
		return eris.Wrap(err, "postgres: bulk import products")
	}

	competitorRows := make([][]any, 0, len(competitors))
	for _, cp := range competitors {
		ingredientJSON, err := marshalMap(cp.IngredientContent)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal ingredient content")
		}
		competitorRows = append(competitorRows, []any{cp.ID, cp.ProductID, cp.Name, cp.Brand, ingredientJSON, cp.Active, now, now})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "competitor_products",
		Columns:      []string{"id", "product_id", "name", "brand", "ingredient_content", "active", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"product_id", "name", "brand", "ingredient_content", "active", "updated_at"},
	}, competitorRows); err != nil {
		return eris.Wrap(err, "postgres: bulk import competitor products")
	}

	marketplaceRows := make([][]any, 0, len(marketplaces))
	for _, m := range marketplaces {
		marketplaceRows = append(marketplaceRows, []any{m.ID, m.Name, m.BaseURL, m.Country, m.Currency, m.TaxRate, m.Indexable, now, now})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "marketplaces",
		Columns:      []string{"id", "name", "base_url", "country", "currency", "tax_rate", "indexable", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"name", "base_url", "country", "currency", "tax_rate", "indexable", "updated_at"},
	}, marketplaceRows); err != nil {
		return eris.Wrap(err, "postgres: bulk import marketplaces")
	}

	return nil
}
