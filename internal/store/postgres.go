package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collectorflow/config"
	"collectorflow/internal/gap"
	"collectorflow/internal/models"
	"collectorflow/logger"
)

const defaultTable = "collector_records"

// Postgres stores records in a single table keyed on
// (collector, entity_key, observed_at). Each Persist call runs in one
// transaction, so a batch is either fully written or not at all.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
	log   *logger.Entry
	now   func() time.Time
}

// OpenPostgres connects to the configured database and creates the records
// table when it does not exist.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.SimpleProtocol {
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	p := &Postgres{
		pool:  pool,
		table: tableIdentifier(cfg.Schema, cfg.Table),
		log:   logger.GetLogger().WithComponent("postgres_store"),
		now:   time.Now,
	}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p.log.WithFields(logger.Fields{"table": p.table, "max_conns": pcfg.MaxConns}).Info("postgres store ready")
	return p, nil
}

func tableIdentifier(schema, table string) string {
	if table == "" {
		table = defaultTable
	}
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
		collector    text             NOT NULL,
		entity_key   text             NOT NULL,
		observed_at  timestamptz      NOT NULL,
		fields       jsonb            NOT NULL DEFAULT '{}'::jsonb,
		quality      double precision NOT NULL DEFAULT 0,
		collected_at timestamptz      NOT NULL,
		PRIMARY KEY (collector, entity_key, observed_at)
	)`)
	if err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}

func (p *Postgres) Persist(ctx context.Context, collector string, records []models.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	collectedAt := p.now().UTC()

	b := &pgx.Batch{}
	for _, r := range records {
		fields := r.Fields
		if fields == nil {
			fields = map[string]interface{}{}
		}
		b.Queue(
			`INSERT INTO `+p.table+`
			(collector, entity_key, observed_at, fields, quality, collected_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (collector, entity_key, observed_at) DO UPDATE
			SET fields = EXCLUDED.fields, quality = EXCLUDED.quality, collected_at = EXCLUDED.collected_at`,
			collector, r.EntityKey, r.ObservedAt.UTC(), fields, r.Quality, collectedAt,
		)
	}

	total := 0
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for k := 0; k < b.Len(); k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			total += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %d records: %w", len(records), err)
	}
	return total, nil
}

func (p *Postgres) Coverage(ctx context.Context, collector string, spec gap.CoverageSpec) ([]gap.BucketCoverage, error) {
	if spec.Granularity <= 0 {
		return nil, fmt.Errorf("granularity must be greater than 0")
	}
	var entities []string
	if len(spec.Entities) > 0 {
		entities = spec.Entities
	}

	rows, err := p.pool.Query(ctx, `
		SELECT entity_key,
		       date_bin(make_interval(secs => $2), observed_at, TIMESTAMPTZ 'epoch') AS bucket,
		       avg(quality),
		       max(collected_at)
		FROM `+p.table+`
		WHERE collector = $1
		  AND observed_at >= $3 AND observed_at < $4
		  AND ($5::text[] IS NULL OR entity_key = ANY($5))
		GROUP BY 1, 2
		ORDER BY 2, 1`,
		collector,
		spec.Granularity.Seconds(),
		gap.Align(spec.Start, spec.Granularity),
		spec.End.UTC(),
		entities,
	)
	if err != nil {
		return nil, fmt.Errorf("query coverage: %w", err)
	}
	defer rows.Close()

	var out []gap.BucketCoverage
	for rows.Next() {
		var c gap.BucketCoverage
		if err := rows.Scan(&c.Entity, &c.Bucket, &c.Quality, &c.CollectedAt); err != nil {
			return nil, fmt.Errorf("scan coverage: %w", err)
		}
		c.Bucket = c.Bucket.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
