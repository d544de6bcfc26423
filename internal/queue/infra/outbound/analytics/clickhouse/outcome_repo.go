package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
)

// OutcomeRepo guarda un registro por intento procesado para analítica.
type OutcomeRepo struct {
	db *sql.DB
}

func NewOutcomeRepo(addr, dbName string) (*OutcomeRepo, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	})

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}

	return &OutcomeRepo{db: conn}, nil
}

func (r *OutcomeRepo) Close() error {
	return r.db.Close()
}

// LogBatch inserta el lote en una única transacción (un bloque de ClickHouse).
func (r *OutcomeRepo) LogBatch(ctx context.Context, records []queueDomain.OutcomeRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO queue_outcomes (msg_id, event_name, consumer_name, read_ct, status, duration_ms, processed_at)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.MsgID,
			string(rec.EventName),
			rec.ConsumerName,
			uint32(rec.ReadCount),
			string(rec.Status),
			rec.Duration.Milliseconds(),
			rec.ProcessedAt,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to exec statement for message %d: %w", rec.MsgID, err)
		}
	}

	return tx.Commit()
}

// GetDailyTrend agrega los intentos por día y resultado.
func (r *OutcomeRepo) GetDailyTrend(ctx context.Context, start, end time.Time) ([]queueDomain.DailyOutcomeTrend, error) {
	query := `
		SELECT
			toStartOfDay(processed_at) AS day,
			countIf(status = 'success') AS succeeded,
			countIf(status = 'retrying') AS retried,
			countIf(status = 'failed') AS failed
		FROM queue_outcomes
		WHERE processed_at BETWEEN ? AND ?
		GROUP BY day
		ORDER BY day
	`
	rows, err := r.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trends []queueDomain.DailyOutcomeTrend
	for rows.Next() {
		var t queueDomain.DailyOutcomeTrend
		var succeeded, retried, failed uint64
		if err := rows.Scan(&t.Day, &succeeded, &retried, &failed); err != nil {
			return nil, err
		}
		t.Succeeded, t.Retried, t.Failed = int(succeeded), int(retried), int(failed)
		trends = append(trends, t)
	}
	return trends, rows.Err()
}

// InitSchema crea la tabla si no existe. Particionada por mes.
func (r *OutcomeRepo) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS queue_outcomes (
			msg_id        Int64,
			event_name    LowCardinality(String),
			consumer_name LowCardinality(String),
			read_ct       UInt32,
			status        LowCardinality(String),
			duration_ms   Int64,
			processed_at  DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(processed_at)
		ORDER BY (event_name, consumer_name, processed_at);
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

var _ queueDomain.OutcomeRecorder = (*OutcomeRepo)(nil)
