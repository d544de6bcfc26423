package postgre

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
)

type QueueRepoPostgres struct {
	db *sql.DB
}

func NewQueueRepoPostgres(db *sql.DB) *QueueRepoPostgres {
	return &QueueRepoPostgres{db: db}
}

const messageColumns = `msg_id, event_id, event_name, consumer_name, payload, enqueued_at,
	visible_at, vt_ms, read_ct, status, processing_results`

// InitSchema crea las tablas de la cola si no existen.
func InitSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_messages (
			msg_id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES events(id),
			event_name TEXT NOT NULL,
			consumer_name TEXT NOT NULL,
			payload JSONB NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			visible_at TIMESTAMPTZ NOT NULL,
			vt_ms BIGINT NOT NULL,
			read_ct INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			processing_results JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages (visible_at, msg_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_consumer ON queue_messages (event_name, consumer_name)`,
		`CREATE TABLE IF NOT EXISTS queue_archive (
			msg_id BIGINT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			consumer_name TEXT NOT NULL,
			payload JSONB NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			visible_at TIMESTAMPTZ NOT NULL,
			vt_ms BIGINT NOT NULL,
			read_ct INTEGER NOT NULL,
			status TEXT NOT NULL,
			processing_results JSONB NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_archive_archived ON queue_archive (archived_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init queue schema: %w", err)
		}
	}
	return nil
}

func (r *QueueRepoPostgres) InsertEvent(ctx context.Context, t *sharedTx.Tx, evt queueDomain.StoredEvent) error {
	if t == nil {
		return queueDomain.ErrTxRequired
	}
	_, err := t.ExecContext(ctx,
		`INSERT INTO events (id, name, payload, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
		evt.ID, string(evt.Name), string(evt.Payload), evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (r *QueueRepoPostgres) InsertMessages(ctx context.Context, t *sharedTx.Tx, msgs []queueDomain.QueueMessage) ([]int64, error) {
	if t == nil {
		return nil, queueDomain.ErrTxRequired
	}
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		results, err := encodeResults(m.ProcessingResults)
		if err != nil {
			return nil, err
		}
		var id int64
		err = t.QueryRowContext(ctx,
			`INSERT INTO queue_messages (event_id, event_name, consumer_name, payload, enqueued_at, visible_at, vt_ms, read_ct, status, processing_results)
			 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10::jsonb)
			 RETURNING msg_id`,
			m.EventID, string(m.EventName), m.ConsumerName, string(m.Payload),
			m.EnqueuedAt, m.VisibleAt, m.VisibilityTimeout.Milliseconds(),
			m.ReadCount, string(m.Status), results,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to insert queue message: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Claim bloquea las filas candidatas con SKIP LOCKED y las actualiza en la
// misma sentencia; procesos concurrentes se reparten mensajes distintos.
func (r *QueueRepoPostgres) Claim(ctx context.Context, now time.Time, limit int) ([]queueDomain.QueueMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`WITH claimable AS (
			SELECT msg_id FROM queue_messages
			WHERE visible_at <= $1
			ORDER BY visible_at, msg_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages q
		SET read_ct = q.read_ct + 1,
		    visible_at = $1::timestamptz + q.vt_ms * interval '1 millisecond'
		FROM claimable c
		WHERE q.msg_id = c.msg_id
		RETURNING q.msg_id, q.event_id, q.event_name, q.consumer_name, q.payload, q.enqueued_at,
		          q.visible_at, q.vt_ms, q.read_ct, q.status, q.processing_results`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows, false)
}

func (r *QueueRepoPostgres) Retry(ctx context.Context, msg queueDomain.QueueMessage, visibleAt time.Time) error {
	results, err := encodeResults(msg.ProcessingResults)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = $1, processing_results = $2::jsonb, visible_at = $3
		 WHERE msg_id = $4 AND read_ct = $5`,
		string(msg.Status), results, visibleAt, msg.MsgID, msg.ReadCount,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule message %d: %w", msg.MsgID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: message %d", queueDomain.ErrLeaseLost, msg.MsgID)
	}
	return nil
}

// Archive mueve la fila en una sola sentencia: DELETE … RETURNING alimenta el INSERT.
func (r *QueueRepoPostgres) Archive(ctx context.Context, msg queueDomain.QueueMessage, archivedAt time.Time) error {
	results, err := encodeResults(msg.ProcessingResults)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`WITH moved AS (
			DELETE FROM queue_messages WHERE msg_id = $1 AND read_ct = $2
			RETURNING msg_id, event_id, event_name, consumer_name, payload, enqueued_at,
			          visible_at, vt_ms, read_ct
		)
		INSERT INTO queue_archive (`+messageColumns+`, archived_at)
		SELECT msg_id, event_id, event_name, consumer_name, payload, enqueued_at,
		       visible_at, vt_ms, read_ct, $3::text, $4::jsonb, $5::timestamptz
		FROM moved`,
		msg.MsgID, msg.ReadCount, string(msg.Status), results, archivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive message %d: %w", msg.MsgID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: message %d", queueDomain.ErrLeaseLost, msg.MsgID)
	}
	return nil
}

func (r *QueueRepoPostgres) GetEvent(ctx context.Context, id string) (*queueDomain.StoredEvent, error) {
	var evt queueDomain.StoredEvent
	var name string
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, payload, created_at FROM events WHERE id = $1`, id,
	).Scan(&evt.ID, &name, &payload, &evt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queueDomain.ErrEventNotFound
		}
		return nil, err
	}
	evt.Name = events.EventName(name)
	evt.Payload = json.RawMessage(payload)
	return &evt, nil
}

func (r *QueueRepoPostgres) PeekQueue(ctx context.Context, f queueDomain.PeekFilter) ([]queueDomain.QueueMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM queue_messages
		 WHERE read_ct >= $1
		 ORDER BY msg_id ASC LIMIT $2 OFFSET $3`,
		f.MinReadCount, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows, false)
}

func (r *QueueRepoPostgres) PeekArchive(ctx context.Context, f queueDomain.PeekFilter) ([]queueDomain.QueueMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+`, archived_at FROM queue_archive
		 WHERE read_ct >= $1
		 ORDER BY archived_at DESC, msg_id DESC LIMIT $2 OFFSET $3`,
		f.MinReadCount, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows, true)
}

func (r *QueueRepoPostgres) CountByConsumer(ctx context.Context) ([]queueDomain.ConsumerKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_name, consumer_name, COUNT(*) FROM queue_messages
		 GROUP BY event_name, consumer_name
		 ORDER BY event_name, consumer_name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []queueDomain.ConsumerKey
	for rows.Next() {
		var k queueDomain.ConsumerKey
		var name string
		if err := rows.Scan(&name, &k.ConsumerName, &k.Count); err != nil {
			return nil, err
		}
		k.EventName = events.EventName(name)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *QueueRepoPostgres) DeleteByConsumer(ctx context.Context, event events.EventName, consumer string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE event_name = $1 AND consumer_name = $2`,
		string(event), consumer,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessages(rows *sql.Rows, archived bool) ([]queueDomain.QueueMessage, error) {
	var msgs []queueDomain.QueueMessage
	for rows.Next() {
		var m queueDomain.QueueMessage
		var eventName, status string
		var payload, results []byte
		var vtMs int64
		var archivedAt time.Time

		dest := []any{
			&m.MsgID, &m.EventID, &eventName, &m.ConsumerName, &payload, &m.EnqueuedAt,
			&m.VisibleAt, &vtMs, &m.ReadCount, &status, &results,
		}
		if archived {
			dest = append(dest, &archivedAt)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		m.EventName = events.EventName(eventName)
		m.Payload = json.RawMessage(payload)
		m.VisibilityTimeout = time.Duration(vtMs) * time.Millisecond
		m.Status = queueDomain.MessageStatus(status)
		if err := json.Unmarshal(results, &m.ProcessingResults); err != nil {
			return nil, fmt.Errorf("invalid processing_results in message %d: %w", m.MsgID, err)
		}
		if archived {
			m.ArchivedAt = &archivedAt
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func encodeResults(results []string) (string, error) {
	if results == nil {
		results = []string{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to marshal processing results: %w", err)
	}
	return string(b), nil
}
