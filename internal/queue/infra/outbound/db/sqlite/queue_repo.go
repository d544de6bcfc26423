package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
)

// Los instantes se guardan como milisegundos unix (INTEGER) para poder
// comparar y sumar visibility timeouts dentro de la propia sentencia.

type QueueRepoSQLite struct {
	db *sql.DB
}

func NewQueueRepoSQLite(db *sql.DB) *QueueRepoSQLite {
	return &QueueRepoSQLite{db: db}
}

const messageColumns = `msg_id, event_id, event_name, consumer_name, payload, enqueued_at,
	visible_at, vt_ms, read_ct, status, processing_results`

// ------------------ Inicialización de DB ------------------

// InitSchema crea las tablas events, queue_messages y queue_archive.
func InitSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_messages (
			msg_id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL REFERENCES events(id),
			event_name TEXT NOT NULL,
			consumer_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			visible_at INTEGER NOT NULL,
			vt_ms INTEGER NOT NULL,
			read_ct INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			processing_results TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages (visible_at, msg_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_consumer ON queue_messages (event_name, consumer_name)`,
		`CREATE TABLE IF NOT EXISTS queue_archive (
			msg_id INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			consumer_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			visible_at INTEGER NOT NULL,
			vt_ms INTEGER NOT NULL,
			read_ct INTEGER NOT NULL,
			status TEXT NOT NULL,
			processing_results TEXT NOT NULL,
			archived_at INTEGER NOT NULL
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

// ------------------ Escritura transaccional ------------------

func (r *QueueRepoSQLite) InsertEvent(ctx context.Context, t *sharedTx.Tx, evt queueDomain.StoredEvent) error {
	if t == nil {
		return queueDomain.ErrTxRequired
	}
	_, err := t.ExecContext(ctx,
		`INSERT INTO events (id, name, payload, created_at) VALUES (?,?,?,?)`,
		evt.ID, string(evt.Name), string(evt.Payload), toMillis(evt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (r *QueueRepoSQLite) InsertMessages(ctx context.Context, t *sharedTx.Tx, msgs []queueDomain.QueueMessage) ([]int64, error) {
	if t == nil {
		return nil, queueDomain.ErrTxRequired
	}
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		results, err := encodeResults(m.ProcessingResults)
		if err != nil {
			return nil, err
		}
		res, err := t.ExecContext(ctx,
			`INSERT INTO queue_messages (event_id, event_name, consumer_name, payload, enqueued_at, visible_at, vt_ms, read_ct, status, processing_results)
			 VALUES (?,?,?,?,?,?,?,?,?,?)`,
			m.EventID, string(m.EventName), m.ConsumerName, string(m.Payload),
			toMillis(m.EnqueuedAt), toMillis(m.VisibleAt), m.VisibilityTimeout.Milliseconds(),
			m.ReadCount, string(m.Status), results,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert queue message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ------------------ Procesado ------------------

// Claim es una única sentencia UPDATE … RETURNING: SQLite la ejecuta con el
// lock de escritura, así que dos procesos nunca reclaman el mismo mensaje.
func (r *QueueRepoSQLite) Claim(ctx context.Context, now time.Time, limit int) ([]queueDomain.QueueMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMs := toMillis(now)
	rows, err := r.db.QueryContext(ctx,
		`UPDATE queue_messages
		 SET read_ct = read_ct + 1, visible_at = ? + vt_ms
		 WHERE msg_id IN (
			SELECT msg_id FROM queue_messages
			WHERE visible_at <= ?
			ORDER BY visible_at, msg_id
			LIMIT ?
		 )
		 RETURNING `+messageColumns,
		nowMs, nowMs, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows, false)
	if err != nil {
		return nil, err
	}
	// RETURNING no garantiza orden.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].MsgID < msgs[j].MsgID })
	return msgs, nil
}

func (r *QueueRepoSQLite) Retry(ctx context.Context, msg queueDomain.QueueMessage, visibleAt time.Time) error {
	results, err := encodeResults(msg.ProcessingResults)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = ?, processing_results = ?, visible_at = ?
		 WHERE msg_id = ? AND read_ct = ?`,
		string(msg.Status), results, toMillis(visibleAt), msg.MsgID, msg.ReadCount,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule message %d: %w", msg.MsgID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: message %d", queueDomain.ErrLeaseLost, msg.MsgID)
	}
	return nil
}

func (r *QueueRepoSQLite) Archive(ctx context.Context, msg queueDomain.QueueMessage, archivedAt time.Time) error {
	results, err := encodeResults(msg.ProcessingResults)
	if err != nil {
		return err
	}
	return sharedTx.Run(ctx, r.db, func(ctx context.Context, t *sharedTx.Tx) error {
		res, err := t.ExecContext(ctx,
			`INSERT INTO queue_archive (`+messageColumns+`, archived_at)
			 SELECT msg_id, event_id, event_name, consumer_name, payload, enqueued_at,
			        visible_at, vt_ms, read_ct, ?, ?, ?
			 FROM queue_messages WHERE msg_id = ? AND read_ct = ?`,
			string(msg.Status), results, toMillis(archivedAt), msg.MsgID, msg.ReadCount,
		)
		if err != nil {
			return fmt.Errorf("failed to archive message %d: %w", msg.MsgID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: message %d", queueDomain.ErrLeaseLost, msg.MsgID)
		}
		if _, err := t.ExecContext(ctx, `DELETE FROM queue_messages WHERE msg_id = ?`, msg.MsgID); err != nil {
			return fmt.Errorf("failed to delete archived message %d: %w", msg.MsgID, err)
		}
		return nil
	})
}

// ------------------ Lectura ------------------

func (r *QueueRepoSQLite) GetEvent(ctx context.Context, id string) (*queueDomain.StoredEvent, error) {
	var (
		evt       queueDomain.StoredEvent
		name      string
		payload   string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, payload, created_at FROM events WHERE id = ?`, id,
	).Scan(&evt.ID, &name, &payload, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queueDomain.ErrEventNotFound
		}
		return nil, err
	}
	evt.Name = events.EventName(name)
	evt.Payload = json.RawMessage(payload)
	evt.CreatedAt = fromMillis(createdAt)
	return &evt, nil
}

// PeekQueue devuelve los mensajes vivos, más antiguos primero.
func (r *QueueRepoSQLite) PeekQueue(ctx context.Context, f queueDomain.PeekFilter) ([]queueDomain.QueueMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM queue_messages
		 WHERE read_ct >= ?
		 ORDER BY msg_id ASC LIMIT ? OFFSET ?`,
		f.MinReadCount, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows, false)
}

// PeekArchive devuelve los mensajes archivados, más recientes primero.
func (r *QueueRepoSQLite) PeekArchive(ctx context.Context, f queueDomain.PeekFilter) ([]queueDomain.QueueMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+`, archived_at FROM queue_archive
		 WHERE read_ct >= ?
		 ORDER BY archived_at DESC, msg_id DESC LIMIT ? OFFSET ?`,
		f.MinReadCount, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows, true)
}

func (r *QueueRepoSQLite) CountByConsumer(ctx context.Context) ([]queueDomain.ConsumerKey, error) {
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

func (r *QueueRepoSQLite) DeleteByConsumer(ctx context.Context, event events.EventName, consumer string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE event_name = ? AND consumer_name = ?`,
		string(event), consumer,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ------------------ Helpers ------------------

func scanMessages(rows *sql.Rows, archived bool) ([]queueDomain.QueueMessage, error) {
	var msgs []queueDomain.QueueMessage
	for rows.Next() {
		var m queueDomain.QueueMessage
		var eventName, payload, status, results string
		var enqueuedAt, visibleAt, vtMs, archivedAt int64
		dest := []any{
			&m.MsgID, &m.EventID, &eventName, &m.ConsumerName, &payload, &enqueuedAt,
			&visibleAt, &vtMs, &m.ReadCount, &status, &results,
		}
		if archived {
			dest = append(dest, &archivedAt)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		m.EventName = events.EventName(eventName)
		m.Payload = json.RawMessage(payload)
		m.EnqueuedAt = fromMillis(enqueuedAt)
		m.VisibleAt = fromMillis(visibleAt)
		m.VisibilityTimeout = time.Duration(vtMs) * time.Millisecond
		m.Status = queueDomain.MessageStatus(status)
		if err := json.Unmarshal([]byte(results), &m.ProcessingResults); err != nil {
			return nil, fmt.Errorf("invalid processing_results in message %d: %w", m.MsgID, err)
		}
		if archived {
			at := fromMillis(archivedAt)
			m.ArchivedAt = &at
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

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
