package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/davicafu/agentbox/internal/machine/domain"
	sharedDomain "github.com/davicafu/agentbox/internal/shared/domain"
	sharedQuery "github.com/davicafu/agentbox/internal/shared/infra/platform/query"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
	sharedUtils "github.com/davicafu/agentbox/internal/shared/infra/utils"
)

type MachineRepoSQLite struct {
	db *sql.DB
}

func NewMachineRepoSQLite(db *sql.DB) *MachineRepoSQLite {
	return &MachineRepoSQLite{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *MachineRepoSQLite) q(t *sharedTx.Tx) querier {
	if t != nil {
		return t
	}
	return r.db
}

const machineColumns = `id, project_id, type, external_id, state, metadata, error_detail, created_at, updated_at`

// InitSchema crea la tabla machines si no existe.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			type TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			error_detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create machines table: %w", err)
	}
	_, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_machines_project_state ON machines (project_id, state)`)
	return err
}

func (r *MachineRepoSQLite) Create(ctx context.Context, t *sharedTx.Tx, m *domain.Machine) error {
	_, err := r.q(t).ExecContext(ctx,
		`INSERT INTO machines (`+machineColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID.String(), m.ProjectID.String(), m.Type, m.ExternalID, string(m.State),
		metadataString(m.Metadata), m.ErrorDetail, m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert machine: %w", err)
	}
	return nil
}

func (r *MachineRepoSQLite) Update(ctx context.Context, t *sharedTx.Tx, m *domain.Machine, from domain.MachineState) error {
	res, err := r.q(t).ExecContext(ctx,
		`UPDATE machines SET type=?, external_id=?, state=?, metadata=?, error_detail=?, updated_at=?
		 WHERE id=? AND state=?`,
		m.Type, m.ExternalID, string(m.State), metadataString(m.Metadata), m.ErrorDetail, m.UpdatedAt.UnixMilli(),
		m.ID.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update machine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, t, m.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s", domain.ErrStateChanged, from)
	}
	return nil
}

func (r *MachineRepoSQLite) GetByID(ctx context.Context, t *sharedTx.Tx, id uuid.UUID) (*domain.Machine, error) {
	row := r.q(t).QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = ?`, id.String())
	m, err := scanMachine(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMachineNotFound
		}
		return nil, err
	}
	return m, nil
}

// LockProject: la transacción es BEGIN IMMEDIATE, así que ya tiene el lock de
// escritura de la base. El UPDATE vacío lo fuerza también si se abrió en modo deferred.
func (r *MachineRepoSQLite) LockProject(ctx context.Context, t *sharedTx.Tx, projectID uuid.UUID) ([]*domain.Machine, error) {
	if t == nil {
		return nil, errors.New("LockProject requires a transaction")
	}
	if _, err := t.ExecContext(ctx,
		`UPDATE machines SET updated_at = updated_at WHERE project_id = ?`, projectID.String(),
	); err != nil {
		return nil, fmt.Errorf("failed to lock project machines: %w", err)
	}

	rows, err := t.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE project_id = ? ORDER BY id`, projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMachines(rows)
}

func (r *MachineRepoSQLite) applyCriteria(criteria sharedDomain.Criteria) (string, []interface{}, error) {
	conds, err := sharedDomain.Conditions(criteria, domain.AllowedFields)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", domain.ErrInvalidMachine, err)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []interface{}
	for _, c := range conds {
		clauses = append(clauses, fmt.Sprintf("%s %s ?", c.Field, c.Op))
		// Las fechas se guardan como milisegundos unix.
		if ts, ok := c.Value.(time.Time); ok {
			args = append(args, ts.UnixMilli())
		} else {
			args = append(args, c.Value)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (r *MachineRepoSQLite) ListByCriteria(ctx context.Context, criteria sharedDomain.Criteria, pagination sharedQuery.OffsetPagination, sort sharedQuery.Sort) ([]*domain.Machine, error) {
	whereSQL, args, err := r.applyCriteria(criteria)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + machineColumns + " FROM machines"
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	if sort.Field == "" || !domain.AllowedFields[sort.Field] {
		sort.Field = "created_at"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id LIMIT ? OFFSET ?", sort.Field, sharedUtils.SortDirection(sort.Desc))
	args = append(args, pagination.Limit, pagination.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMachines(rows)
}

// ------------------ Helpers ------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(s scanner) (*domain.Machine, error) {
	var m domain.Machine
	var id, projectID, state, metadata string
	var createdAt, updatedAt int64
	if err := s.Scan(&id, &projectID, &m.Type, &m.ExternalID, &state, &metadata, &m.ErrorDetail, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	if m.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, fmt.Errorf("invalid project UUID in DB: %w", err)
	}
	m.State = domain.MachineState(state)
	m.Metadata = json.RawMessage(metadata)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &m, nil
}

func scanMachines(rows *sql.Rows) ([]*domain.Machine, error) {
	var machines []*domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func metadataString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

var _ domain.MachineRepository = (*MachineRepoSQLite)(nil)
