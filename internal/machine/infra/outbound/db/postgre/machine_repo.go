package postgre

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // Driver de PostgreSQL

	"github.com/davicafu/agentbox/internal/machine/domain"
	sharedDomain "github.com/davicafu/agentbox/internal/shared/domain"
	sharedQuery "github.com/davicafu/agentbox/internal/shared/infra/platform/query"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
	sharedUtils "github.com/davicafu/agentbox/internal/shared/infra/utils"
)

// MachineRepoPostgres implementa MachineRepository para PostgreSQL.
type MachineRepoPostgres struct {
	db *sql.DB
}

func NewMachineRepoPostgres(db *sql.DB) *MachineRepoPostgres {
	return &MachineRepoPostgres{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *MachineRepoPostgres) q(t *sharedTx.Tx) querier {
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
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL,
			type TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create machines table: %w", err)
	}
	_, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_machines_project_state ON machines (project_id, state)`)
	return err
}

func (r *MachineRepoPostgres) Create(ctx context.Context, t *sharedTx.Tx, m *domain.Machine) error {
	_, err := r.q(t).ExecContext(ctx,
		`INSERT INTO machines (`+machineColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)`,
		m.ID, m.ProjectID, m.Type, m.ExternalID, string(m.State),
		metadataString(m.Metadata), m.ErrorDetail, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert machine: %w", err)
	}
	return nil
}

func (r *MachineRepoPostgres) Update(ctx context.Context, t *sharedTx.Tx, m *domain.Machine, from domain.MachineState) error {
	res, err := r.q(t).ExecContext(ctx,
		`UPDATE machines SET type=$1, external_id=$2, state=$3, metadata=$4::jsonb, error_detail=$5, updated_at=$6
		 WHERE id=$7 AND state=$8`,
		m.Type, m.ExternalID, string(m.State), metadataString(m.Metadata), m.ErrorDetail, m.UpdatedAt,
		m.ID, string(from),
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

func (r *MachineRepoPostgres) GetByID(ctx context.Context, t *sharedTx.Tx, id uuid.UUID) (*domain.Machine, error) {
	row := r.q(t).QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = $1`, id)
	m, err := scanMachine(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMachineNotFound
		}
		return nil, err
	}
	return m, nil
}

// LockProject toma FOR UPDATE sobre las filas del proyecto en orden de id,
// así dos activaciones concurrentes se serializan sin interbloqueo.
func (r *MachineRepoPostgres) LockProject(ctx context.Context, t *sharedTx.Tx, projectID uuid.UUID) ([]*domain.Machine, error) {
	if t == nil {
		return nil, errors.New("LockProject requires a transaction")
	}
	rows, err := t.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE project_id = $1 ORDER BY id FOR UPDATE`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock project machines: %w", err)
	}
	defer rows.Close()
	return scanMachines(rows)
}

func (r *MachineRepoPostgres) applyCriteria(criteria sharedDomain.Criteria) (string, []interface{}, error) {
	conds, err := sharedDomain.Conditions(criteria, domain.AllowedFields)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", domain.ErrInvalidMachine, err)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []interface{}
	for i, c := range conds {
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", c.Field, c.Op, i+1))
		args = append(args, c.Value)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (r *MachineRepoPostgres) ListByCriteria(ctx context.Context, criteria sharedDomain.Criteria, pagination sharedQuery.OffsetPagination, sort sharedQuery.Sort) ([]*domain.Machine, error) {
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
	argOffset := len(args)
	query += fmt.Sprintf(" ORDER BY %s %s, id LIMIT $%d OFFSET $%d",
		sort.Field, sharedUtils.SortDirection(sort.Desc), argOffset+1, argOffset+2)
	args = append(args, pagination.Limit, pagination.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMachines(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(s scanner) (*domain.Machine, error) {
	var m domain.Machine
	var state string
	var metadata []byte
	if err := s.Scan(&m.ID, &m.ProjectID, &m.Type, &m.ExternalID, &state, &metadata, &m.ErrorDetail, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.State = domain.MachineState(state)
	m.Metadata = json.RawMessage(metadata)
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

var _ domain.MachineRepository = (*MachineRepoPostgres)(nil)
