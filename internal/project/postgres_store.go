package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
)

// PostgresStore persists projects in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed project store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const projectColumns = `id, organization_id, name, description, created_by, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) Create(ctx context.Context, pr *Project) error {
	return insertProject(ctx, p.db, pr)
}

// CreateIfAdmitted locks the organization row across the count and the
// insert.
func (p *PostgresStore) CreateIfAdmitted(ctx context.Context, pr *Project, admit tenant.AdmitFunc) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM organizations WHERE id = $1 FOR UPDATE`, pr.OrganizationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.ErrOrganizationNotFound
	}
	if err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projects WHERE organization_id = $1`, pr.OrganizationID).Scan(&n); err != nil {
		return err
	}
	if err := admit(ctx, n); err != nil {
		return err
	}
	if err := insertProject(ctx, tx, pr); err != nil {
		return err
	}
	return tx.Commit()
}

func insertProject(ctx context.Context, db execer, pr *Project) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pr.ID, pr.OrganizationID, pr.Name, pr.Description, pr.CreatedBy, pr.CreatedAt, pr.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrNameTaken
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, orgID, id string) (*Project, error) {
	pr := &Project{}
	err := p.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE id = $1 AND organization_id = $2`, id, orgID).
		Scan(&pr.ID, &pr.OrganizationID, &pr.Name, &pr.Description, &pr.CreatedBy, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// List pages on (created_at, id) so rows inserted mid-scan never shift a page.
func (p *PostgresStore) List(ctx context.Context, orgID string, opts ListOptions) ([]*Project, error) {
	var afterAt sql.NullTime
	var afterID string
	if opts.After != nil {
		afterAt = sql.NullTime{Time: opts.After.CreatedAt, Valid: true}
		afterID = opts.After.ID
	}
	limit := sql.NullInt64{Int64: int64(opts.Limit), Valid: opts.Limit > 0}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE organization_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, orgID, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Project
	for rows.Next() {
		pr := &Project{}
		if err := rows.Scan(&pr.ID, &pr.OrganizationID, &pr.Name, &pr.Description,
			&pr.CreatedBy, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, orgID, id string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM projects WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func (p *PostgresStore) CountProjects(ctx context.Context, orgID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE organization_id = $1`, orgID).Scan(&n)
	return n, err
}

func (p *PostgresStore) DeleteForOrganization(ctx context.Context, orgID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM projects WHERE organization_id = $1`, orgID)
	return err
}

var _ Store = (*PostgresStore)(nil)
