package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists organizations and memberships in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed organization store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orgColumns = `id, name, slug, description, owner_id, stripe_customer_id, is_active, created_at, updated_at`

func (p *PostgresStore) CreateWithOwner(ctx context.Context, org *Organization, owner *Membership) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO organizations (`+orgColumns+`)
			VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $8)`,
			org.ID, org.Name, org.Slug, org.Description, org.OwnerID, org.IsActive, org.CreatedAt, org.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrSlugTaken
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO organization_members (id, organization_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4, $5)`,
			owner.ID, owner.OrganizationID, owner.UserID, string(owner.Role), owner.JoinedAt,
		)
		return err
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Organization, error) {
	return scanOrganization(p.db.QueryRowContext(ctx, `
		SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, org *Organization) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE organizations SET name = $1, slug = $2, description = $3, is_active = $4, updated_at = $5
		WHERE id = $6`,
		org.Name, org.Slug, org.Description, org.IsActive, org.UpdatedAt, org.ID,
	)
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	return requireRow(result, err, ErrOrganizationNotFound)
}

// Delete relies on ON DELETE CASCADE for memberships, subscriptions and projects.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	return requireRow(result, err, ErrOrganizationNotFound)
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string) ([]*Organization, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.slug, o.description, o.owner_id, o.stripe_customer_id, o.is_active, o.created_at, o.updated_at
		FROM organizations o
		JOIN organization_members m ON m.organization_id = o.id
		WHERE m.user_id = $1
		ORDER BY o.created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetBillingCustomer(ctx context.Context, orgID, customerID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE organizations SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2`,
		customerID, orgID)
	return requireRow(result, err, ErrOrganizationNotFound)
}

func (p *PostgresStore) Count(ctx context.Context) (int, int, error) {
	var total, active int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM organizations`).Scan(&total, &active)
	return total, active, err
}

const memberColumns = `id, organization_id, user_id, role, joined_at`

func (p *PostgresStore) GetMembership(ctx context.Context, orgID, userID string) (*Membership, error) {
	return scanMember(p.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+` FROM organization_members
		WHERE organization_id = $1 AND user_id = $2`, orgID, userID))
}

func (p *PostgresStore) GetMember(ctx context.Context, orgID, memberID string) (*Membership, error) {
	return scanMember(p.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+` FROM organization_members
		WHERE organization_id = $1 AND id = $2`, orgID, memberID))
}

func (p *PostgresStore) ListMembers(ctx context.Context, orgID string) ([]*Membership, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+memberColumns+` FROM organization_members
		WHERE organization_id = $1 ORDER BY joined_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddMember(ctx context.Context, m *Membership) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO organization_members (`+memberColumns+`)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.OrganizationID, m.UserID, string(m.Role), m.JoinedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyMember
	}
	return err
}

// AddMemberIfAdmitted holds the organization row lock across the count and
// the insert.
func (p *PostgresStore) AddMemberIfAdmitted(ctx context.Context, m *Membership, admit AdmitFunc) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockOrganization(ctx, tx, m.OrganizationID); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM organization_members WHERE organization_id = $1`, m.OrganizationID).Scan(&n); err != nil {
			return err
		}
		if err := admit(ctx, n); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO organization_members (`+memberColumns+`)
			VALUES ($1, $2, $3, $4, $5)`,
			m.ID, m.OrganizationID, m.UserID, string(m.Role), m.JoinedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return err
	})
}

func (p *PostgresStore) UpdateMemberRole(ctx context.Context, orgID, memberID string, role Role) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE organization_members SET role = $1
		WHERE organization_id = $2 AND id = $3`, string(role), orgID, memberID)
	return requireRow(result, err, ErrMemberNotFound)
}

func (p *PostgresStore) RemoveMember(ctx context.Context, orgID, memberID string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM organization_members WHERE organization_id = $1 AND id = $2`, orgID, memberID)
	return requireRow(result, err, ErrMemberNotFound)
}

func (p *PostgresStore) CountMembers(ctx context.Context, orgID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM organization_members WHERE organization_id = $1`, orgID).Scan(&n)
	return n, err
}

// TransferOwnership locks the organization row so concurrent transfers
// serialize. The old owner is demoted first to keep the one-owner index valid.
func (p *PostgresStore) TransferOwnership(ctx context.Context, orgID, newOwnerMemberID string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}

		var newOwnerUserID string
		err := tx.QueryRowContext(ctx, `
			SELECT user_id FROM organization_members WHERE organization_id = $1 AND id = $2`,
			orgID, newOwnerMemberID).Scan(&newOwnerUserID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMemberNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE organization_members SET role = 'admin'
			WHERE organization_id = $1 AND role = 'owner'`, orgID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE organization_members SET role = 'owner' WHERE id = $1`, newOwnerMemberID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE organizations SET owner_id = $1, updated_at = NOW() WHERE id = $2`, newOwnerUserID, orgID)
		return err
	})
}

// lockOrganization takes the organization row lock for the rest of tx.
func lockOrganization(ctx context.Context, tx *sql.Tx, orgID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM organizations WHERE id = $1 FOR UPDATE`, orgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrganizationNotFound
	}
	return err
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row scanner) (*Organization, error) {
	o := &Organization{}
	var customerID sql.NullString
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.OwnerID, &customerID,
		&o.IsActive, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	o.StripeCustomerID = customerID.String
	return o, nil
}

func scanMember(row scanner) (*Membership, error) {
	m := &Membership{}
	var role string
	err := row.Scan(&m.ID, &m.OrganizationID, &m.UserID, &role, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = Role(role)
	return m, nil
}

func requireRow(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
