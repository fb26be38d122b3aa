package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
)

var errOrganizationMissing = apperr.NotFound("organization not found")

// PostgresStore persists plans and subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed billing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `id, name, slug, description, stripe_product_id, stripe_price_id, price_amount,
	currency, interval, max_users, max_projects, features, is_active, created_at, updated_at`

func (p *PostgresStore) CreatePlan(ctx context.Context, plan *Plan) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		plan.ID, plan.Name, plan.Slug, plan.Description,
		nullString(plan.StripeProductID), nullString(plan.StripePriceID),
		plan.PriceAmount, plan.Currency, string(plan.Interval),
		nullInt(plan.MaxUsers), nullInt(plan.MaxProjects), pq.Array(plan.Features),
		plan.IsActive, plan.CreatedAt, plan.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrPlanSlugTaken
	}
	return err
}

func (p *PostgresStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return scanPlan(p.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

func (p *PostgresStore) ListPlans(ctx context.Context, includeInactive bool) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE is_active OR $1
		ORDER BY price_amount, name`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdatePlan(ctx context.Context, plan *Plan) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE plans SET name = $1, description = $2, max_users = $3, max_projects = $4,
			features = $5, is_active = $6, updated_at = $7
		WHERE id = $8`,
		plan.Name, plan.Description, nullInt(plan.MaxUsers), nullInt(plan.MaxProjects),
		pq.Array(plan.Features), plan.IsActive, plan.UpdatedAt, plan.ID,
	)
	return requireRow(result, err, ErrPlanNotFound)
}

const subColumns = `id, organization_id, plan_id, stripe_subscription_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	last_event_at, created_at, updated_at`

// CreateSubscription locks the organization row so two concurrent
// purchases cannot both pass the slot check. Rows that do not hold the
// slot (canceled history, imports) skip it.
func (p *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var orgID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM organizations WHERE id = $1 FOR UPDATE`, sub.OrganizationID).Scan(&orgID)
		if errors.Is(err, sql.ErrNoRows) {
			return errOrganizationMissing
		}
		if err != nil {
			return err
		}
		if sub.Status.BlocksPurchase() {
			var held string
			err = tx.QueryRowContext(ctx, `
				SELECT status FROM subscriptions
				WHERE organization_id = $1 AND status IN ('active', 'trialing', 'incomplete')
				ORDER BY status = 'incomplete', created_at DESC LIMIT 1`,
				sub.OrganizationID).Scan(&held)
			switch {
			case err == nil:
				return purchaseConflict(Status(held))
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriptions (`+subColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			sub.ID, sub.OrganizationID, sub.PlanID, nullString(sub.StripeSubscriptionID), string(sub.Status),
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CanceledAt,
			sub.LastEventAt, sub.CreatedAt, sub.UpdatedAt,
		)
		return mapLiveViolation(err)
	})
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (p *PostgresStore) GetSubscriptionByExternalID(ctx context.Context, ref string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`, ref))
}

func (p *PostgresStore) ListSubscriptions(ctx context.Context, orgID string) ([]*Subscription, error) {
	return p.querySubscriptions(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE organization_id = $1 ORDER BY created_at DESC, id DESC`, orgID)
}

func (p *PostgresStore) LiveSubscription(ctx context.Context, orgID string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE organization_id = $1 AND status IN ('active', 'trialing')
		ORDER BY created_at DESC, id DESC LIMIT 1`, orgID))
}

func (p *PostgresStore) MutateSubscription(ctx context.Context, id string, fn MutateFunc) (*Subscription, error) {
	return p.mutate(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id, fn)
}

func (p *PostgresStore) MutateSubscriptionByExternalID(ctx context.Context, ref string, fn MutateFunc) (*Subscription, error) {
	return p.mutate(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE stripe_subscription_id = $1 FOR UPDATE`, ref, fn)
}

// mutate holds the row lock for the whole read-modify-write.
func (p *PostgresStore) mutate(ctx context.Context, query, key string, fn MutateFunc) (*Subscription, error) {
	var out *Subscription
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		sub, err := scanSubscription(tx.QueryRowContext(ctx, query, key))
		if err != nil {
			return err
		}
		changed, err := fn(sub)
		if err != nil {
			return err
		}
		out = sub
		if !changed {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE subscriptions SET plan_id = $1, stripe_subscription_id = $2, status = $3,
				current_period_start = $4, current_period_end = $5, cancel_at_period_end = $6,
				canceled_at = $7, last_event_at = $8, updated_at = $9
			WHERE id = $10`,
			sub.PlanID, nullString(sub.StripeSubscriptionID), string(sub.Status),
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
			sub.CanceledAt, sub.LastEventAt, sub.UpdatedAt, sub.ID,
		)
		return mapLiveViolation(err)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) DeleteSubscriptionsForOrganization(ctx context.Context, orgID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE organization_id = $1`, orgID)
	return err
}

func (p *PostgresStore) ListExpiring(ctx context.Context, before time.Time) ([]*Subscription, error) {
	return p.querySubscriptions(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE status = 'active' AND cancel_at_period_end AND current_period_end <= $1
		ORDER BY current_period_end`, before)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Subscription, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return p.querySubscriptions(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE status = ANY($1) ORDER BY updated_at DESC`, pq.Array(names))
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return classifyTxError(err)
	}
	return classifyTxError(tx.Commit())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*Plan, error) {
	plan := &Plan{}
	var productID, priceID sql.NullString
	var interval string
	var maxUsers, maxProjects sql.NullInt64
	var features pq.StringArray
	err := row.Scan(&plan.ID, &plan.Name, &plan.Slug, &plan.Description, &productID, &priceID,
		&plan.PriceAmount, &plan.Currency, &interval, &maxUsers, &maxProjects, &features,
		&plan.IsActive, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	plan.StripeProductID = productID.String
	plan.StripePriceID = priceID.String
	plan.Interval = Interval(interval)
	plan.MaxUsers = intPtr(maxUsers)
	plan.MaxProjects = intPtr(maxProjects)
	plan.Features = []string(features)
	return plan, nil
}

func scanSubscription(row scanner) (*Subscription, error) {
	sub := &Subscription{}
	var ref sql.NullString
	var status string
	var periodStart, periodEnd, canceledAt, lastEventAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.OrganizationID, &sub.PlanID, &ref, &status,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &canceledAt,
		&lastEventAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.StripeSubscriptionID = ref.String
	sub.Status = MapStatus(status)
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.CanceledAt = nullTimePtr(canceledAt)
	sub.LastEventAt = nullTimePtr(lastEventAt)
	return sub, nil
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

// oneLiveIndex is the partial unique index allowing one active or
// trialing subscription per organization.
const oneLiveIndex = "subscriptions_one_live_per_org"

func mapLiveViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == oneLiveIndex {
		return ErrLiveSubscriptionExists
	}
	return err
}

// classifyTxError maps serialization failures and deadlocks to ErrTxConflict.
func classifyTxError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrTxConflict, pqErr.Message)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
