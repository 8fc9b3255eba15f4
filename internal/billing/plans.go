package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for billing operations.
var (
	// ErrNoSubscription indicates the user has no active subscription.
	ErrNoSubscription = errors.New("billing: no active subscription")

	// ErrPlanNotFound indicates the requested plan does not exist.
	ErrPlanNotFound = errors.New("billing: plan not found")
)

// Plan describes a subscription tier and its entitlements.
type Plan struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	MaxDevices int    `json:"max_devices"`
}

// Subscription links a user to a plan.
type Subscription struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	PlanID    int64      `json:"plan_id"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Repository resolves subscription entitlements from the billing tables.
//
// It implements auth.PlanSource: MaxDevices returns (0, nil) for users
// without an active subscription so the permission evaluator can apply
// the configured default limit.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a billing repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// MaxDevices returns the device limit from the user's active subscription.
//
// Expired and cancelled subscriptions are ignored. Returns (0, nil) when no
// active subscription exists.
func (r *Repository) MaxDevices(ctx context.Context, userID int64) (int, error) {
	var maxDevices int
	err := r.db.QueryRowContext(ctx,
		`SELECT p.max_devices
		 FROM user_subscriptions s
		 JOIN subscription_plans p ON p.id = s.plan_id
		 WHERE s.user_id = ?
		   AND s.status = 'active'
		   AND (s.expires_at IS NULL OR s.expires_at > ?)
		 ORDER BY p.max_devices DESC
		 LIMIT 1`,
		userID, time.Now().UTC().Format(time.RFC3339),
	).Scan(&maxDevices)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("resolving plan limit: %w", err)
	}
	return maxDevices, nil
}

// GetActiveSubscription returns the user's current subscription.
// Returns ErrNoSubscription when none is active.
func (r *Repository) GetActiveSubscription(ctx context.Context, userID int64) (*Subscription, error) {
	var s Subscription
	var expiresAt sql.NullString
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, plan_id, status, expires_at, created_at
		 FROM user_subscriptions
		 WHERE user_id = ?
		   AND status = 'active'
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY id DESC
		 LIMIT 1`,
		userID, time.Now().UTC().Format(time.RFC3339),
	).Scan(&s.ID, &s.UserID, &s.PlanID, &s.Status, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSubscription
		}
		return nil, fmt.Errorf("loading subscription: %w", err)
	}

	if expiresAt.Valid {
		t, perr := time.Parse(time.RFC3339, expiresAt.String)
		if perr == nil {
			s.ExpiresAt = &t
		}
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &s, nil
}

// GetPlan returns a plan by ID.
func (r *Repository) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	var p Plan
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, max_devices FROM subscription_plans WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.MaxDevices)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("loading plan: %w", err)
	}
	return &p, nil
}

// ListPlans returns all plans ordered by device limit.
func (r *Repository) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, max_devices FROM subscription_plans ORDER BY max_devices ASC")
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.MaxDevices); err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plans: %w", err)
	}

	if plans == nil {
		plans = []Plan{}
	}
	return plans, nil
}
