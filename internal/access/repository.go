package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-ops/courier/internal/shared"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertRule stores rule; an existing pair is left untouched.
func (r *Repository) InsertRule(ctx context.Context, rule AccessRule) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO access_rules (package_id, user_id) VALUES ($1::uuid, $2::uuid) ON CONFLICT DO NOTHING`,
		rule.PackageID.String(), rule.UserID.String())
	return err
}

// DeleteRule removes rule if present.
func (r *Repository) DeleteRule(ctx context.Context, rule AccessRule) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM access_rules WHERE package_id = $1::uuid AND user_id = $2::uuid`,
		rule.PackageID.String(), rule.UserID.String())
	return err
}

// RuleExists reports whether rule is in the set.
func (r *Repository) RuleExists(ctx context.Context, rule AccessRule) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM access_rules WHERE package_id = $1::uuid AND user_id = $2::uuid)`,
		rule.PackageID.String(), rule.UserID.String()).Scan(&exists)
	return exists, err
}

// UpsertGrant inserts a grant for the requirement or unions the packages into
// the live one in a single statement. The partial unique index on live
// requirements makes concurrent callers converge on one row.
func (r *Repository) UpsertGrant(ctx context.Context, req PrivilegeRequest) (PrivilegeGrant, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO privilege_grants (id, access_requirement, package_ids, granter_id, granted_at, updated_at)
VALUES ($1::uuid, $2, $3::text[]::uuid[], $4::uuid, $5, $5)
ON CONFLICT (access_requirement) WHERE revoked_at IS NULL
DO UPDATE SET
    package_ids = ARRAY(
        SELECT DISTINCT p FROM unnest(privilege_grants.package_ids || EXCLUDED.package_ids) AS p ORDER BY p
    ),
    updated_at = EXCLUDED.updated_at
RETURNING `+grantColumns,
		uuid.NewString(), req.AccessRequirement, packageStrings(req.PackageIDs), req.GranterID.String(), req.Timestamp)
	return scanGrant(row)
}

// RevokeGrant marks the live grant for requirement as revoked.
func (r *Repository) RevokeGrant(ctx context.Context, requirement string, revoker shared.UserID, at time.Time) (PrivilegeGrant, error) {
	row := r.pool.QueryRow(ctx, `UPDATE privilege_grants SET revoked_at = $2, revoked_by = $3::uuid, updated_at = $2
WHERE access_requirement = $1 AND revoked_at IS NULL
RETURNING `+grantColumns, requirement, at, revoker.String())
	grant, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PrivilegeGrant{}, ErrGrantNotFound
	}
	return grant, err
}

// PackageCovered reports whether any live grant contains pkg.
func (r *Repository) PackageCovered(ctx context.Context, pkg shared.PackageID) (bool, error) {
	var covered bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM privilege_grants WHERE revoked_at IS NULL AND package_ids @> ARRAY[$1::uuid])`,
		pkg.String()).Scan(&covered)
	return covered, err
}

// ListGrants returns live grants ordered by requirement.
func (r *Repository) ListGrants(ctx context.Context) ([]PrivilegeGrant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+grantColumns+` FROM privilege_grants WHERE revoked_at IS NULL ORDER BY access_requirement`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []PrivilegeGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

const grantColumns = `id::text, access_requirement, package_ids::text[], granter_id::text, granted_at, updated_at, revoked_at`

func scanGrant(row pgx.Row) (PrivilegeGrant, error) {
	var (
		id, granter string
		packages    []string
		g           PrivilegeGrant
	)
	if err := row.Scan(&id, &g.AccessRequirement, &packages, &granter, &g.GrantedAt, &g.UpdatedAt, &g.RevokedAt); err != nil {
		return PrivilegeGrant{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return PrivilegeGrant{}, fmt.Errorf("access: grant id: %w", err)
	}
	g.ID = parsed
	if g.GranterID, err = shared.ParseUserID(granter); err != nil {
		return PrivilegeGrant{}, fmt.Errorf("access: granter id: %w", err)
	}
	g.PackageIDs = make([]shared.PackageID, 0, len(packages))
	for _, raw := range packages {
		pkg, err := shared.ParsePackageID(raw)
		if err != nil {
			return PrivilegeGrant{}, fmt.Errorf("access: package id: %w", err)
		}
		g.PackageIDs = append(g.PackageIDs, pkg)
	}
	return g, nil
}

func packageStrings(ids []shared.PackageID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
