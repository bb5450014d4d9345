package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/courier-ops/courier/internal/platform/db"
	"github.com/courier-ops/courier/internal/platform/retry"
	"github.com/courier-ops/courier/internal/shared"
)

// RepositoryPort abstracts ledger storage for the service.
type RepositoryPort interface {
	InsertRule(ctx context.Context, rule AccessRule) error
	DeleteRule(ctx context.Context, rule AccessRule) error
	RuleExists(ctx context.Context, rule AccessRule) (bool, error)
	UpsertGrant(ctx context.Context, req PrivilegeRequest) (PrivilegeGrant, error)
	RevokeGrant(ctx context.Context, requirement string, revoker shared.UserID, at time.Time) (PrivilegeGrant, error)
	PackageCovered(ctx context.Context, pkg shared.PackageID) (bool, error)
	ListGrants(ctx context.Context) ([]PrivilegeGrant, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Retry retry.Policy
}

// Service is the access ledger: user-to-package rules and deduplicated
// privilege escalations.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	retry  retry.Policy
	now    func() time.Time
}

// NewService builds Service. audit may be nil.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		audit:  audit,
		logger: logger.With(slog.String("component", "access")),
		retry:  cfg.Retry,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GrantAccess lets userID invoke packageID. Granting an existing pair is a no-op.
func (s *Service) GrantAccess(ctx context.Context, packageID shared.PackageID, userID shared.UserID) error {
	rule := AccessRule{PackageID: packageID, UserID: userID}
	if err := s.repo.InsertRule(ctx, rule); err != nil {
		return fmt.Errorf("access: grant access: %w", err)
	}
	s.record(ctx, ruleAudit(shared.AuditAccessGranted, rule))
	return nil
}

// RevokeAccess removes the rule. Revoking an absent pair is a no-op.
func (s *Service) RevokeAccess(ctx context.Context, packageID shared.PackageID, userID shared.UserID) error {
	rule := AccessRule{PackageID: packageID, UserID: userID}
	if err := s.repo.DeleteRule(ctx, rule); err != nil {
		return fmt.Errorf("access: revoke access: %w", err)
	}
	s.record(ctx, ruleAudit(shared.AuditAccessRevoked, rule))
	return nil
}

// IsAuthorized reports whether the pair is currently in the rule set.
func (s *Service) IsAuthorized(ctx context.Context, packageID shared.PackageID, userID shared.UserID) (bool, error) {
	ok, err := s.repo.RuleExists(ctx, AccessRule{PackageID: packageID, UserID: userID})
	if err != nil {
		return false, fmt.Errorf("access: is authorized: %w", err)
	}
	return ok, nil
}

// Authorize fails with ErrUnauthorized unless userID holds a rule for every package.
func (s *Service) Authorize(ctx context.Context, userID shared.UserID, packageIDs ...shared.PackageID) error {
	for _, pkg := range packageIDs {
		ok, err := s.IsAuthorized(ctx, pkg, userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %s may not invoke package %s", ErrUnauthorized, userID, pkg)
		}
	}
	return nil
}

// GrantPrivilege records that requirement has been escalated for packageIDs.
// When a live grant with the same requirement text exists its package set is
// extended instead of creating a second grant. Write conflicts with concurrent
// callers are retried here and never returned.
func (s *Service) GrantPrivilege(ctx context.Context, requirement string, packageIDs []shared.PackageID, granterID shared.UserID, timestamp time.Time) (PrivilegeGrant, error) {
	if strings.TrimSpace(requirement) == "" {
		return PrivilegeGrant{}, ErrRequirementRequired
	}
	if timestamp.IsZero() {
		timestamp = s.now()
	}
	req := PrivilegeRequest{
		AccessRequirement: requirement,
		PackageIDs:        UnionPackages(packageIDs),
		GranterID:         granterID,
		Timestamp:         timestamp,
	}
	attempts := 0
	grant, err := retry.Do(ctx, s.retry, db.IsConflict, func() (PrivilegeGrant, error) {
		attempts++
		return s.repo.UpsertGrant(ctx, req)
	})
	if err != nil {
		return PrivilegeGrant{}, fmt.Errorf("access: grant privilege: %w", err)
	}
	if attempts > 1 {
		s.logger.Info("privilege upsert converged after conflict", slog.String("requirement", requirement), slog.Int("attempts", attempts))
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  granterID,
		Action:   shared.AuditPrivilegeGranted,
		Entity:   "privilege_grant",
		EntityID: grant.ID.String(),
		Meta:     map[string]any{"requirement": requirement, "packages": len(grant.PackageIDs)},
		At:       timestamp,
	})
	return grant, nil
}

// RevokePrivilege ends the live grant for requirement. A later GrantPrivilege
// with the same text starts a new grant.
func (s *Service) RevokePrivilege(ctx context.Context, requirement string, revokerID shared.UserID) (PrivilegeGrant, error) {
	if strings.TrimSpace(requirement) == "" {
		return PrivilegeGrant{}, ErrRequirementRequired
	}
	grant, err := s.repo.RevokeGrant(ctx, requirement, revokerID, s.now())
	if err != nil {
		return PrivilegeGrant{}, fmt.Errorf("access: revoke privilege: %w", err)
	}
	s.record(ctx, shared.AuditLog{ActorID: revokerID, Action: shared.AuditPrivilegeRevoked, Entity: "privilege_grant", EntityID: grant.ID.String()})
	return grant, nil
}

// HasPrivilege reports whether any live grant covers packageID.
func (s *Service) HasPrivilege(ctx context.Context, packageID shared.PackageID) (bool, error) {
	ok, err := s.repo.PackageCovered(ctx, packageID)
	if err != nil {
		return false, fmt.Errorf("access: has privilege: %w", err)
	}
	return ok, nil
}

// ListPrivileges returns every live grant.
func (s *Service) ListPrivileges(ctx context.Context) ([]PrivilegeGrant, error) {
	return s.repo.ListGrants(ctx)
}

// ruleAudit records rule changes as system actions; the grantee goes in Meta.
func ruleAudit(action string, rule AccessRule) shared.AuditLog {
	return shared.AuditLog{
		Action:   action,
		Entity:   "access_rule",
		EntityID: rule.PackageID.String(),
		Meta:     map[string]any{"user_id": rule.UserID.String()},
	}
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}
