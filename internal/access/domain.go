package access

import (
	"bytes"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/courier-ops/courier/internal/shared"
)

var (
	// ErrUnauthorized is returned when a user lacks an access rule for a package.
	ErrUnauthorized = errors.New("access: unauthorized")
	// ErrRequirementRequired rejects privilege requests without requirement text.
	ErrRequirementRequired = errors.New("access: access requirement required")
	// ErrGrantNotFound indicates no live grant exists for a requirement.
	ErrGrantNotFound = errors.New("access: privilege grant not found")
)

// AccessRule states that UserID may invoke PackageID. Two rules with the same
// pair are the same rule.
type AccessRule struct {
	PackageID shared.PackageID
	UserID    shared.UserID
}

// PrivilegeGrant records that an infrastructure privilege, named by its
// human-readable requirement text, has been escalated for a set of packages.
// At most one live grant exists per requirement.
type PrivilegeGrant struct {
	ID                uuid.UUID
	AccessRequirement string
	PackageIDs        []shared.PackageID
	GranterID         shared.UserID
	GrantedAt         time.Time
	UpdatedAt         time.Time
	RevokedAt         *time.Time
}

// Live reports whether the grant has not been revoked.
func (g PrivilegeGrant) Live() bool {
	return g.RevokedAt == nil
}

// Covers reports whether the grant includes pkg.
func (g PrivilegeGrant) Covers(pkg shared.PackageID) bool {
	return slices.Contains(g.PackageIDs, pkg)
}

// PrivilegeRequest is the input to GrantPrivilege.
type PrivilegeRequest struct {
	AccessRequirement string
	PackageIDs        []shared.PackageID
	GranterID         shared.UserID
	Timestamp         time.Time
}

// UnionPackages merges package sets, dropping duplicates, in a stable byte order.
func UnionPackages(sets ...[]shared.PackageID) []shared.PackageID {
	seen := make(map[shared.PackageID]struct{})
	out := make([]shared.PackageID, 0)
	for _, set := range sets {
		for _, id := range set {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	slices.SortFunc(out, func(a, b shared.PackageID) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}
