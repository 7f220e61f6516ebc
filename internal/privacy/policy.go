// Package privacy implements role-based access to memory tiers, the
// defense-in-depth post-filter, the external-API egress rule, and write
// validation.
package privacy

import (
	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/metrics"
	"github.com/contextgate/contextgate/internal/models"
)

// AllowedTiers is the single authoritative role to privacy-tier mapping.
// LOCAL_ONLY is deliberately absent: it is owner-gated, never role-gated.
func AllowedTiers(role models.Role) []models.PrivacyLevel {
	switch role.Canonical() {
	case models.RoleAdmin:
		return []models.PrivacyLevel{models.PrivacyPublic, models.PrivacyInternal, models.PrivacyConfidential}
	case models.RoleMember:
		return []models.PrivacyLevel{models.PrivacyPublic, models.PrivacyInternal}
	default:
		return []models.PrivacyLevel{models.PrivacyPublic}
	}
}

// AccessFilter is the storage-agnostic access constraint for one request.
// Downstream stores translate it to their own query dialect; the post-filter
// re-checks every returned row against it.
type AccessFilter struct {
	PrivacyTiers []models.PrivacyLevel `json:"privacy_tiers"`
	UserID       string                `json:"user_id"`
	TenantID     string                `json:"tenant_id"`
	// RequireOwnUser restricts INTERNAL rows to the requesting user
	// (set for the member role).
	RequireOwnUser bool `json:"require_own_user"`
}

// BuildFilter produces the access filter for (role, user, tenant).
func BuildFilter(role models.Role, userID, tenantID string) AccessFilter {
	return AccessFilter{
		PrivacyTiers:   AllowedTiers(role),
		UserID:         userID,
		TenantID:       tenantID,
		RequireOwnUser: role.Canonical() == models.RoleMember,
	}
}

// Allows reports whether a single record passes the filter. LOCAL_ONLY rows
// pass only for their owner, regardless of role.
func (f AccessFilter) Allows(level models.PrivacyLevel, ownerID, tenantID string) bool {
	if tenantID != "" && f.TenantID != "" && tenantID != f.TenantID {
		return false
	}
	if level == models.PrivacyLocalOnly {
		return ownerID != "" && ownerID == f.UserID
	}
	inTiers := false
	for _, t := range f.PrivacyTiers {
		if t == level {
			inTiers = true
			break
		}
	}
	if !inTiers {
		return false
	}
	if f.RequireOwnUser && level == models.PrivacyInternal && ownerID != f.UserID {
		return false
	}
	return true
}

// FilterResults re-checks every retrieved source against the filter. Rows the
// storage layer should never have returned are dropped and counted as
// db_filter_leak warnings; retrieval never trusts database-side filtering
// alone.
func FilterResults(traceID string, sources []models.RetrievalSource, f AccessFilter) ([]models.RetrievalSource, int) {
	kept := make([]models.RetrievalSource, 0, len(sources))
	leaks := 0
	for _, s := range sources {
		if s.SourceType == models.SourceWeb {
			// Web results carry no stored privacy level.
			kept = append(kept, s)
			continue
		}
		if f.Allows(s.Privacy(), s.OwnerID(), s.TenantID()) {
			kept = append(kept, s)
			continue
		}
		leaks++
	}
	if leaks > 0 {
		metrics.PrivacyFilterLeaksTotal.Add(float64(leaks))
		log.Warn().
			Str("trace_id", traceID).
			Int("db_filter_leak", leaks).
			Str("user_id", f.UserID).
			Msg("Storage returned rows outside the access filter")
	}
	return kept, leaks
}

// ShouldSendToExternalAPI implements the egress rule: CONFIDENTIAL and
// LOCAL_ONLY content never leaves the local boundary.
func ShouldSendToExternalAPI(level models.PrivacyLevel) bool {
	return level != models.PrivacyLocalOnly && level != models.PrivacyConfidential
}

// ValidateWrite decides whether role may write a record at targetTier for
// targetUser. Admins write anywhere; members write PUBLIC/INTERNAL for
// themselves only; the public role may not write.
func ValidateWrite(role models.Role, targetTier models.PrivacyLevel, targetUser, requestingUser string) bool {
	switch role.Canonical() {
	case models.RoleAdmin:
		return true
	case models.RoleMember:
		if targetTier != models.PrivacyPublic && targetTier != models.PrivacyInternal {
			return false
		}
		return targetUser == requestingUser
	default:
		return false
	}
}
