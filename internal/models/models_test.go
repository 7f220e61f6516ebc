package models

import "testing"

func TestPrivacyLevelOrdering(t *testing.T) {
	if !PrivacyPublic.AtMost(PrivacyConfidential) {
		t.Error("PUBLIC should be at most CONFIDENTIAL")
	}
	if PrivacyConfidential.AtMost(PrivacyInternal) {
		t.Error("CONFIDENTIAL should not be at most INTERNAL")
	}
	// LOCAL_ONLY is owner-gated, never orderable against role tiers.
	if PrivacyLocalOnly.AtMost(PrivacyConfidential) {
		t.Error("LOCAL_ONLY must not participate in the role ordering")
	}
	if PrivacyPublic.AtMost(PrivacyLocalOnly) {
		t.Error("nothing orders against LOCAL_ONLY")
	}
}

func TestRoleCanonical(t *testing.T) {
	cases := map[Role]Role{
		"viewer":   RolePublic,
		"lead":     RoleMember,
		"manager":  RoleMember,
		RoleMember: RoleMember,
		RoleAdmin:  RoleAdmin,
	}
	for in, want := range cases {
		if got := in.Canonical(); got != want {
			t.Errorf("Canonical(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestQualityTierBoundaries(t *testing.T) {
	cases := []struct {
		overall float64
		want    QualityTier
	}{
		{0.84999, TierEnriched},
		{0.85, TierKnowledge},
		{0.80, TierEnriched},
		{0.79999, TierRaw},
		{0.0, TierRaw},
		{1.0, TierKnowledge},
	}
	for _, tc := range cases {
		q := QualityScore{Overall: tc.overall}
		if got := q.Tier(); got != tc.want {
			t.Errorf("Tier(%v) = %s, want %s", tc.overall, got, tc.want)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	if err := (Request{Query: "   "}).Validate(); err == nil {
		t.Error("whitespace-only query should be rejected")
	}
	if err := (Request{Query: "q", ContextLimit: 21}).Validate(); err == nil {
		t.Error("context_limit above 20 should be rejected")
	}
	if err := (Request{Query: "q", ContextLimit: 5}).Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}

func TestThresholdSetValid(t *testing.T) {
	if !(ThresholdSet{Cache: 0.95, Raw: 0.85, Knowledge: 0.60}).Valid() {
		t.Error("default thresholds should be valid")
	}
	if (ThresholdSet{Cache: 0.5, Raw: 0.85, Knowledge: 0.60}).Valid() {
		t.Error("cache below raw must be invalid")
	}
}

func TestRetrievalSourceMetadataAccessors(t *testing.T) {
	s := RetrievalSource{Metadata: map[string]interface{}{
		"privacy_level": "CONFIDENTIAL",
		"user_id":       "u1",
		"tenant_id":     "t1",
	}}
	if s.Privacy() != PrivacyConfidential {
		t.Errorf("Privacy() = %q, want CONFIDENTIAL from privacy_level key", s.Privacy())
	}
	if s.OwnerID() != "u1" || s.TenantID() != "t1" {
		t.Errorf("owner/tenant = %q/%q", s.OwnerID(), s.TenantID())
	}

	// Missing metadata degrades to PUBLIC; access filters must not rely on
	// metadata being present for web sources.
	if (RetrievalSource{}).Privacy() != PrivacyPublic {
		t.Error("absent metadata should default to PUBLIC")
	}
}
