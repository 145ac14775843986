package domain_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kasoko/settlement/internal/domain"
)

// ── Lifecycle predicates ─────────────────────────────────────────────────────

func TestMarket_CanSettle(t *testing.T) {
	yes := domain.OutcomeYes

	cases := []struct {
		name    string
		status  domain.MarketStatus
		outcome *domain.Outcome
		want    bool
	}{
		{"open market", domain.StatusOpen, nil, false},
		{"closed with outcome", domain.StatusClosed, &yes, true},
		{"closed without outcome", domain.StatusClosed, nil, false},
		{"already resolved", domain.StatusResolved, &yes, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &domain.Market{Status: tc.status, ResolvedOutcome: tc.outcome}
			if got := m.CanSettle(); got != tc.want {
				t.Errorf("CanSettle() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOutcome_IsValid(t *testing.T) {
	valid := []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo}
	for _, o := range valid {
		if !o.IsValid() {
			t.Errorf("%q should be valid", o)
		}
	}
	invalid := []domain.Outcome{"", "yes", "MAYBE", "UP"}
	for _, o := range invalid {
		if o.IsValid() {
			t.Errorf("%q should be invalid", o)
		}
	}
}

// ── External references ──────────────────────────────────────────────────────

func TestNewExternalRef_Unique(t *testing.T) {
	marketID, betID := uuid.New(), uuid.New()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ref := domain.NewExternalRef(marketID, betID)
		if seen[ref] {
			t.Fatalf("duplicate external ref generated: %s", ref)
		}
		seen[ref] = true
		if !strings.HasPrefix(ref, "KASOKO-") {
			t.Errorf("ref %q missing KASOKO prefix", ref)
		}
	}
}

func TestNewRefundRef_Distinguishable(t *testing.T) {
	betID := uuid.New()
	ref := domain.NewRefundRef(betID)
	if !strings.HasPrefix(ref, "KASOKO-REFUND-") {
		t.Errorf("refund ref %q missing REFUND marker", ref)
	}
}
