package app

import (
	"errors"
	"testing"

	"github.com/altidigitech-ui/leak-detector/app/models"
)

func TestCheckQuota(t *testing.T) {
	tests := []struct {
		name    string
		profile models.Profile
		allowed bool
	}{
		{"fresh free account", models.Profile{Plan: models.PlanFree, AnalysesUsed: 0, AnalysesLimit: 3}, true},
		{"last free analysis", models.Profile{Plan: models.PlanFree, AnalysesUsed: 2, AnalysesLimit: 3}, true},
		{"free limit reached", models.Profile{Plan: models.PlanFree, AnalysesUsed: 3, AnalysesLimit: 3}, false},
		{"overshoot from concurrent finishes", models.Profile{Plan: models.PlanPro, AnalysesUsed: 52, AnalysesLimit: 50}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQuota(tt.profile)
			if tt.allowed && err != nil {
				t.Fatalf("expected quota available, got %v", err)
			}
			if !tt.allowed {
				var qe *QuotaExceededError
				if !errors.As(err, &qe) {
					t.Fatalf("expected QuotaExceededError, got %v", err)
				}
				if qe.Plan != tt.profile.Plan || qe.Used != tt.profile.AnalysesUsed {
					t.Fatalf("error carries wrong details: %+v", qe)
				}
			}
		})
	}
}
