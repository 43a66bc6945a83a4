// Package app enforces per-billing-period analysis quotas. The admission
// check reads the profile counters; the charge is an atomic increment done
// by the pipeline only after a verified success.
package app

import (
	"fmt"

	"github.com/altidigitech-ui/leak-detector/app/models"
)

// QuotaExceededError is returned when a profile has no analyses left in
// the current period.
type QuotaExceededError struct {
	Plan  models.Plan
	Limit int
	Used  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("analysis limit reached (%d/%d on %s plan)", e.Used, e.Limit, e.Plan)
}

// HasQuota is the admission criterion for starting a new analysis.
// The limit is not re-checked at completion time: concurrently finishing
// analyses may overshoot by at most the number of in-flight jobs.
func HasQuota(p models.Profile) bool {
	return p.AnalysesUsed < p.AnalysesLimit
}

// CheckQuota returns a typed error when the profile is out of quota.
func CheckQuota(p models.Profile) error {
	if HasQuota(p) {
		return nil
	}
	return &QuotaExceededError{Plan: p.Plan, Limit: p.AnalysesLimit, Used: p.AnalysesUsed}
}
