package quota

import (
	"time"

	"github.com/sx2000cn/antigravity-pool/internal/config"
)

// BurnRate statuses.
const (
	StatusBurning     = "burning"
	StatusStable      = "stable"
	StatusRecovering  = "recovering"
	StatusExhausted   = "exhausted"
	StatusCalculating = "calculating"
)

// BurnRate is the derived consumption rate for an (account, family).
// Rates are percentage-points per hour. Nil fields mean "not known".
type BurnRate struct {
	RatePerHour       *float64 `json:"ratePerHour"`
	HoursToExhaustion *float64 `json:"hoursToExhaustion"`
	Status            string   `json:"status"`
}

const (
	// resetJumpThreshold is the upward percentage jump between adjacent
	// snapshots that marks a quota reset; older history is discarded.
	resetJumpThreshold = 30.0
	// minSampleAge is the minimum age of the oldest kept snapshot before a
	// rate is trusted.
	minSampleAge = 60 * time.Second
	// maxSaneRate caps believable rates; beyond it the data is noise.
	maxSaneRate = 100.0
)

// BurnWindow chooses how far back to load snapshots: up to the next reset
// when one is known and near, otherwise the full retention window.
func BurnWindow(resetTime *time.Time, now time.Time) time.Duration {
	if resetTime != nil && resetTime.After(now) {
		if until := resetTime.Sub(now); until <= config.SnapshotRetention {
			return until + time.Millisecond
		}
	}
	return config.SnapshotRetention
}

// filterResetJump walks newest → oldest and truncates the history at the
// first adjacent pair whose older side jumps up by more than the threshold.
// Everything older than the jump is pre-reset history.
func filterResetJump(snapshots []Snapshot) []Snapshot {
	for i := 0; i+1 < len(snapshots); i++ {
		if snapshots[i+1].Percentage-snapshots[i].Percentage > resetJumpThreshold {
			return snapshots[:i+1]
		}
	}
	return snapshots
}

// CalculateBurnRate derives the burn rate from current percentage and the
// snapshot history (newest first). Deterministic for a given history and
// now; performs no I/O.
func CalculateBurnRate(currentPct float64, snapshots []Snapshot, now time.Time) BurnRate {
	kept := filterResetJump(snapshots)
	if len(kept) == 0 {
		return BurnRate{Status: StatusCalculating}
	}

	oldest := kept[len(kept)-1]
	age := now.Sub(oldest.RecordedAt)
	if age <= minSampleAge {
		return BurnRate{Status: StatusCalculating}
	}

	hours := age.Hours()
	rate := (oldest.Percentage - currentPct) / hours
	if rate > maxSaneRate || rate < -maxSaneRate {
		return BurnRate{Status: StatusCalculating}
	}

	result := BurnRate{RatePerHour: &rate}
	switch {
	case rate > 0:
		eta := currentPct / rate
		result.HoursToExhaustion = &eta
		result.Status = StatusBurning
	case rate < 0:
		result.Status = StatusRecovering
	default:
		result.Status = StatusStable
	}

	if currentPct == 0 {
		result.Status = StatusExhausted
		result.HoursToExhaustion = nil
	}
	return result
}

// BurnRateFor loads the relevant history from the store and computes the
// burn rate for (accountID, family) at now.
func (s *Store) BurnRateFor(accountID string, family config.ModelFamily, currentPct float64, resetTime *time.Time, now time.Time) BurnRate {
	window := BurnWindow(resetTime, now)
	snapshots := s.SnapshotsSince(accountID, family, now.Add(-window))
	return CalculateBurnRate(currentPct, snapshots, now)
}
