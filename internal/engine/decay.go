package engine

import (
	"math"
	"time"

	"github.com/hollisfrank/mnemo/internal/config"
	"github.com/hollisfrank/mnemo/internal/store"
)

// Decay computes the retention score of a record at a point in time.
// The score is derived on read and never persisted.
//
// Each access stretches the half-life: effective half-life is the base plus
// an access bonus per retrieval, capped. Elapsed time counts from the later
// of creation and last access, so touching a record restarts its clock.
// Importance scales the curve into [0.5x, 1x], and the floor keeps even
// ancient records faintly recallable.
func Decay(p config.DecayConfig, r *store.Record, now time.Time) float64 {
	halfLife := p.HalfLifeDays + float64(r.AccessCount)*p.AccessBonusDays
	if halfLife > p.MaxHalfLifeDays {
		halfLife = p.MaxHalfLifeDays
	}

	ref := r.CreatedAt
	if r.LastAccessed != nil && r.LastAccessed.After(ref) {
		ref = *r.LastAccessed
	}

	days := now.Sub(ref).Hours() / 24
	if days < 0 {
		days = 0
	}

	raw := math.Pow(0.5, days/halfLife)
	score := raw * (0.5 + 0.5*r.Importance)
	if score < p.Floor {
		score = p.Floor
	}
	return score
}
