package optimizer

import (
	"context"
	"fmt"
)

// TuningResult reports what AutoTuner.Tune decided, and why, whether or
// not it actually changed anything.
type TuningResult struct {
	Status     string // "updated", "no_change", "unsafe", "insufficient_data", "disabled"
	Reason     string
	Old        Thresholds
	New        Thresholds
}

const (
	depthCostFlat       = 1.0
	depthCostLight      = 0.6
	depthCostStructured = 0.3
	depthCostDefault    = 0.5
)

func depthCostFactor(depth Depth) float64 {
	switch depth {
	case DepthFlat:
		return depthCostFlat
	case DepthLight:
		return depthCostLight
	case DepthStructured:
		return depthCostStructured
	default:
		return depthCostDefault
	}
}

// AutoTuner periodically re-derives flat/light thresholds from recorded
// session outcomes, nudging them toward whatever depth historically scored
// best per task-score bucket, subject to a bounded step size and a
// success-rate safety gate that refuses to loosen a depth that is already
// underperforming.
//
// Grounded on the Python original's AutoTuner (core/optimizer/auto_tuner.py).
type AutoTuner struct {
	cfg     *Config
	tracker *QualityTracker
}

// NewAutoTuner builds an AutoTuner against cfg's thresholds/safety/tuning
// settings and tracker's recorded history.
func NewAutoTuner(cfg *Config, tracker *QualityTracker) *AutoTuner {
	return &AutoTuner{cfg: cfg, tracker: tracker}
}

// ShouldTune reports whether enough has happened recently to justify a
// tuning pass: tuning must be enabled, and at least MinSamples sessions
// must have been recorded in the trailing 7 days.
func (a *AutoTuner) ShouldTune(ctx context.Context) (bool, error) {
	if !a.cfg.Tuning.Enabled {
		return false, nil
	}
	stats, err := a.tracker.Stats(ctx, "", 7)
	if err != nil {
		return false, err
	}
	minSamples := a.cfg.Tuning.MinSamples
	if minSamples == 0 {
		minSamples = 20
	}
	return stats.TotalSessions >= minSamples, nil
}

// Tune runs one tuning pass: if ShouldTune is false, or there isn't enough
// 30-day history to find an optimum, or the best candidate found isn't
// safe, or the best candidate is identical to the current thresholds, it
// returns without modifying cfg. Otherwise it persists the new thresholds
// via cfg.UpdateThresholds and returns status "updated".
func (a *AutoTuner) Tune(ctx context.Context) (*TuningResult, error) {
	should, err := a.ShouldTune(ctx)
	if err != nil {
		return nil, err
	}
	if !should {
		return &TuningResult{Status: "disabled", Reason: "tuning disabled or insufficient recent samples"}, nil
	}

	stats, err := a.tracker.TuningStats(ctx, 30)
	if err != nil {
		return nil, err
	}
	minSamples := a.cfg.Tuning.MinSamples
	if minSamples == 0 {
		minSamples = 20
	}
	if stats.TotalRecords < minSamples {
		return &TuningResult{Status: "insufficient_data", Reason: "fewer than min_samples records in the last 30 days"}, nil
	}

	optimalByBucket := a.analyzeTuningStats(stats)
	current := a.cfg.GetThresholds()
	candidate, _ := a.findOptimalThresholds(stats, optimalByBucket, current)

	if !a.isSafe(candidate, current, stats) {
		return &TuningResult{Status: "unsafe", Old: current, New: candidate, Reason: "candidate thresholds failed the safety gate"}, nil
	}
	if candidate == current {
		return &TuningResult{Status: "no_change", Old: current, New: candidate, Reason: "best candidate matches current thresholds"}, nil
	}

	if err := a.cfg.UpdateThresholds(candidate); err != nil {
		return nil, fmt.Errorf("optimizer: persist tuned thresholds: %w", err)
	}
	return &TuningResult{
		Status: "updated",
		Old:    current,
		New:    candidate,
		Reason: fmt.Sprintf("flat_max %d->%d, light_max %d->%d", current.FlatMax, candidate.FlatMax, current.LightMax, candidate.LightMax),
	}, nil
}

// analyzeTuningStats picks, for each score bucket, the depth whose
// (quality, cost) blend scored best: score = quality_weight*avg_success +
// cost_weight*cost_factor(depth), where cost_factor rewards cheaper
// (shallower) depths.
func (a *AutoTuner) analyzeTuningStats(stats *TuningStats) map[int]Depth {
	qw, cw := a.cfg.Weights.Quality, a.cfg.Weights.Cost
	optimal := map[int]Depth{}
	for bucket, byDepth := range stats.ByScoreBucket {
		bestDepth := DepthFlat
		bestScore := -1.0
		for depth, s := range byDepth {
			score := qw*s.AvgSuccess + cw*depthCostFactor(depth)
			if score > bestScore {
				bestScore = score
				bestDepth = depth
			}
		}
		optimal[bucket] = bestDepth
	}
	return optimal
}

// findOptimalThresholds grid-searches flat_max/light_max within
// max_threshold_change of the current values (and within the absolute
// [5,20)/[15,40) ranges the original enforces), scoring each candidate
// pair by how well it would have assigned each observed bucket to its
// already-identified optimal depth.
func (a *AutoTuner) findOptimalThresholds(stats *TuningStats, optimalByBucket map[int]Depth, current Thresholds) (Thresholds, float64) {
	maxChange := a.cfg.Safety.MaxThresholdChange
	if maxChange == 0 {
		maxChange = 5
	}

	flatLo, flatHi := maxInt(5, current.FlatMax-maxChange), minInt(20, current.FlatMax+maxChange+1)
	lightLo, lightHi := maxInt(15, current.LightMax-maxChange), minInt(40, current.LightMax+maxChange+1)

	best := current
	bestScore := -1.0
	for flatMax := flatLo; flatMax < flatHi; flatMax++ {
		for lightMax := lightLo; lightMax < lightHi; lightMax++ {
			if lightMax <= flatMax+3 {
				continue
			}
			candidate := Thresholds{FlatMax: flatMax, LightMax: lightMax}
			score := a.evaluateThresholds(optimalByBucket, candidate)
			if score > bestScore {
				bestScore = score
				best = candidate
			}
		}
	}
	return best, bestScore
}

// evaluateThresholds scores one candidate threshold pair against the
// optimal depth already identified per bucket: a bucket assigned its exact
// optimal depth scores +1.0; a bucket whose candidate assignment is
// "structured" when the optimal was "light" or "structured" scores a
// partial +0.5 (structured is never wrong, only possibly wasteful),
// normalized by the number of buckets considered.
func (a *AutoTuner) evaluateThresholds(optimalByBucket map[int]Depth, candidate Thresholds) float64 {
	if len(optimalByBucket) == 0 {
		return 0
	}
	var total, weight float64
	for bucket, optimal := range optimalByBucket {
		assigned := assignDepth(bucket, candidate)
		weight++
		if assigned == optimal {
			total += 1.0
		} else if assigned == DepthStructured && (optimal == DepthLight || optimal == DepthStructured) {
			total += 0.5
		}
	}
	if weight == 0 {
		return 0
	}
	return total / weight
}

func assignDepth(scoreBucket int, t Thresholds) Depth {
	switch {
	case scoreBucket <= t.FlatMax:
		return DepthFlat
	case scoreBucket <= t.LightMax:
		return DepthLight
	default:
		return DepthStructured
	}
}

// isSafe enforces two gates: no single threshold may move by more than
// max_threshold_change in one tuning pass, and a depth whose observed
// success rate is already below min_success_rate must not have its
// threshold raised (which would route more work into it, not less).
func (a *AutoTuner) isSafe(candidate, current Thresholds, stats *TuningStats) bool {
	maxChange := a.cfg.Safety.MaxThresholdChange
	if maxChange == 0 {
		maxChange = 5
	}
	if absInt(candidate.FlatMax-current.FlatMax) > maxChange {
		return false
	}
	if absInt(candidate.LightMax-current.LightMax) > maxChange {
		return false
	}

	minSuccessRate := a.cfg.Safety.MinSuccessRate
	if minSuccessRate == 0 {
		minSuccessRate = 0.85
	}
	if flatStats, ok := stats.ByDepth[DepthFlat]; ok && flatStats.AvgSuccess < minSuccessRate {
		if candidate.FlatMax > current.FlatMax {
			return false
		}
	}
	if lightStats, ok := stats.ByDepth[DepthLight]; ok && lightStats.AvgSuccess < minSuccessRate {
		if candidate.LightMax > current.LightMax {
			return false
		}
	}
	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Recommendations produces human-readable nudges an operator can act on:
// low sample counts, per-depth success rates below the safety floor, and
// structured-depth overuse (more than 70% of recent sessions), none of
// which Tune can or should silently fix on its own.
func (a *AutoTuner) Recommendations(ctx context.Context) ([]string, error) {
	stats, err := a.tracker.Stats(ctx, "", 30)
	if err != nil {
		return nil, err
	}

	minSamples := a.cfg.Tuning.MinSamples
	if minSamples == 0 {
		minSamples = 20
	}
	var recs []string
	if stats.TotalSessions < minSamples {
		recs = append(recs, fmt.Sprintf("only %d sessions recorded in the last 30 days; tuning needs at least %d", stats.TotalSessions, minSamples))
	}

	minSuccessRate := a.cfg.Safety.MinSuccessRate
	if minSuccessRate == 0 {
		minSuccessRate = 0.85
	}
	for depth, s := range stats.ByDepth {
		if s.AvgSuccess < minSuccessRate {
			recs = append(recs, fmt.Sprintf("%s depth success rate %.0f%% is below the %.0f%% safety floor", depth, s.AvgSuccess*100, minSuccessRate*100))
		}
	}

	if structured, ok := stats.ByDepth[DepthStructured]; ok && stats.TotalSessions > 0 {
		if float64(structured.Count)/float64(stats.TotalSessions) > 0.7 {
			recs = append(recs, "more than 70% of sessions are running at structured depth; consider raising light_max")
		}
	}

	return recs, nil
}
