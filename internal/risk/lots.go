package risk

import (
	"math"

	"scalp-core/internal/broker"
)

// LotSize computes the order volume that risks equity*riskPerTrade between
// entry and stop. The stop distance is floored at minSLPips, the raw lot is
// snapped to the symbol's volume step and clamped to
// [volume_min, min(volume_max, maxLot)]. Any non-finite or non-positive
// intermediate yields 0, meaning "do not trade"; this function never panics.
func LotSize(equity, riskPerTrade, entry, stop float64, meta broker.SymbolMeta, minSLPips, maxLot float64) float64 {
	if equity <= 0 || riskPerTrade <= 0 || meta.PipSize <= 0 {
		return 0
	}
	riskAmount := equity * riskPerTrade
	slPips := math.Abs(entry-stop) / meta.PipSize
	if slPips < minSLPips {
		slPips = minSLPips
	}
	pipValue := meta.PipValuePerLot()
	if slPips <= 0 || pipValue <= 0 {
		return 0
	}
	raw := riskAmount / (slPips * pipValue)
	if !isFinitePositive(raw) {
		return 0
	}

	if meta.VolumeStep > 0 {
		raw = math.Round(raw/meta.VolumeStep) * meta.VolumeStep
	}
	upper := meta.VolumeMax
	if maxLot > 0 && maxLot < upper {
		upper = maxLot
	}
	if raw > upper {
		raw = upper
	}
	if raw < meta.VolumeMin {
		raw = meta.VolumeMin
	}
	if !isFinitePositive(raw) {
		return 0
	}
	return raw
}

func isFinitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
