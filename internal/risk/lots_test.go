package risk

import (
	"math"
	"testing"

	"scalp-core/internal/broker"
)

func eurusd() broker.SymbolMeta {
	return broker.SymbolMeta{
		Symbol:     "EURUSD",
		PipSize:    0.0001,
		Point:      0.00001,
		Digits:     5,
		VolumeMin:  0.01,
		VolumeMax:  100,
		VolumeStep: 0.01,
		TickValue:  1, // per point per lot -> 10 per pip
	}
}

func TestLotSize(t *testing.T) {
	tests := []struct {
		name      string
		equity    float64
		risk      float64
		entry     float64
		stop      float64
		meta      broker.SymbolMeta
		minSLPips float64
		maxLot    float64
		want      float64
	}{
		{
			name:   "reference sizing",
			equity: 1000, risk: 0.01,
			entry: 1.1020, stop: 1.1000, // 20 pips, pip value 10
			meta: eurusd(),
			want: 0.05,
		},
		{
			name:   "ten percent risk",
			equity: 1000, risk: 0.1,
			entry: 1.1020, stop: 1.1000,
			meta: eurusd(),
			want: 0.50,
		},
		{
			name:   "min sl pips floor widens the stop",
			equity: 1000, risk: 0.01,
			entry: 1.10002, stop: 1.10000, // 0.2 pips raw
			meta:      eurusd(),
			minSLPips: 20,
			want:      0.05,
		},
		{
			name:   "clamped to configured max lot",
			equity: 1_000_000, risk: 0.01,
			entry: 1.1020, stop: 1.1000,
			meta:   eurusd(),
			maxLot: 2,
			want:   2,
		},
		{
			name:   "raised to volume min",
			equity: 10, risk: 0.001,
			entry: 1.1050, stop: 1.1000,
			meta: eurusd(),
			want: 0.01,
		},
		{
			name:   "zero equity trades nothing",
			equity: 0, risk: 0.01,
			entry: 1.1020, stop: 1.1000,
			meta: eurusd(),
			want: 0,
		},
		{
			name:   "nan entry trades nothing",
			equity: 1000, risk: 0.01,
			entry: math.NaN(), stop: 1.1000,
			meta: eurusd(),
			want: 0,
		},
		{
			name:   "zero pip value trades nothing",
			equity: 1000, risk: 0.01,
			entry: 1.1020, stop: 1.1000,
			meta: broker.SymbolMeta{PipSize: 0.0001, Point: 0.00001},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LotSize(tt.equity, tt.risk, tt.entry, tt.stop, tt.meta, tt.minSLPips, tt.maxLot)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("LotSize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLotSizeSnapsToStep(t *testing.T) {
	meta := eurusd()
	// 1000 * 0.013 / (20 * 10) = 0.65 exactly on step; perturb equity so the
	// raw lot falls between steps.
	got := LotSize(1007, 0.01, 1.1020, 1.1000, meta, 0, 0)
	steps := got / meta.VolumeStep
	if math.Abs(steps-math.Round(steps)) > 1e-6 {
		t.Fatalf("volume %v is not a multiple of step %v", got, meta.VolumeStep)
	}
	if got < meta.VolumeMin || got > meta.VolumeMax {
		t.Fatalf("volume %v outside [%v, %v]", got, meta.VolumeMin, meta.VolumeMax)
	}
}
