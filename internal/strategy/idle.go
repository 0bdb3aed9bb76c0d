package strategy

import "log/slog"

// idle never signals. It exists so the engine can be soak-tested against a
// live account with the full monitor/risk/trailing machinery running but no
// orders placed.
type idle struct{}

func (idle) Name() string                            { return "idle" }
func (idle) EvaluateOnce(MarketView) (*Signal, error) { return nil, nil }

func init() {
	Register("idle", func(params map[string]any, _ *slog.Logger) (Strategy, error) {
		return idle{}, nil
	})
}
