// Package strategy defines the signal-provider contract and the registry
// that binds configuration names to implementations at startup.
package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"scalp-core/internal/broker"
)

// MarketView is the read-only slice of market state a strategy sees per
// evaluation. The engine never exposes broker handles to strategies.
type MarketView struct {
	Symbol string
	Tick   broker.Tick
	Meta   broker.SymbolMeta
}

// Signal is a request to open a position. StopLoss is required; TakeProfit
// may be 0 for stop-only trades. Tag travels into the order comment.
type Signal struct {
	Side       broker.Side
	StopLoss   float64
	TakeProfit float64
	Tag        string
}

// Strategy produces at most one signal per evaluation. A nil Signal with nil
// error means "no trade this cycle".
type Strategy interface {
	Name() string
	EvaluateOnce(view MarketView) (*Signal, error)
}

// Factory builds a strategy from its config block.
type Factory func(params map[string]any, logger *slog.Logger) (Strategy, error)

// ConfigError is a fatal startup misconfiguration, such as an unknown
// strategy name.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "strategy config: " + e.Msg }

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register binds a strategy name to its factory. Duplicate names panic:
// registration happens in init functions, where a collision is a programming
// error.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("strategy: duplicate registration of " + name)
	}
	registry[name] = f
}

// Build resolves a name eagerly, returning *ConfigError for unknown names so
// a typo in config fails startup instead of being skipped silently.
func Build(name string, params map[string]any, logger *slog.Logger) (Strategy, error) {
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, &ConfigError{Msg: fmt.Sprintf("unknown strategy %q (registered: %v)", name, Names())}
	}
	s, err := f(params, logger)
	if err != nil {
		return nil, fmt.Errorf("build strategy %q: %w", name, err)
	}
	return s, nil
}

// Names lists registered strategy names, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
