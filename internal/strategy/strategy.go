// Package strategy defines the pluggable strategy capability consumed by the
// backtest engine and a registry of strategy factories.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stratforge/backtest/pkg/types"
)

// Account is the read-only snapshot of run state a strategy sees when asked
// for orders. It is copied per bar; mutating it has no effect on the run.
type Account struct {
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	Positions map[string]types.Position
}

// Position returns the position for symbol, zero-valued when flat.
func (a Account) Position(symbol string) types.Position {
	if pos, ok := a.Positions[symbol]; ok {
		return pos
	}
	return types.Position{Symbol: symbol, Quantity: decimal.Zero}
}

// Strategy turns market history into trade intents. history contains the
// bars up to and including the current one, never later data; the engine
// executes returned orders at the next bar's open.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// OnBar is called once per bar with the visible history and the current
	// account snapshot. It returns zero or more orders.
	OnBar(history []types.Bar, account Account) ([]types.Order, error)
}

// Factory builds a strategy instance from a parameter set. The optimizer
// calls it once per parameter combination so each run gets independent
// strategy state.
type Factory func(params types.ParameterSet) (Strategy, error)

// Registry holds named strategy factories for lookup and enumeration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get retrieves a factory by name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown strategy %q", name)
	}
	return f, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
