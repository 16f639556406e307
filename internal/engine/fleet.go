package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"scalper/internal/broker"
	"scalper/internal/domain"
)

type symbolSlot struct {
	mu sync.Mutex
	lc *Lifecycle
}

// Fleet dispatches market and order events to per-symbol lifecycles and runs
// the shared periodic maintenance. Events for one symbol are serialized by a
// per-symbol lock; different symbols proceed concurrently.
type Fleet struct {
	api  broker.BrokerAPI
	risk *RiskEngine
	log  *slog.Logger

	slots map[string]*symbolSlot
}

// NewFleet creates a fleet over already-constructed lifecycles.
func NewFleet(api broker.BrokerAPI, risk *RiskEngine, log *slog.Logger, lifecycles []*Lifecycle) *Fleet {
	slots := make(map[string]*symbolSlot, len(lifecycles))
	for _, lc := range lifecycles {
		slots[lc.Symbol()] = &symbolSlot{lc: lc}
	}
	return &Fleet{
		api:   api,
		risk:  risk,
		log:   log.With("component", "fleet"),
		slots: slots,
	}
}

// Symbols returns the managed symbols, sorted.
func (f *Fleet) Symbols() []string {
	syms := make([]string, 0, len(f.slots))
	for sym := range f.slots {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

// Lifecycle returns the lifecycle for a symbol, or nil.
func (f *Fleet) Lifecycle(symbol string) *Lifecycle {
	slot, ok := f.slots[symbol]
	if !ok {
		return nil
	}
	return slot.lc
}

// OnBar routes a bar to its symbol's lifecycle. Bars for unmanaged symbols
// are dropped.
func (f *Fleet) OnBar(ctx context.Context, bar domain.Bar) {
	slot, ok := f.slots[bar.Symbol]
	if !ok {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.lc.OnBar(ctx, bar)
}

// OnOrderUpdate routes a trade-update event to its symbol's lifecycle.
func (f *Fleet) OnOrderUpdate(ctx context.Context, symbol string, event domain.OrderEvent, order *domain.Order) {
	slot, ok := f.slots[symbol]
	if !ok {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.lc.OnOrderUpdate(ctx, event, order)
}

// Checkup runs the periodic pass: reconcile the risk ledger with broker
// positions, evaluate the kill-switch, and run each symbol's maintenance.
// Returns true if the kill-switch is active after the pass.
func (f *Fleet) Checkup(ctx context.Context) bool {
	if f.risk != nil {
		if positions, err := f.api.ListPositions(ctx); err != nil {
			f.log.Error("position sync failed", "error", err)
		} else {
			f.risk.SyncFromPositions(positions)
		}

		if !f.risk.IsKilled() {
			if acct, err := f.api.GetAccount(ctx); err != nil {
				f.log.Error("equity fetch for kill-switch failed", "error", err)
			} else if f.risk.CheckKillSwitch(acct.Equity) {
				f.risk.ExecuteKillSwitch(ctx, f.Symbols(), func(symbol string) {
					if slot, ok := f.slots[symbol]; ok {
						slot.mu.Lock()
						slot.lc.HaltTrading("kill-switch")
						slot.mu.Unlock()
					}
				})
				return true
			}
		}
	}

	for _, sym := range f.Symbols() {
		slot := f.slots[sym]
		slot.mu.Lock()
		slot.lc.Checkup(ctx)
		slot.mu.Unlock()
	}

	return f.risk != nil && f.risk.IsKilled()
}
