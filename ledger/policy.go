package ledger

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// NEGATIVE STOCK POLICY
// =============================================================================

// NegativeStockPolicy decides whether a partition may run below zero and,
// if so, how unvalued negative stock is priced.
type NegativeStockPolicy struct {
	AllowNegative bool
	FallbackRate  decimal.NullDecimal
}

// PolicyOverride scopes a policy to one item/warehouse. Batch and serial
// partitions inherit the override of their item/warehouse.
type PolicyOverride struct {
	Item      ItemCode
	Warehouse WarehouseCode
	Policy    NegativeStockPolicy
}

// PolicySet resolves the policy for a partition. Safe for concurrent use.
// The zero value forbids negative stock everywhere.
type PolicySet struct {
	mu        sync.RWMutex
	def       NegativeStockPolicy
	overrides map[PolicyOverrideKey]NegativeStockPolicy
}

type PolicyOverrideKey struct {
	Item      ItemCode
	Warehouse WarehouseCode
}

func NewPolicySet(def NegativeStockPolicy, overrides ...PolicyOverride) *PolicySet {
	ps := &PolicySet{def: def, overrides: make(map[PolicyOverrideKey]NegativeStockPolicy)}
	for _, o := range overrides {
		ps.overrides[PolicyOverrideKey{Item: o.Item, Warehouse: o.Warehouse}] = o.Policy
	}
	return ps
}

// For returns the effective policy of a partition.
func (ps *PolicySet) For(key PartitionKey) NegativeStockPolicy {
	if ps == nil {
		return NegativeStockPolicy{}
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if p, ok := ps.overrides[PolicyOverrideKey{Item: key.Item, Warehouse: key.Warehouse}]; ok {
		return p
	}
	return ps.def
}

func (ps *PolicySet) Default() NegativeStockPolicy {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.def
}

func (ps *PolicySet) SetDefault(p NegativeStockPolicy) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.def = p
}

// Set installs or replaces an override.
func (ps *PolicySet) Set(o PolicyOverride) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.overrides == nil {
		ps.overrides = make(map[PolicyOverrideKey]NegativeStockPolicy)
	}
	ps.overrides[PolicyOverrideKey{Item: o.Item, Warehouse: o.Warehouse}] = o.Policy
}

// Remove drops an override; the partition falls back to the default.
func (ps *PolicySet) Remove(item ItemCode, warehouse WarehouseCode) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.overrides, PolicyOverrideKey{Item: item, Warehouse: warehouse})
}

// Overrides lists overrides sorted by item, warehouse.
func (ps *PolicySet) Overrides() []PolicyOverride {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]PolicyOverride, 0, len(ps.overrides))
	for k, p := range ps.overrides {
		out = append(out, PolicyOverride{Item: k.Item, Warehouse: k.Warehouse, Policy: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Item != out[j].Item {
			return out[i].Item < out[j].Item
		}
		return out[i].Warehouse < out[j].Warehouse
	})
	return out
}
