package attribute

import (
	"sync"

	"github.com/samber/lo"
)

// Filter is a conjunction of Constraints over a file's attributes.
type Filter struct {
	Constraints []Constraint
}

// NewFilter returns a Filter requiring every given constraint to hold.
func NewFilter(constraints ...Constraint) Filter {
	return Filter{Constraints: append([]Constraint(nil), constraints...)}
}

// SatisfiedBy reports whether every constraint in f holds against entries.
func (f Filter) SatisfiedBy(entries Entries) bool {
	return lo.EveryBy(f.Constraints, func(c Constraint) bool {
		return c.SatisfiedBy(entries)
	})
}

// ExactlySpecifies reports whether f pins every attribute of entries to a
// single value: every constraint is a positive equality, and the
// constrained attributes are exactly those present in entries.
func (f Filter) ExactlySpecifies(entries Entries) bool {
	if len(f.Constraints) != len(entries) {
		return false
	}
	if !f.SatisfiedBy(entries) {
		return false
	}
	return lo.EveryBy(f.Constraints, func(c Constraint) bool { return !c.Negate })
}

// Predicate is a disjunction of Filters describing what files a node
// wants. It is mutable under a single lock: a Predicate that becomes
// empty signals that its owning sink node has everything it wants.
type Predicate struct {
	mu      sync.Mutex
	filters []Filter
}

// NewPredicate returns a Predicate matching any file satisfying at least
// one of filters.
func NewPredicate(filters ...Filter) *Predicate {
	return &Predicate{filters: append([]Filter(nil), filters...)}
}

// Filters returns a snapshot copy of the predicate's current filters, in
// their stored order.
func (p *Predicate) Filters() []Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Filter(nil), p.filters...)
}

// SatisfiedBy reports whether entries satisfies any filter in p.
func (p *Predicate) SatisfiedBy(entries Entries) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.SomeBy(p.filters, func(f Filter) bool { return f.SatisfiedBy(entries) })
}

// RemoveIfPossible removes the one filter that exactly specifies entries,
// if any, and reports whether it did. It never removes more than one
// filter.
func (p *Predicate) RemoveIfPossible(entries Entries) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, f := range p.filters {
		if f.ExactlySpecifies(entries) {
			p.filters = append(p.filters[:i], p.filters[i+1:]...)
			return true
		}
	}
	return false
}

// IsEmpty reports whether p has no remaining filters.
func (p *Predicate) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.filters) == 0
}
