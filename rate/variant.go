/*
variant.go - Rate variants and the catalog that holds them

PURPOSE:
  A Variant describes one kind of rate record: its Kind, the unit its
  values are expressed in, and the domain check applied on insert. Domain
  packages (cost, commission) implement Variant; the Registry validates
  every insert against the Catalog it was built with.

HOW IT WORKS:
  1. Domain packages define a Variant
  2. The caller builds a Catalog with the variants it needs
  3. Registry and the HTTP layer look variants up by Kind

  The catalog is an instance, not a package-level registry, so tests and
  servers can run with different variant sets side by side.

SEE ALSO:
  - cost/cost.go: ProductCost variant
  - commission/commission.go: ChannelCommission variant
*/
package rate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Variant is implemented by each concrete record kind.
type Variant interface {
	Kind() Kind
	// Unit labels the value, e.g. "amount" or "percent".
	Unit() string
	// Validate returns a *RangeError when v is outside the variant's domain.
	Validate(v decimal.Decimal) error
}

// =============================================================================
// CATALOG
// =============================================================================

type Catalog struct {
	mu       sync.RWMutex
	variants map[Kind]Variant
}

func NewCatalog(variants ...Variant) *Catalog {
	c := &Catalog{variants: make(map[Kind]Variant, len(variants))}
	for _, v := range variants {
		c.Register(v)
	}
	return c
}

// Register adds or replaces the variant for v.Kind().
func (c *Catalog) Register(v Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variants[v.Kind()] = v
}

// Lookup returns the variant for kind, or ErrUnknownKind.
func (c *Catalog) Lookup(kind Kind) (Variant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return v, nil
}

// Kinds returns the registered kinds in lexical order.
func (c *Catalog) Kinds() []Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]Kind, 0, len(c.variants))
	for k := range c.variants {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
