// Package tier classifies a requested record count into a cost tier and
// holds that tier's concurrency and cooldown limits. The table is built
// once at startup (optionally overridden from config) and is immutable and
// safe for concurrent read access after that.
package tier

import "fmt"

// Name identifies one of the four tiers, in ascending maxCount order.
type Name string

const (
	Small  Name = "SMALL"
	Medium Name = "MEDIUM"
	Large  Name = "LARGE"
	XL     Name = "XL"
)

// Limits holds the three numbers that govern admission for one tier.
type Limits struct {
	Name            Name
	MaxCount        int64 // inclusive upper bound on requestedCount; <0 means unbounded
	MaxConcurrent   int   // maximum simultaneous admitted jobs for (user, tier)
	CooldownSeconds int   // TTL applied to the cooldown key when this tier overflows
}

// Table is an ordered, ascending-maxCount list of tier limits. classify(n)
// walks it in order and returns the first tier whose MaxCount is >= n.
type Table struct {
	tiers []Limits
}

// Default returns the tier table with the defaults from the spec:
//
//	SMALL  maxCount=100      maxConcurrent=10  cooldown=5s
//	MEDIUM maxCount=10000    maxConcurrent=5   cooldown=10s
//	LARGE  maxCount=100000   maxConcurrent=3   cooldown=20s
//	XL     maxCount=unbounded maxConcurrent=1  cooldown=30s
func Default() *Table {
	return New([]Limits{
		{Name: Small, MaxCount: 100, MaxConcurrent: 10, CooldownSeconds: 5},
		{Name: Medium, MaxCount: 10_000, MaxConcurrent: 5, CooldownSeconds: 10},
		{Name: Large, MaxCount: 100_000, MaxConcurrent: 3, CooldownSeconds: 20},
		{Name: XL, MaxCount: -1, MaxConcurrent: 1, CooldownSeconds: 30},
	})
}

// New builds a Table from an explicit, already-ascending list of tiers.
// The last entry is treated as the catch-all (XL-equivalent) regardless of
// its MaxCount value.
func New(tiers []Limits) *Table {
	cp := make([]Limits, len(tiers))
	copy(cp, tiers)
	return &Table{tiers: cp}
}

// Classify returns the first tier whose MaxCount is >= count, in ascending
// order; if none matches (count exceeds every finite bound) it returns the
// last tier in the table. Classification is inclusive at the boundary:
// count == tier.MaxCount selects that tier, not the next one.
func (t *Table) Classify(count int64) Limits {
	for _, lim := range t.tiers {
		if lim.MaxCount >= 0 && count <= lim.MaxCount {
			return lim
		}
	}
	return t.tiers[len(t.tiers)-1]
}

// Lookup returns the Limits for a tier by name, or false if unknown. Used
// by the expiry listener to validate tier names parsed out of expired keys.
func (t *Table) Lookup(name Name) (Limits, bool) {
	for _, lim := range t.tiers {
		if lim.Name == name {
			return lim, true
		}
	}
	return Limits{}, false
}

// Rank returns name's position in ascending-severity order (SMALL=0, ...).
// Used only for ordering comparisons in tests; -1 if unknown.
func (t *Table) Rank(name Name) int {
	for i, lim := range t.tiers {
		if lim.Name == name {
			return i
		}
	}
	return -1
}

func (l Limits) String() string {
	return fmt.Sprintf("%s(maxCount=%d,maxConcurrent=%d,cooldown=%ds)", l.Name, l.MaxCount, l.MaxConcurrent, l.CooldownSeconds)
}
