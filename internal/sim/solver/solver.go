// Package solver finds resource combinations whose total value covers a price.
//
// It is used both for voluntary purchases (building costs) and for forced
// tolls, so it never looks at what the money is for.
package solver

import (
	"sort"
	"strings"
)

// Payment is one qualifying combination.
type Payment struct {
	Combination map[string]int `json:"combination"`
	Total       int            `json:"total"`
	Overage     int            `json:"overage"`
}

// Lines is the number of distinct resource types used.
func (p Payment) Lines() int { return len(p.Combination) }

type entry struct {
	combo map[string]int
	lines int
}

// Solve enumerates, for every reachable total that is >= target, the
// combination using the fewest distinct resource lines, ordered by
// (overage, lines). An empty result means the holdings cannot cover target.
//
// Resources with zero quantity, no positive value, or a name starting with
// reservedPrefix are never spent.
func Solve(holdings, values map[string]int, target int, reservedPrefix string) []Payment {
	names := Spendable(holdings, values, reservedPrefix)

	best := map[int]entry{0: {combo: map[string]int{}}}
	order := []int{0}

	for _, name := range names {
		q, v := holdings[name], values[name]

		type known struct {
			total int
			e     entry
		}
		snapshot := make([]known, 0, len(order))
		for _, x := range order {
			snapshot = append(snapshot, known{total: x, e: best[x]})
		}

		for _, kn := range snapshot {
			lines := kn.e.lines + 1
			for k := 1; k <= q; k++ {
				nv := kn.total + v*k
				cur, seen := best[nv]
				if seen && lines >= cur.lines {
					continue
				}
				combo := make(map[string]int, len(kn.e.combo)+1)
				for r, n := range kn.e.combo {
					combo[r] = n
				}
				combo[name] = k
				if !seen {
					order = append(order, nv)
				}
				best[nv] = entry{combo: combo, lines: lines}
			}
		}
	}

	out := make([]Payment, 0, len(order))
	for _, total := range order {
		if total < target {
			continue
		}
		e := best[total]
		out = append(out, Payment{Combination: e.combo, Total: total, Overage: total - target})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Overage != out[j].Overage {
			return out[i].Overage < out[j].Overage
		}
		if out[i].Lines() != out[j].Lines() {
			return out[i].Lines() < out[j].Lines()
		}
		return out[i].Total < out[j].Total
	})
	return out
}

// Best returns the first Solve result.
func Best(holdings, values map[string]int, target int, reservedPrefix string) (Payment, bool) {
	all := Solve(holdings, values, target, reservedPrefix)
	if len(all) == 0 {
		return Payment{}, false
	}
	return all[0], true
}

// MaxValue is the total of every spendable unit.
func MaxValue(holdings, values map[string]int, reservedPrefix string) int {
	sum := 0
	for _, name := range Spendable(holdings, values, reservedPrefix) {
		sum += holdings[name] * values[name]
	}
	return sum
}

// Spendable lists the resources Solve may use, sorted by name.
func Spendable(holdings, values map[string]int, reservedPrefix string) []string {
	names := make([]string, 0, len(holdings))
	for name, q := range holdings {
		if q <= 0 || values[name] <= 0 {
			continue
		}
		if reservedPrefix != "" && strings.HasPrefix(name, reservedPrefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
