package solver

import (
	"math/rand/v2"
	"reflect"
	"testing"
)

var testValues = map[string]int{"diamond": 8, "gold": 6, "wood": 2, "ore": 3, "food": 1, "iron": 2}

func TestSolve_IronExample(t *testing.T) {
	got := Solve(map[string]int{"iron": 3}, map[string]int{"iron": 2}, 5, "")
	if len(got) == 0 {
		t.Fatalf("expected a payment")
	}
	best := got[0]
	if best.Total != 6 || best.Overage != 1 || best.Combination["iron"] != 3 || best.Lines() != 1 {
		t.Fatalf("best=%+v", best)
	}
}

func TestSolve_PrefersExactThenFewerLines(t *testing.T) {
	// 12 can be paid exactly as gold x2 (one line) or diamond+wood x2 (two lines).
	holdings := map[string]int{"gold": 2, "diamond": 1, "wood": 2}
	best, ok := Best(holdings, testValues, 12, "")
	if !ok {
		t.Fatalf("expected payment")
	}
	if best.Overage != 0 || best.Lines() != 1 || best.Combination["gold"] != 2 {
		t.Fatalf("best=%+v", best)
	}
}

func TestSolve_ExcludesReservedAndEmpty(t *testing.T) {
	holdings := map[string]int{"reserved_gold": 10, "iron": 0, "food": 2}
	values := map[string]int{"reserved_gold": 6, "iron": 2, "food": 1}
	if got := Solve(holdings, values, 3, "reserved_"); len(got) != 0 {
		t.Fatalf("expected no payment, got %+v", got)
	}
	if mv := MaxValue(holdings, values, "reserved_"); mv != 2 {
		t.Fatalf("max=%d want 2", mv)
	}
	best, ok := Best(holdings, values, 2, "reserved_")
	if !ok || best.Combination["food"] != 2 || len(best.Combination) != 1 {
		t.Fatalf("best=%+v ok=%v", best, ok)
	}
}

func TestSolve_ZeroTarget(t *testing.T) {
	best, ok := Best(map[string]int{"food": 1}, testValues, 0, "")
	if !ok || best.Total != 0 || len(best.Combination) != 0 {
		t.Fatalf("best=%+v ok=%v", best, ok)
	}
}

func TestSolve_DeterministicAcrossMapOrder(t *testing.T) {
	a := map[string]int{}
	b := map[string]int{}
	names := []string{"diamond", "gold", "wood", "ore", "food", "iron"}
	for i, n := range names {
		a[n] = i + 1
	}
	for i := len(names) - 1; i >= 0; i-- {
		b[names[i]] = i + 1
	}
	for target := 0; target < 60; target += 7 {
		if !reflect.DeepEqual(Solve(a, testValues, target, ""), Solve(b, testValues, target, "")) {
			t.Fatalf("target %d: results differ", target)
		}
	}
}

func TestSolve_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	names := []string{"diamond", "gold", "wood", "ore", "food", "iron"}
	for iter := 0; iter < 300; iter++ {
		holdings := map[string]int{}
		for _, n := range names {
			if r.IntN(3) == 0 {
				continue
			}
			holdings[n] = r.IntN(4)
		}
		target := r.IntN(40)

		got := Solve(holdings, testValues, target, "")
		maxV := MaxValue(holdings, testValues, "")
		if (len(got) == 0) != (maxV < target) {
			t.Fatalf("iter %d: empty=%v max=%d target=%d", iter, len(got) == 0, maxV, target)
		}
		for _, p := range got {
			if p.Total < target || p.Overage != p.Total-target {
				t.Fatalf("iter %d: bad payment %+v target=%d", iter, p, target)
			}
			sum := 0
			for res, n := range p.Combination {
				if n <= 0 || n > holdings[res] {
					t.Fatalf("iter %d: %s uses %d of %d", iter, res, n, holdings[res])
				}
				sum += n * testValues[res]
			}
			if sum != p.Total {
				t.Fatalf("iter %d: combination sums to %d, total %d", iter, sum, p.Total)
			}
		}
		if len(got) == 0 {
			continue
		}
		wantTotal, wantLines := bruteForce(holdings, target, names)
		if got[0].Total != wantTotal || got[0].Lines() != wantLines {
			t.Fatalf("iter %d: best=%+v want total=%d lines=%d", iter, got[0], wantTotal, wantLines)
		}
	}
}

// bruteForce returns the smallest total >= target and the fewest lines that
// reach exactly that total.
func bruteForce(holdings map[string]int, target int, names []string) (int, int) {
	bestTotal, bestLines := -1, 0
	var walk func(i, total, lines int)
	walk = func(i, total, lines int) {
		if i == len(names) {
			if total < target {
				return
			}
			if bestTotal < 0 || total < bestTotal || (total == bestTotal && lines < bestLines) {
				bestTotal, bestLines = total, lines
			}
			return
		}
		n := names[i]
		walk(i+1, total, lines)
		for k := 1; k <= holdings[n]; k++ {
			walk(i+1, total+k*testValues[n], lines+1)
		}
	}
	walk(0, 0, 0)
	return bestTotal, bestLines
}
