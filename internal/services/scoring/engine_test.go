package scoring

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestCompute_NoEdgesYieldsFloor(t *testing.T) {
	g := NewGraph()
	g.AddNode("a", 0)
	g.AddNode("b", 1)

	res := Compute(g, DefaultOptions())
	if !res.Converged {
		t.Fatalf("expected convergence, got %d iterations", res.Iterations)
	}
	floor := DefaultOptions().Floor()
	for id, v := range res.Scores {
		if !almostEqual(v, floor) {
			t.Fatalf("node %s: expected floor %v, got %v", id, floor, v)
		}
	}
}

func TestCompute_SingleEdgeSplitsWeight(t *testing.T) {
	// b trusts a and c, so a receives half of b's weighted score.
	g := NewGraph()
	g.AddNode("a", 0)
	g.AddNode("b", 1)
	g.AddNode("c", 0)
	g.AddEdge("b", "a")
	g.AddEdge("b", "c")

	opts := DefaultOptions()
	res := Compute(g, opts)
	if !res.Converged {
		t.Fatalf("expected convergence")
	}

	// b has no inbound trust so its score is the floor.
	floor := opts.Floor()
	if !almostEqual(res.Scores["b"], floor) {
		t.Fatalf("b: expected %v, got %v", floor, res.Scores["b"])
	}
	// a gets floor + d * score(b) * mult(1) / 2
	want := floor + opts.Damping*floor*1.0/2
	if !almostEqual(res.Scores["a"], want) {
		t.Fatalf("a: expected %v, got %v", want, res.Scores["a"])
	}
	if !almostEqual(res.Scores["a"], res.Scores["c"]) {
		t.Fatalf("a and c receive identical shares: %v vs %v", res.Scores["a"], res.Scores["c"])
	}
}

func TestCompute_TierMultiplierOrdersEndorsements(t *testing.T) {
	// Two endorsers with one out-edge each; the tier-2 endorser must be
	// worth more than the tier-1 endorser.
	g := NewGraph()
	g.AddNode("strong", 2)
	g.AddNode("regular", 1)
	g.AddNode("x", 0)
	g.AddNode("y", 0)
	g.AddEdge("strong", "x")
	g.AddEdge("regular", "y")

	res := Compute(g, DefaultOptions())
	if !res.Converged {
		t.Fatalf("expected convergence")
	}
	if res.Scores["x"] <= res.Scores["y"] {
		t.Fatalf("tier-2 endorsement should outweigh tier-1: x=%v y=%v", res.Scores["x"], res.Scores["y"])
	}
	// tier 2 carries 1.5x the tier-1 contribution above the floor
	floor := DefaultOptions().Floor()
	ratio := (res.Scores["x"] - floor) / (res.Scores["y"] - floor)
	if !almostEqual(ratio, 1.5) {
		t.Fatalf("expected contribution ratio 1.5, got %v", ratio)
	}
}

func TestCompute_ChainPropagatesTransitively(t *testing.T) {
	// a -> b -> c: c benefits from a's endorsement of b.
	g := NewGraph()
	g.AddNode("a", 1)
	g.AddNode("b", 1)
	g.AddNode("c", 0)
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	opts := DefaultOptions()
	res := Compute(g, opts)
	if !res.Converged {
		t.Fatalf("expected convergence")
	}
	floor := opts.Floor()
	wantB := floor + opts.Damping*floor
	wantC := floor + opts.Damping*wantB
	if !almostEqual(res.Scores["b"], wantB) {
		t.Fatalf("b: expected %v, got %v", wantB, res.Scores["b"])
	}
	if !almostEqual(res.Scores["c"], wantC) {
		t.Fatalf("c: expected %v, got %v", wantC, res.Scores["c"])
	}
}

func TestCompute_Tier0CycleConverges(t *testing.T) {
	// A tier-0 two-cycle has edge gain d*0.5 < 1, so iteration settles.
	g := NewGraph()
	g.AddNode("a", 0)
	g.AddNode("b", 0)
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")

	res := Compute(g, DefaultOptions())
	if !res.Converged {
		t.Fatalf("tier-0 cycle should converge, max delta %v", res.MaxDelta)
	}
	if !almostEqual(res.Scores["a"], res.Scores["b"]) {
		t.Fatalf("symmetric cycle should yield equal scores: %v vs %v", res.Scores["a"], res.Scores["b"])
	}
}

func TestCompute_Tier3CycleHitsIterationCap(t *testing.T) {
	// A tier-3 two-cycle amplifies by d*2.0 = 1.7 per hop and cannot settle.
	g := NewGraph()
	g.AddNode("a", 3)
	g.AddNode("b", 3)
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")

	opts := DefaultOptions()
	res := Compute(g, opts)
	if res.Converged {
		t.Fatalf("amplifying cycle should not converge")
	}
	if res.Iterations != opts.MaxIterations {
		t.Fatalf("expected %d iterations, got %d", opts.MaxIterations, res.Iterations)
	}
}

func TestCompute_RandomGraphsConverge(t *testing.T) {
	// Tiers 0 and 1 keep the per-hop gain at or below the damping factor,
	// so iteration contracts for any topology and density.
	rng := rand.New(rand.NewSource(42))
	for _, size := range []int{5, 20, 80} {
		for _, density := range []float64{0.05, 0.2, 0.5} {
			t.Run(fmt.Sprintf("n%d_p%v", size, density), func(t *testing.T) {
				g := NewGraph()
				for i := 0; i < size; i++ {
					g.AddNode(fmt.Sprintf("u%d", i), rng.Intn(2))
				}
				for i := 0; i < size; i++ {
					for j := 0; j < size; j++ {
						if i != j && rng.Float64() < density {
							g.AddEdge(fmt.Sprintf("u%d", i), fmt.Sprintf("u%d", j))
						}
					}
				}

				opts := DefaultOptions()
				res := Compute(g, opts)
				if !res.Converged {
					t.Fatalf("n=%d p=%v: no convergence after %d iterations, max delta %v",
						size, density, res.Iterations, res.MaxDelta)
				}
				floor := opts.Floor()
				for id, v := range res.Scores {
					if v < floor-1e-9 {
						t.Fatalf("node %s scored %v below the floor %v", id, v, floor)
					}
				}
			})
		}
	}
}

func TestComputeSubset_HoldsBoundaryFixed(t *testing.T) {
	g := NewGraph()
	g.AddNode("a", 1)
	g.AddNode("b", 0)
	g.AddNode("c", 0)
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	opts := DefaultOptions()
	full := Compute(g, opts)
	if !full.Converged {
		t.Fatalf("full compute should converge")
	}

	// Recompute only b and c, holding a at its settled value.
	subset := map[string]bool{"b": true, "c": true}
	res := ComputeSubset(g, opts, full.Scores, subset)
	if !res.Converged {
		t.Fatalf("subset compute should converge")
	}
	for id := range subset {
		if !almostEqual(res.Scores[id], full.Scores[id]) {
			t.Fatalf("subset result for %s diverged: %v vs %v", id, res.Scores[id], full.Scores[id])
		}
	}
	if _, ok := res.Scores["a"]; ok {
		t.Fatalf("subset result must not contain boundary nodes")
	}
}

func TestDownstream_BoundedByHops(t *testing.T) {
	g := NewGraph()
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "e"}} {
		g.AddEdge(pair[0], pair[1])
	}

	got := g.Downstream([]string{"a"}, 2)
	for _, id := range []string{"a", "b", "c"} {
		if !got[id] {
			t.Fatalf("expected %s in 2-hop downstream", id)
		}
	}
	if got["d"] || got["e"] {
		t.Fatalf("nodes beyond hop bound must be excluded: %v", got)
	}
}
