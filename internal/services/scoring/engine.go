package scoring

import (
	"math"

	"github.com/Coali-Network/trust_engine/internal/domain/user"
)

// Node carries the per-user attributes the propagation reads.
type Node struct {
	Tier int
}

// Graph is an adjacency view of the active trust graph. It is built once per
// recompute and never mutated afterwards, so it is safe to share across
// goroutines.
type Graph struct {
	Nodes map[string]Node
	Out   map[string][]string
	In    map[string][]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]Node),
		Out:   make(map[string][]string),
		In:    make(map[string][]string),
	}
}

// AddNode registers a user with its verification tier.
func (g *Graph) AddNode(id string, tier int) {
	g.Nodes[id] = Node{Tier: tier}
}

// AddEdge registers an active trust edge. Unknown endpoints are registered as
// tier-0 nodes so a malformed edge cannot sink the whole recompute.
func (g *Graph) AddEdge(truster, trusted string) {
	if _, ok := g.Nodes[truster]; !ok {
		g.Nodes[truster] = Node{}
	}
	if _, ok := g.Nodes[trusted]; !ok {
		g.Nodes[trusted] = Node{}
	}
	g.Out[truster] = append(g.Out[truster], trusted)
	g.In[trusted] = append(g.In[trusted], truster)
}

// Downstream returns the set of nodes whose score can be affected by a change
// at any of the seeds, following out-edges up to maxHops. The seeds themselves
// are included.
func (g *Graph) Downstream(seeds []string, maxHops int) map[string]bool {
	affected := make(map[string]bool, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if !affected[s] {
			affected[s] = true
			frontier = append(frontier, s)
		}
	}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, u := range frontier {
			for _, v := range g.Out[u] {
				if !affected[v] {
					affected[v] = true
					next = append(next, v)
				}
			}
		}
		frontier = next
	}
	return affected
}

// Options configures the iterative propagation.
type Options struct {
	// Damping controls how much of a score derives from inbound edges versus
	// the flat baseline share.
	Damping float64
	// Baseline is the flat prior mass per node.
	Baseline float64
	// Epsilon is the max per-node delta below which iteration stops.
	Epsilon float64
	// MaxIterations bounds the sweep count; hitting it without convergence is
	// reported, never served as authoritative.
	MaxIterations int
}

// DefaultOptions returns the production parameters.
func DefaultOptions() Options {
	return Options{
		Damping:       0.85,
		Baseline:      1.0,
		Epsilon:       1e-6,
		MaxIterations: 100,
	}
}

func (o Options) withDefaults() Options {
	if o.Damping <= 0 || o.Damping >= 1 {
		o.Damping = 0.85
	}
	if o.Baseline <= 0 {
		o.Baseline = 1.0
	}
	if o.Epsilon <= 0 {
		o.Epsilon = 1e-6
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 100
	}
	return o
}

// Floor is the score of a node with no inbound trust: the baseline share that
// damping leaves untouched.
func (o Options) Floor() float64 {
	o = o.withDefaults()
	return (1 - o.Damping) * o.Baseline
}

// Result holds the outcome of one propagation run.
type Result struct {
	Scores     map[string]float64
	Iterations int
	Converged  bool
	MaxDelta   float64
}

// Compute runs weighted propagation over the full graph until the max
// per-node delta drops below epsilon or the iteration cap is hit. Each
// truster splits score*tierMultiplier evenly across its active out-edges;
// cycles need no special handling, the iteration absorbs them.
func Compute(g *Graph, opts Options) Result {
	opts = opts.withDefaults()
	floor := opts.Floor()

	scores := make(map[string]float64, len(g.Nodes))
	for id := range g.Nodes {
		scores[id] = opts.Baseline
	}

	result := Result{}
	for it := 1; it <= opts.MaxIterations; it++ {
		next := make(map[string]float64, len(g.Nodes))
		for id := range g.Nodes {
			next[id] = floor
		}
		for u, outs := range g.Out {
			if len(outs) == 0 {
				continue
			}
			share := opts.Damping * scores[u] * user.TierMultiplier(g.Nodes[u].Tier) / float64(len(outs))
			for _, v := range outs {
				next[v] += share
			}
		}

		maxDelta := 0.0
		for id, v := range next {
			if d := math.Abs(v - scores[id]); d > maxDelta {
				maxDelta = d
			}
		}
		scores = next
		result.Iterations = it
		result.MaxDelta = maxDelta
		if maxDelta < opts.Epsilon {
			result.Converged = true
			break
		}
	}

	result.Scores = scores
	return result
}

// ComputeSubset reruns propagation for the subset nodes only, holding every
// node outside the subset at its current value. This is the bounded
// incremental approximation; the scheduled full recompute corrects any drift.
func ComputeSubset(g *Graph, opts Options, current map[string]float64, subset map[string]bool) Result {
	opts = opts.withDefaults()
	floor := opts.Floor()

	valueOf := func(scores map[string]float64, id string) float64 {
		if subset[id] {
			return scores[id]
		}
		if v, ok := current[id]; ok {
			return v
		}
		return opts.Baseline
	}

	scores := make(map[string]float64, len(subset))
	for id := range subset {
		if v, ok := current[id]; ok {
			scores[id] = v
		} else {
			scores[id] = opts.Baseline
		}
	}

	result := Result{}
	for it := 1; it <= opts.MaxIterations; it++ {
		next := make(map[string]float64, len(subset))
		for v := range subset {
			sum := floor
			for _, u := range g.In[v] {
				outs := len(g.Out[u])
				if outs == 0 {
					continue
				}
				sum += opts.Damping * valueOf(scores, u) * user.TierMultiplier(g.Nodes[u].Tier) / float64(outs)
			}
			next[v] = sum
		}

		maxDelta := 0.0
		for id, v := range next {
			if d := math.Abs(v - scores[id]); d > maxDelta {
				maxDelta = d
			}
		}
		scores = next
		result.Iterations = it
		result.MaxDelta = maxDelta
		if maxDelta < opts.Epsilon {
			result.Converged = true
			break
		}
	}

	result.Scores = scores
	return result
}
