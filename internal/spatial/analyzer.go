package spatial

import (
	"math"
	"sync"

	"github.com/milomadeit/gridworld/internal/geom"
)

// Source is the slice of the world store the analyzer reads. Snapshots
// are immutable, so a pass can run without holding any world lock.
type Source interface {
	Primitives() []*geom.Primitive
	PrimitiveRevision() uint64
}

// Summary is the full derived view of the scene for one revision.
type Summary struct {
	Revision       uint64      `json:"revision"`
	PrimitiveCount int         `json:"primitiveCount"`
	Structures     []Structure `json:"structures"`
	Nodes          []Node      `json:"nodes"`
	Edges          []Edge      `json:"edges"`
	OpenAreas      []OpenArea  `json:"openAreas"`
}

// Analyzer computes summaries on demand and caches the result keyed by
// primitive revision. While a pass is in flight, concurrent callers get
// the most recent completed pass rather than blocking on a second one.
type Analyzer struct {
	src   Source
	rules geom.Rules

	mu        sync.Mutex
	cached    *Summary
	computing bool
}

// NewAnalyzer wires an analyzer over a primitive source.
func NewAnalyzer(src Source, rules geom.Rules) *Analyzer {
	return &Analyzer{src: src, rules: rules}
}

// Summary returns the derived view for the current revision, recomputing
// it if the cache is stale. Callers arriving during a recompute receive
// the previous completed summary (possibly one revision behind); only the
// very first pass ever blocks everyone.
func (a *Analyzer) Summary() *Summary {
	rev := a.src.PrimitiveRevision()

	a.mu.Lock()
	if a.cached != nil && a.cached.Revision == rev {
		s := a.cached
		a.mu.Unlock()
		return s
	}
	if a.computing && a.cached != nil {
		s := a.cached
		a.mu.Unlock()
		return s
	}
	a.computing = true
	a.mu.Unlock()

	// Snapshot first, revision second: if a write lands between the two,
	// the recorded revision is merely older than the data, and the next
	// call recomputes.
	prims := a.src.Primitives()
	rev = a.src.PrimitiveRevision()
	s := Compute(prims, a.rules)
	s.Revision = rev

	a.mu.Lock()
	a.cached = s
	a.computing = false
	a.mu.Unlock()
	return s
}

// NearestNode resolves the settlement node closest to a ground-plane
// point. Satisfies geom.NodeGate for the expansion-gate validator.
func (a *Analyzer) NearestNode(x, z float64) (name string, structures int, ok bool) {
	s := a.Summary()
	best := math.Inf(1)
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if d := geom.DistanceXZ(x, z, n.CenterX, n.CenterZ); d < best {
			best = d
			name = n.Name
			structures = n.StructureCount
			ok = true
		}
	}
	return name, structures, ok
}

// Compute derives the full spatial summary from a primitive set. Pure:
// the same input always produces the same output.
func Compute(prims []*geom.Primitive, rules geom.Rules) *Summary {
	structures := buildStructures(prims)
	nodes := clusterNodes(structures)
	edges := buildEdges(nodes, prims)
	areas := findOpenAreas(prims, nodes, rules)

	return &Summary{
		PrimitiveCount: len(prims),
		Structures:     structures,
		Nodes:          nodes,
		Edges:          edges,
		OpenAreas:      areas,
	}
}
