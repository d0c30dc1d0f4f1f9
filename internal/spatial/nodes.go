package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/milomadeit/gridworld/internal/geom"
)

// Clustering thresholds for grouping structures into nodes.
const (
	nodeEdgeGap       = 24.0 // structures merge when gap between hulls ≤ this
	nodeExpandOverlap = 16.0 // or when one footprint expanded by this overlaps the other
)

// Tier breakpoints by structure count.
var tierBreaks = []struct {
	min   int
	tier  string
	label string
	rank  int
}{
	{100, "megaopolis", "Megaopolis", 5},
	{50, "metropolis", "Metropolis", 4},
	{25, "city", "City", 3},
	{15, "forest", "Forest", 2},
	{6, "server", "Server", 1},
	{0, "settlement", "Settlement", 0},
}

// Node is a settlement node: a cluster of structures with a tier, a
// dominant category, and connections to its neighbors.
type Node struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Tier              string        `json:"tier"`
	CenterX           float64       `json:"centerX"`
	CenterZ           float64       `json:"centerZ"`
	Radius            float64       `json:"radius"`
	StructureCount    int           `json:"structureCount"`
	PrimitiveCount    int           `json:"primitiveCount"`
	DominantCategory  geom.Category `json:"dominantCategory"`
	MissingCategories []string      `json:"missingCategories"`
	Builders          []string      `json:"builders"`
	Connections       []Connection  `json:"connections"`

	structIdx []int
	catCounts [6]int
	tierRank  int
}

// Connection is one entry in a node's capped neighbor list.
type Connection struct {
	NodeID       string  `json:"nodeId"`
	NodeName     string  `json:"nodeName"`
	Distance     float64 `json:"distance"`
	HasConnector bool    `json:"hasConnector"`
}

// clusterNodes flood-fills structures into settlement nodes and names
// them deterministically. Output is sorted by (tier rank desc, structure
// count desc) so names stay stable under small perturbations.
func clusterNodes(structures []Structure) []Node {
	if len(structures) == 0 {
		return nil
	}

	visited := make([]bool, len(structures))
	var nodes []Node

	for start := range structures {
		if visited[start] {
			continue
		}
		queue := []int{start}
		visited[start] = true
		var comp []int

		for qi := 0; qi < len(queue); qi++ {
			u := queue[qi]
			comp = append(comp, u)
			for v := range structures {
				if visited[v] {
					continue
				}
				if structuresAdjacent(&structures[u], &structures[v]) {
					visited[v] = true
					queue = append(queue, v)
				}
			}
		}

		nodes = append(nodes, summarizeNode(comp, structures))
	}

	// World centroid over structures, weighted by primitive count, anchors
	// the compass naming.
	var wx, wz, weight float64
	for i := range structures {
		w := float64(structures[i].PrimitiveCount)
		wx += structures[i].CenterX * w
		wz += structures[i].CenterZ * w
		weight += w
	}
	wx /= weight
	wz /= weight

	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].tierRank != nodes[j].tierRank {
			return nodes[i].tierRank > nodes[j].tierRank
		}
		if nodes[i].StructureCount != nodes[j].StructureCount {
			return nodes[i].StructureCount > nodes[j].StructureCount
		}
		if nodes[i].PrimitiveCount != nodes[j].PrimitiveCount {
			return nodes[i].PrimitiveCount > nodes[j].PrimitiveCount
		}
		// Final tiebreak on position keeps equal-rank ordering stable.
		if nodes[i].CenterX != nodes[j].CenterX {
			return nodes[i].CenterX < nodes[j].CenterX
		}
		return nodes[i].CenterZ < nodes[j].CenterZ
	})

	nameNodes(nodes, wx, wz)
	return nodes
}

func structuresAdjacent(a, b *Structure) bool {
	gap := geom.DistanceXZ(a.CenterX, a.CenterZ, b.CenterX, b.CenterZ) - a.Radius - b.Radius
	if gap <= nodeEdgeGap {
		return true
	}
	return a.Bounds.ExpandXZ(nodeExpandOverlap).OverlapsXZ(b.Bounds, 0)
}

func summarizeNode(comp []int, structures []Structure) Node {
	n := Node{structIdx: comp, StructureCount: len(comp)}

	// Primitive-weighted centroid.
	var weight float64
	builders := map[string]bool{}
	for _, si := range comp {
		st := &structures[si]
		w := float64(st.PrimitiveCount)
		n.CenterX += st.CenterX * w
		n.CenterZ += st.CenterZ * w
		weight += w
		n.PrimitiveCount += st.PrimitiveCount
		for c, cnt := range st.catCounts {
			n.catCounts[c] += cnt
		}
		for _, b := range st.Builders {
			builders[b] = true
		}
	}
	n.CenterX /= weight
	n.CenterZ /= weight

	for _, si := range comp {
		st := &structures[si]
		if r := geom.DistanceXZ(n.CenterX, n.CenterZ, st.CenterX, st.CenterZ) + st.Radius; r > n.Radius {
			n.Radius = r
		}
	}

	for _, tb := range tierBreaks {
		if n.StructureCount >= tb.min {
			n.Tier = tb.tier
			n.tierRank = tb.rank
			break
		}
	}

	n.DominantCategory = dominantOf(n.catCounts, n.PrimitiveCount)

	for _, c := range geom.BuildCategories {
		if n.catCounts[c] == 0 {
			n.MissingCategories = append(n.MissingCategories, c.String())
		}
	}

	n.Builders = make([]string, 0, len(builders))
	for b := range builders {
		n.Builders = append(n.Builders, b)
	}
	sort.Strings(n.Builders)

	return n
}

var compassNames = [...]string{
	"North", "Northeast", "East", "Southeast",
	"South", "Southwest", "West", "Northwest",
}

// centralRadius within which a node is named Central rather than by
// compass direction.
const centralRadius = 30.0

// nameNodes assigns "<Direction> <TierLabel> <n>" names. The per-direction
// sequence index follows the already-sorted node order, so the highest
// ranked node in each direction is number 1.
func nameNodes(nodes []Node, centroidX, centroidZ float64) {
	seq := map[string]int{}
	for i := range nodes {
		n := &nodes[i]
		dir := "Central"
		if geom.DistanceXZ(n.CenterX, n.CenterZ, centroidX, centroidZ) >= centralRadius {
			dir = compassDirection(n.CenterX-centroidX, n.CenterZ-centroidZ)
		}

		label := "Settlement"
		for _, tb := range tierBreaks {
			if tb.tier == n.Tier {
				label = tb.label
				break
			}
		}

		seq[dir]++
		n.Name = fmt.Sprintf("%s %s %d", dir, label, seq[dir])
		n.ID = fmt.Sprintf("node-%d", i+1)
	}
}

// compassDirection buckets a direction vector into one of eight names.
// -Z is north, matching the renderer's camera convention.
func compassDirection(dx, dz float64) string {
	angle := math.Atan2(dx, -dz) // 0 = north, clockwise positive
	if angle < 0 {
		angle += 2 * math.Pi
	}
	sector := int(math.Floor(angle/(math.Pi/4) + 0.5)) % 8
	return compassNames[sector]
}
