// Package spatial derives the topological view of the scene: structures
// (connected clusters of primitives), settlement nodes (clusters of
// structures), node-to-node edges, and open-area build candidates. The
// whole summary is a pure function of the primitive set, recomputed on
// demand and cached per revision; nothing here is ever stored.
package spatial

import (
	"math"
	"sort"

	"github.com/milomadeit/gridworld/internal/geom"
)

// Structure is a connected component of non-connector primitives.
// Primitive membership is kept as indices into the snapshot the summary
// was computed from.
type Structure struct {
	ID               int           `json:"id"`
	CenterX          float64       `json:"centerX"`
	CenterZ          float64       `json:"centerZ"`
	Radius           float64       `json:"radius"`
	PrimitiveCount   int           `json:"primitiveCount"`
	Bounds           geom.Bounds   `json:"-"`
	FootprintArea    float64       `json:"footprintArea"`
	DominantCategory geom.Category `json:"dominantCategory"`
	Builders         []string      `json:"builders"`

	primIdx   []int
	catCounts [6]int
}

// dominantShare is the share of a structure's primitives one category must
// hold to dominate; below it the structure reads as mixed.
const dominantShare = 0.35

// buildStructures clusters the snapshot into connected components. When
// non-connector primitives exist, connectors are left out of clustering
// (they are roads, not buildings); a world of nothing but connectors is
// clustered whole so it still produces structures.
func buildStructures(prims []*geom.Primitive) []Structure {
	if len(prims) == 0 {
		return nil
	}

	var member []int
	for i, p := range prims {
		if !geom.IsConnector(p) {
			member = append(member, i)
		}
	}
	if len(member) == 0 {
		member = make([]int, len(prims))
		for i := range prims {
			member[i] = i
		}
	}

	// BFS flood fill over the contiguity relation.
	visited := make([]bool, len(member))
	var structures []Structure

	for start := range member {
		if visited[start] {
			continue
		}
		queue := []int{start}
		visited[start] = true
		var comp []int

		for qi := 0; qi < len(queue); qi++ {
			u := queue[qi]
			comp = append(comp, member[u])
			for v := range member {
				if visited[v] {
					continue
				}
				if geom.Connected(prims[member[u]], prims[member[v]]) {
					visited[v] = true
					queue = append(queue, v)
				}
			}
		}

		structures = append(structures, summarizeStructure(len(structures), comp, prims))
	}

	return structures
}

func summarizeStructure(id int, idx []int, prims []*geom.Primitive) Structure {
	st := Structure{ID: id, primIdx: idx, PrimitiveCount: len(idx)}

	// Equal-weight centroid.
	for _, i := range idx {
		st.CenterX += prims[i].Position.X
		st.CenterZ += prims[i].Position.Z
	}
	st.CenterX /= float64(len(idx))
	st.CenterZ /= float64(len(idx))

	builders := map[string]bool{}
	first := true
	for _, i := range idx {
		p := prims[i]

		d := geom.DistanceXZ(st.CenterX, st.CenterZ, p.Position.X, p.Position.Z) + geom.RadiusXZ(p)
		if d > st.Radius {
			st.Radius = d
		}

		pb := geom.PrimitiveBounds(p)
		if first {
			st.Bounds = pb
			first = false
		} else {
			st.Bounds.MinX = math.Min(st.Bounds.MinX, pb.MinX)
			st.Bounds.MaxX = math.Max(st.Bounds.MaxX, pb.MaxX)
			st.Bounds.MinZ = math.Min(st.Bounds.MinZ, pb.MinZ)
			st.Bounds.MaxZ = math.Max(st.Bounds.MaxZ, pb.MaxZ)
		}

		st.catCounts[geom.InferCategory(p)]++
		if p.OwnerAgentID != "" {
			builders[p.OwnerAgentID] = true
		}
	}

	st.FootprintArea = (st.Bounds.MaxX - st.Bounds.MinX) * (st.Bounds.MaxZ - st.Bounds.MinZ)
	st.DominantCategory = dominantOf(st.catCounts, len(idx))

	st.Builders = make([]string, 0, len(builders))
	for b := range builders {
		st.Builders = append(st.Builders, b)
	}
	sort.Strings(st.Builders)

	return st
}

// dominantOf picks the most common build category if it holds at least
// dominantShare of the total; otherwise mixed. Ties break toward the
// lower-numbered category for determinism.
func dominantOf(counts [6]int, total int) geom.Category {
	best := geom.CategoryMixed
	bestCount := 0
	for _, c := range geom.BuildCategories {
		if counts[c] > bestCount {
			bestCount = counts[c]
			best = c
		}
	}
	if total == 0 || float64(bestCount)/float64(total) < dominantShare {
		return geom.CategoryMixed
	}
	return best
}
