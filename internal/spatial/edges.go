package spatial

import (
	"math"
	"sort"

	"github.com/milomadeit/gridworld/internal/geom"
)

const (
	// maxEdgeDistance is the farthest two node centers can be and still be
	// considered for an edge.
	maxEdgeDistance = 220.0
	// autoConnectGap links dense neighbors even without a visible road.
	autoConnectGap = 65.0
	// maxConnections caps each node's neighbor list.
	maxConnections = 5
)

// Edge is an unordered link between two settlement nodes.
type Edge struct {
	A            string  `json:"a"` // node id
	B            string  `json:"b"`
	Distance     float64 `json:"distance"`
	HasConnector bool    `json:"hasConnector"`
}

// buildEdges finds node pairs that are linked: either a connector
// primitive lies along the segment between their centers, or the gap
// between their hulls is small enough to auto-connect. Each node keeps at
// most its five nearest connections.
func buildEdges(nodes []Node, prims []*geom.Primitive) []Edge {
	if len(nodes) < 2 {
		return nil
	}

	var connectors []*geom.Primitive
	for _, p := range prims {
		if geom.IsConnector(p) {
			connectors = append(connectors, p)
		}
	}

	type candidate struct {
		edge  Edge
		other int
	}
	perNode := make([][]candidate, len(nodes))

	var edges []Edge
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			a, b := &nodes[i], &nodes[j]
			dist := geom.DistanceXZ(a.CenterX, a.CenterZ, b.CenterX, b.CenterZ)
			if dist > maxEdgeDistance {
				continue
			}

			hasConnector := connectorAlongSegment(a, b, connectors)
			gap := dist - a.Radius - b.Radius
			if !hasConnector && gap > autoConnectGap {
				continue
			}

			e := Edge{A: a.ID, B: b.ID, Distance: dist, HasConnector: hasConnector}
			perNode[i] = append(perNode[i], candidate{edge: e, other: j})
			perNode[j] = append(perNode[j], candidate{edge: e, other: i})
			edges = append(edges, e)
		}
	}

	// Cap connection lists at the five nearest.
	for i := range nodes {
		cands := perNode[i]
		sort.Slice(cands, func(x, y int) bool { return cands[x].edge.Distance < cands[y].edge.Distance })
		if len(cands) > maxConnections {
			cands = cands[:maxConnections]
		}
		for _, c := range cands {
			o := &nodes[c.other]
			nodes[i].Connections = append(nodes[i].Connections, Connection{
				NodeID:       o.ID,
				NodeName:     o.Name,
				Distance:     c.edge.Distance,
				HasConnector: c.edge.HasConnector,
			})
		}
	}

	return edges
}

// connectorAlongSegment reports whether some connector primitive lies
// near the interior of the segment between two node centers. Endpoints
// are excluded (t clamped to the open interval) so geometry inside either
// node does not register as a road between them.
func connectorAlongSegment(a, b *Node, connectors []*geom.Primitive) bool {
	dx := b.CenterX - a.CenterX
	dz := b.CenterZ - a.CenterZ
	lenSq := dx*dx + dz*dz
	if lenSq == 0 {
		return false
	}

	for _, c := range connectors {
		t := ((c.Position.X-a.CenterX)*dx + (c.Position.Z-a.CenterZ)*dz) / lenSq
		if t <= 0.1 || t >= 0.9 {
			continue
		}
		px := a.CenterX + t*dx
		pz := a.CenterZ + t*dz
		tolerance := math.Max(5, 1.5*geom.RadiusXZ(c))
		if geom.DistanceXZ(c.Position.X, c.Position.Z, px, pz) <= tolerance {
			return true
		}
	}
	return false
}
