package spatial

import (
	"math"
	"sort"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/milomadeit/gridworld/internal/geom"
)

// OpenArea is a sampled candidate coordinate for the next build,
// classified by distance to the nearest primitive.
type OpenArea struct {
	X               float64 `json:"x"`
	Z               float64 `json:"z"`
	NearestBuild    float64 `json:"nearestBuild"`
	Type            string  `json:"type"` // growth | connector | frontier
	NearestNodeID   string  `json:"nearestNodeId,omitempty"`
	NearestNodeName string  `json:"nearestNodeName,omitempty"`
	NearestNodeTier string  `json:"nearestNodeTier,omitempty"`
}

// Sampling parameters for open-area detection.
const (
	sampleStep = 20.0  // grid step over the world AABB
	samplePad  = 120.0 // grid extends this far past the world bounds

	growthMin    = 12.0 // below this a sample is inside a build site
	connectorMin = 34.0

	keepFrontier  = 5
	keepConnector = 4
	keepGrowth    = 5
	keepTotal     = 12
)

// Target distances for scoring: a candidate closer to its type's sweet
// spot ranks higher.
const (
	growthTarget    = 20.0
	connectorTarget = 80.0
	frontierTarget  = 300.0
)

// noise jitters the fallback ring samples. The seed is fixed so the
// analyzer stays deterministic for a given primitive set.
var noise = opensimplex.NewNormalized(1039)

// findOpenAreas samples the padded world grid and keeps the best few
// candidates per type. When no nodes exist yet it falls back to ring
// samples around the build centroid, or fixed frontier seeds for an
// empty world.
func findOpenAreas(prims []*geom.Primitive, nodes []Node, rules geom.Rules) []OpenArea {
	if len(prims) == 0 {
		return seedFrontierPoints(rules)
	}
	if len(nodes) == 0 {
		return ringSamples(prims, rules)
	}

	frontierMax := math.Min(rules.FrontierMax, rules.SettlementMax-1)
	bounds := geom.BoundingBox(prims).ExpandXZ(samplePad)

	var growth, connector, frontier []OpenArea
	for x := math.Floor(bounds.MinX/sampleStep) * sampleStep; x <= bounds.MaxX; x += sampleStep {
		for z := math.Floor(bounds.MinZ/sampleStep) * sampleStep; z <= bounds.MaxZ; z += sampleStep {
			if math.Hypot(x, z) < rules.OriginExclusion {
				continue
			}
			d := geom.DistanceToNearest(x, z, prims)

			area := OpenArea{X: x, Z: z, NearestBuild: d}
			switch {
			case d >= growthMin && d < connectorMin:
				area.Type = "growth"
				growth = append(growth, area)
			case d >= connectorMin && d < rules.FrontierMin:
				area.Type = "connector"
				connector = append(connector, area)
			case d >= rules.FrontierMin && d <= frontierMax:
				area.Type = "frontier"
				frontier = append(frontier, area)
			}
		}
	}

	pick := func(areas []OpenArea, target float64, keep int) []OpenArea {
		sort.SliceStable(areas, func(i, j int) bool {
			si := math.Abs(areas[i].NearestBuild - target)
			sj := math.Abs(areas[j].NearestBuild - target)
			if si != sj {
				return si < sj
			}
			if areas[i].X != areas[j].X {
				return areas[i].X < areas[j].X
			}
			return areas[i].Z < areas[j].Z
		})
		if len(areas) > keep {
			areas = areas[:keep]
		}
		return areas
	}

	out := append(pick(frontier, frontierTarget, keepFrontier), pick(connector, connectorTarget, keepConnector)...)
	out = append(out, pick(growth, growthTarget, keepGrowth)...)

	// Deduplicate by coordinate and cap.
	seen := map[[2]float64]bool{}
	dedup := out[:0]
	for _, a := range out {
		key := [2]float64{a.X, a.Z}
		if seen[key] {
			continue
		}
		seen[key] = true
		dedup = append(dedup, a)
		if len(dedup) == keepTotal {
			break
		}
	}
	out = dedup

	for i := range out {
		attachNearestNode(&out[i], nodes)
	}
	return out
}

func attachNearestNode(a *OpenArea, nodes []Node) {
	best := math.Inf(1)
	for i := range nodes {
		n := &nodes[i]
		if d := geom.DistanceXZ(a.X, a.Z, n.CenterX, n.CenterZ); d < best {
			best = d
			a.NearestNodeID = n.ID
			a.NearestNodeName = n.Name
			a.NearestNodeTier = n.Tier
		}
	}
}

// ringSamples proposes growth points on a ring around the centroid of the
// existing primitives, with a little deterministic jitter so the ring
// does not look machine-stamped.
func ringSamples(prims []*geom.Primitive, rules geom.Rules) []OpenArea {
	var cx, cz float64
	for _, p := range prims {
		cx += p.Position.X
		cz += p.Position.Z
	}
	cx /= float64(len(prims))
	cz /= float64(len(prims))

	const ringRadius = 25.0
	const ringPoints = 8

	var out []OpenArea
	for i := 0; i < ringPoints && len(out) < keepTotal; i++ {
		angle := 2 * math.Pi * float64(i) / ringPoints
		jitter := (noise.Eval2(float64(i), 0.5) - 0.5) * 8
		r := ringRadius + jitter
		x := cx + r*math.Cos(angle)
		z := cz + r*math.Sin(angle)
		if math.Hypot(x, z) < rules.OriginExclusion {
			continue
		}
		out = append(out, OpenArea{
			X:            x,
			Z:            z,
			NearestBuild: geom.DistanceToNearest(x, z, prims),
			Type:         "growth",
		})
	}
	return out
}

// seedFrontierPoints is the empty-world fallback: fixed spots well clear
// of the origin exclusion zone.
func seedFrontierPoints(rules geom.Rules) []OpenArea {
	r := rules.OriginExclusion * 2
	coords := [][2]float64{
		{r, 0}, {0, r}, {-r, 0}, {0, -r},
		{r, r}, {-r, -r},
	}
	out := make([]OpenArea, 0, len(coords))
	for _, c := range coords {
		// NearestBuild 0: there is nothing to be near yet.
		out = append(out, OpenArea{X: c[0], Z: c[1], Type: "frontier"})
	}
	return out
}
