// Package blueprint holds the named build recipes agents can execute and
// resolves them from relative offsets into absolute world coordinates.
package blueprint

import (
	"fmt"
	"strings"

	"github.com/milomadeit/gridworld/internal/geom"
)

// Piece is one primitive of a recipe, positioned relative to the anchor.
// Offset.Y is the absolute resting height of the piece (anchors sit on the
// ground plane, so vertical placement never depends on the anchor).
type Piece struct {
	Shape    geom.Shape `json:"shape"`
	Offset   geom.Vec3  `json:"offset"`
	Rotation geom.Vec3  `json:"rotation"`
	Scale    geom.Vec3  `json:"scale"`
	Color    string     `json:"color"`
}

// PhaseSpec is a named stage of a recipe. Phases exist for progress
// reporting; execution is strictly piece-by-piece across phase boundaries.
type PhaseSpec struct {
	Name   string  `json:"name"`
	Pieces []Piece `json:"pieces"`
}

// Blueprint is a named recipe of relatively-positioned pieces.
type Blueprint struct {
	Name   string      `json:"name"`
	Phases []PhaseSpec `json:"phases"`
}

// Phase is the resolved per-phase summary carried on an active plan.
type Phase struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ResolvedPiece is a recipe piece translated to absolute coordinates.
type ResolvedPiece struct {
	Shape    geom.Shape `json:"shape"`
	Position geom.Vec3  `json:"position"`
	Rotation geom.Vec3  `json:"rotation"`
	Scale    geom.Vec3  `json:"scale"`
	Color    string     `json:"color"`
}

// Resolved is a blueprint pinned to an anchor: every piece in absolute
// coordinates plus the XZ footprint the plan reserves while active.
type Resolved struct {
	Name      string          `json:"name"`
	AnchorX   float64         `json:"anchorX"`
	AnchorZ   float64         `json:"anchorZ"`
	Pieces    []ResolvedPiece `json:"pieces"`
	Phases    []Phase         `json:"phases"`
	Footprint geom.Bounds     `json:"footprint"`
}

// TotalPieces returns the piece count across all phases.
func (b *Blueprint) TotalPieces() int {
	n := 0
	for _, ph := range b.Phases {
		n += len(ph.Pieces)
	}
	return n
}

// Resolve pins the blueprint to an anchor point on the ground plane.
func (b *Blueprint) Resolve(anchorX, anchorZ float64) *Resolved {
	r := &Resolved{
		Name:    b.Name,
		AnchorX: anchorX,
		AnchorZ: anchorZ,
	}
	first := true
	for _, ph := range b.Phases {
		r.Phases = append(r.Phases, Phase{Name: ph.Name, Count: len(ph.Pieces)})
		for _, pc := range ph.Pieces {
			rp := ResolvedPiece{
				Shape: pc.Shape,
				Position: geom.Vec3{
					X: anchorX + pc.Offset.X,
					Y: pc.Offset.Y,
					Z: anchorZ + pc.Offset.Z,
				},
				Rotation: pc.Rotation,
				Scale:    pc.Scale,
				Color:    pc.Color,
			}
			r.Pieces = append(r.Pieces, rp)

			pb := geom.PrimitiveBounds(&geom.Primitive{
				Shape: rp.Shape, Position: rp.Position, Scale: rp.Scale,
			})
			if first {
				r.Footprint = pb
				first = false
				continue
			}
			if pb.MinX < r.Footprint.MinX {
				r.Footprint.MinX = pb.MinX
			}
			if pb.MaxX > r.Footprint.MaxX {
				r.Footprint.MaxX = pb.MaxX
			}
			if pb.MinZ < r.Footprint.MinZ {
				r.Footprint.MinZ = pb.MinZ
			}
			if pb.MaxZ > r.Footprint.MaxZ {
				r.Footprint.MaxZ = pb.MaxZ
			}
		}
	}
	return r
}

// Lookup finds a blueprint by name, case-insensitively.
func Lookup(name string) (*Blueprint, error) {
	bp, ok := catalog[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown blueprint %q", name)
	}
	return bp, nil
}

// Names returns the catalog entries in registration order.
func Names() []string {
	names := make([]string, len(catalogOrder))
	copy(names, catalogOrder)
	return names
}

var (
	catalog      = map[string]*Blueprint{}
	catalogOrder []string
)

func register(b *Blueprint) {
	catalog[b.Name] = b
	catalogOrder = append(catalogOrder, b.Name)
}

func init() {
	register(bridge())
	register(watchtower())
	register(cottage())
	register(plaza())
}

// bridge is an 11-piece road span: two footings, a 5-segment deck, and
// 4 posts.
func bridge() *Blueprint {
	// Deck segments stay slightly apart so each rests on the ground
	// rather than registering its neighbor as a support.
	deck := func(x float64) Piece {
		return Piece{
			Shape:  geom.ShapeBox,
			Offset: geom.Vec3{X: x, Y: 0.1, Z: 0},
			Scale:  geom.Vec3{X: 3.8, Y: 0.2, Z: 2.5},
			Color:  "#8a7b66",
		}
	}
	post := func(x, z float64) Piece {
		return Piece{
			Shape:  geom.ShapeCylinder,
			Offset: geom.Vec3{X: x, Y: 0.8, Z: z},
			Scale:  geom.Vec3{X: 0.3, Y: 1.2, Z: 0.3},
			Color:  "#5e5143",
		}
	}
	return &Blueprint{
		Name: "BRIDGE",
		Phases: []PhaseSpec{
			{
				Name: "footings",
				Pieces: []Piece{
					{Shape: geom.ShapeBox, Offset: geom.Vec3{X: -12, Y: 0.25, Z: 0}, Scale: geom.Vec3{X: 2, Y: 0.5, Z: 3}, Color: "#6d6a63"},
					{Shape: geom.ShapeBox, Offset: geom.Vec3{X: 12, Y: 0.25, Z: 0}, Scale: geom.Vec3{X: 2, Y: 0.5, Z: 3}, Color: "#6d6a63"},
				},
			},
			{
				Name:   "deck",
				Pieces: []Piece{deck(-8), deck(-4), deck(0), deck(4), deck(8)},
			},
			{
				Name:   "railings",
				Pieces: []Piece{post(-6, 1.2), post(-6, -1.2), post(6, 1.2), post(6, -1.2)},
			},
		},
	}
}

func watchtower() *Blueprint {
	wall := func(x, z, ry float64) Piece {
		return Piece{
			Shape:    geom.ShapeBox,
			Offset:   geom.Vec3{X: x, Y: 2, Z: z},
			Rotation: geom.Vec3{Y: ry},
			Scale:    geom.Vec3{X: 0.5, Y: 4, Z: 3},
			Color:    "#7d7468",
		}
	}
	return &Blueprint{
		Name: "WATCHTOWER",
		Phases: []PhaseSpec{
			{
				Name: "base",
				Pieces: []Piece{
					{Shape: geom.ShapeCylinder, Offset: geom.Vec3{Y: 0.5}, Scale: geom.Vec3{X: 4, Y: 1, Z: 4}, Color: "#6d6a63"},
				},
			},
			{
				Name:   "walls",
				Pieces: []Piece{wall(-1.6, 0, 0), wall(1.6, 0, 0), wall(0, -1.6, 1.5708), wall(0, 1.6, 1.5708)},
			},
			{
				Name: "crown",
				Pieces: []Piece{
					{Shape: geom.ShapeCylinder, Offset: geom.Vec3{Y: 4.25}, Scale: geom.Vec3{X: 3.5, Y: 0.5, Z: 3.5}, Color: "#8a8276"},
					{Shape: geom.ShapeCone, Offset: geom.Vec3{Y: 5.5}, Scale: geom.Vec3{X: 3, Y: 2, Z: 3}, Color: "#9a4a3b"},
				},
			},
		},
	}
}

func cottage() *Blueprint {
	return &Blueprint{
		Name: "COTTAGE",
		Phases: []PhaseSpec{
			{
				Name: "shell",
				Pieces: []Piece{
					{Shape: geom.ShapeBox, Offset: geom.Vec3{Y: 1.25}, Scale: geom.Vec3{X: 5, Y: 2.5, Z: 4}, Color: "#b9a888"},
				},
			},
			{
				Name: "roof",
				Pieces: []Piece{
					{Shape: geom.ShapeBox, Offset: geom.Vec3{X: -1.7, Y: 2.9}, Rotation: geom.Vec3{Z: 0.35}, Scale: geom.Vec3{X: 3.2, Y: 0.3, Z: 4.4}, Color: "#7a4a35"},
					{Shape: geom.ShapeBox, Offset: geom.Vec3{X: 1.7, Y: 2.9}, Rotation: geom.Vec3{Z: -0.35}, Scale: geom.Vec3{X: 3.2, Y: 0.3, Z: 4.4}, Color: "#7a4a35"},
				},
			},
			{
				Name: "garden",
				Pieces: []Piece{
					{Shape: geom.ShapeCone, Offset: geom.Vec3{X: 4, Y: 1, Z: 2.5}, Scale: geom.Vec3{X: 1.2, Y: 2, Z: 1.2}, Color: "#3f7a3f"},
					{Shape: geom.ShapeSphere, Offset: geom.Vec3{X: -3.5, Y: 0.4, Z: -2.5}, Scale: geom.Vec3{X: 0.8, Y: 0.8, Z: 0.8}, Color: "#4c8a4c"},
				},
			},
		},
	}
}

func plaza() *Blueprint {
	lamp := func(x, z float64) Piece {
		return Piece{
			Shape:  geom.ShapeCylinder,
			Offset: geom.Vec3{X: x, Y: 1.25, Z: z},
			Scale:  geom.Vec3{X: 0.2, Y: 2.5, Z: 0.2},
			Color:  "#4a4a52",
		}
	}
	return &Blueprint{
		Name: "PLAZA",
		Phases: []PhaseSpec{
			{
				Name: "pavement",
				Pieces: []Piece{
					{Shape: geom.ShapePlane, Offset: geom.Vec3{Y: 0.01}, Scale: geom.Vec3{X: 12, Y: 0.02, Z: 12}, Color: "#9c9589"},
				},
			},
			{
				Name: "fountain",
				Pieces: []Piece{
					{Shape: geom.ShapeCylinder, Offset: geom.Vec3{Y: 0.3}, Scale: geom.Vec3{X: 3, Y: 0.6, Z: 3}, Color: "#8b95a3"},
					{Shape: geom.ShapeSphere, Offset: geom.Vec3{Y: 1.2}, Scale: geom.Vec3{X: 1.2, Y: 1.2, Z: 1.2}, Color: "#6fa7c7"},
				},
			},
			{
				Name:   "lamps",
				Pieces: []Piece{lamp(-5, -5), lamp(5, -5), lamp(-5, 5), lamp(5, 5)},
			},
		},
	}
}
