package pd

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the creation command that makes a box.
type Kind string

const (
	KindObj     Kind = "obj"
	KindMsg     Kind = "msg"
	KindNumber  Kind = "floatatom"
	KindSymbol  Kind = "symbolatom"
	KindBang    Kind = "bng"
	KindHSlider Kind = "hslider"
	KindVSlider Kind = "vslider"
)

// IsGUI reports whether the kind is placed by simulated mouse events
// instead of creation coordinates.
func (k Kind) IsGUI() bool {
	return k == KindBang || k == KindHSlider || k == KindVSlider
}

// Node is anything that can stand for a box in a connection: *Box and the
// types that embed it.
type Node interface {
	node() *Box
}

// Box is one box on a canvas.
type Box struct {
	pd   *Pd
	kind Kind
	args []any
	name string // object name or GUI selector

	out []*Connection
	in  []inEdge

	placed bool
	x, y   int
	id     int

	sub *Canvas // set when the box is a subpatch
}

type inEdge struct {
	idx  int
	from *Box
}

// Connection is a wire from an outlet to an inlet.
type Connection struct {
	From     Outlet
	To       Inlet
	rendered bool
}

// Inlet addresses a numbered inlet of a box. It is not a Pd [inlet].
type Inlet struct {
	Box *Box
	Idx int
}

// Outlet addresses a numbered outlet of a box. It is not a Pd [outlet].
type Outlet struct {
	Box *Box
	Idx int
}

func newBox(p *Pd, kind Kind, args ...any) *Box {
	return &Box{pd: p, kind: kind, args: args}
}

func (b *Box) node() *Box { return b }

func (b *Box) Kind() Kind { return b.kind }
func (b *Box) Args() []any {
	return append([]any(nil), b.args...)
}

// Name is the object name for obj boxes and the selector for GUI boxes.
func (b *Box) Name() string { return b.name }

// ID is the 0-based index Pd assigned the box on its canvas; ok is false
// until the box is rendered.
func (b *Box) ID() (id int, ok bool) { return b.id, b.placed }

// Pos returns the coordinates the box was placed at.
func (b *Box) Pos() (x, y int) { return b.x, b.y }

func (b *Box) In(i int) Inlet   { return Inlet{Box: b, Idx: i} }
func (b *Box) Out(i int) Outlet { return Outlet{Box: b, Idx: i} }

// Patch connects outlet 0 of b to inlet 0 of to and returns to's box, so
// chains read left to right: osc.Patch(vol).Patch(dac).
func (b *Box) Patch(to Node) *Box {
	return b.Out(0).Connect(to.node().In(0))
}

// Connect wires o to in and returns in's box.
func (o Outlet) Connect(in Inlet) *Box {
	o.Box.out = append(o.Box.out, &Connection{From: o, To: in})
	in.Box.in = append(in.Box.in, inEdge{idx: in.Idx, from: o.Box})
	return in.Box
}

// Parents returns the boxes wired into b, ordered by inlet.
func (b *Box) Parents() []*Box {
	edges := append([]inEdge(nil), b.in...)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].idx < edges[j].idx })
	out := make([]*Box, len(edges))
	for i, e := range edges {
		out[i] = e.from
	}
	return out
}

// Parent returns the leftmost parent, or nil.
func (b *Box) Parent() *Box {
	var best *inEdge
	for i := range b.in {
		if best == nil || b.in[i].idx < best.idx {
			best = &b.in[i]
		}
	}
	if best == nil {
		return nil
	}
	return best.from
}

// Outgoing returns b's connections ordered by outlet.
func (b *Box) Outgoing() []*Connection {
	out := append([]*Connection(nil), b.out...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].From.Idx < out[j].From.Idx })
	return out
}

// Children returns the boxes b feeds, ordered by outlet.
func (b *Box) Children() []*Box {
	conns := b.Outgoing()
	out := make([]*Box, len(conns))
	for i, c := range conns {
		out[i] = c.To.Box
	}
	return out
}

func (b *Box) place(x, y, id int) [][]any {
	b.x, b.y, b.id, b.placed = x, y, id, true
	if b.kind.IsGUI() {
		return [][]any{
			{string(b.kind), b.name},
			{"motion", x, y, 0},
			{"mouseup", x, y, 1, 0},
			// Deselect.
			{"mouse", 4, 4, 1, 0},
			{"mouseup", 4, 4, 1, 0},
		}
	}
	cmd := make([]any, 0, 3+len(b.args))
	cmd = append(cmd, string(b.kind), x, y)
	cmd = append(cmd, b.args...)
	return [][]any{cmd}
}

func (b *Box) String() string {
	parts := make([]string, 0, len(b.args))
	for _, a := range b.args {
		parts = append(parts, fmt.Sprint(a))
	}
	return fmt.Sprintf("%s(%s)", b.kind, strings.Join(parts, " "))
}

// Recv is an [r selector] object that shards can send to.
type Recv struct {
	*Box
	Selector string
}

// Send delivers args to the receiver by its selector.
func (r *Recv) Send(args ...any) {
	r.pd.SendCmd(append([]any{r.Selector}, args...)...)
}

func escapeCommas(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			a = strings.ReplaceAll(s, ",", `\,`)
		}
		out[i] = a
	}
	return out
}
