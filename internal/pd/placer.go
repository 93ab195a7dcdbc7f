package pd

// Point is a canvas coordinate.
type Point struct{ X, Y int }

// Placer picks coordinates for boxes about to be rendered. Boxes already
// on the canvas keep their position and may be read as anchors.
type Placer interface {
	Place(boxes []*Box) map[*Box]Point
}

// BreadthFirst lays roots out left to right along the top and hangs each
// child below its leftmost parent, shifted right per sibling.
type BreadthFirst struct {
	Left, Top    int
	XStep, YStep int

	left     int
	coords   map[*Box]Point
	children map[*Box]int
}

func NewBreadthFirst() *BreadthFirst {
	return &BreadthFirst{Left: 10, Top: 10, XStep: 80, YStep: 20}
}

func (p *BreadthFirst) Place(boxes []*Box) map[*Box]Point {
	p.left = p.Left
	p.coords = make(map[*Box]Point, len(boxes))
	p.children = map[*Box]int{}

	want := make(map[*Box]bool, len(boxes))
	var queue []*Box
	for _, b := range boxes {
		want[b] = true
		if b.Parent() == nil {
			queue = append(queue, b)
		}
	}

	placed := make(map[*Box]Point, len(boxes))
	stalled := 0
	for len(placed) < len(boxes) {
		if len(queue) == 0 {
			// Everything left hangs off a cycle or an unrendered parent.
			for _, b := range boxes {
				if _, ok := placed[b]; !ok {
					queue = append(queue, b)
					break
				}
			}
		}
		b := queue[0]
		queue = queue[1:]
		if _, ok := p.coords[b]; ok || !want[b] {
			continue
		}
		pt, ok := p.place(b, stalled > len(queue))
		if !ok {
			queue = append(queue, b)
			stalled++
			continue
		}
		stalled = 0
		p.coords[b] = pt
		placed[b] = pt
		queue = append(queue, b.Children()...)
	}
	return placed
}

func (p *BreadthFirst) place(b *Box, asRoot bool) (Point, bool) {
	parent := b.Parent()
	if parent == nil || asRoot {
		p.left += p.XStep
		return Point{p.left, p.Top}, true
	}
	at, ok := p.coords[parent]
	if !ok {
		if !parent.placed {
			return Point{}, false
		}
		at = Point{parent.x, parent.y}
	}
	pt := Point{at.X + p.XStep*p.children[parent], at.Y + p.YStep}
	p.children[parent]++
	return pt, true
}
