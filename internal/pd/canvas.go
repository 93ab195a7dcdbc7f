package pd

// Canvas is a Pd patch window. Subpatches are canvases too, and appear
// as [pd name] boxes on their parent.
type Canvas struct {
	*Box

	name        string
	boxes       []*Box
	nextID      int
	interactive bool
}

func newCanvas(p *Pd, name string) *Canvas {
	c := &Canvas{name: name}
	c.Box = newBox(p, KindObj, "pd", name)
	c.Box.name = "pd"
	c.Box.sub = c
	return c
}

// CanvasName is the name Pd knows the canvas by (without the pd- prefix).
func (c *Canvas) CanvasName() string { return c.name }

// Boxes returns the boxes added since the last Clear.
func (c *Canvas) Boxes() []*Box { return append([]*Box(nil), c.boxes...) }

// Interactive reports whether new boxes are sent as soon as they are
// added. Render switches it on.
func (c *Canvas) Interactive() bool { return c.interactive }

// SetInteractive switches between immediate and batched creation.
func (c *Canvas) SetInteractive(on bool) { c.interactive = on }

// Add puts box on the canvas. In interactive mode it is created right
// away at the top left corner.
func (c *Canvas) Add(box Node) *Box {
	b := box.node()
	c.boxes = append(c.boxes, b)
	if c.interactive {
		c.renderBox(b, Point{10, 10})
	}
	return b
}

// Obj adds an object box with a literal Pd name, e.g. c.Obj("==", 3).
func (c *Canvas) Obj(name string, args ...any) *Box {
	b := newBox(c.pd, KindObj, append([]any{name}, args...)...)
	b.name = name
	return c.Add(b)
}

// Make adds an object named by ObjectName(ident): Make("Osc_", 440) is
// [osc~ 440].
func (c *Canvas) Make(ident string, args ...any) *Box {
	return c.Obj(ObjectName(ident), args...)
}

// Msg adds a message box. Commas inside string arguments are escaped;
// pass "," as its own argument to separate messages.
func (c *Canvas) Msg(args ...any) *Box {
	return c.Add(newBox(c.pd, KindMsg, escapeCommas(args)...))
}

func (c *Canvas) Number(args ...any) *Box {
	return c.Add(newBox(c.pd, KindNumber, args...))
}

func (c *Canvas) Symbol(args ...any) *Box {
	return c.Add(newBox(c.pd, KindSymbol, args...))
}

func (c *Canvas) Bang(name string) *Box    { return c.gui(KindBang, name) }
func (c *Canvas) HSlider(name string) *Box { return c.gui(KindHSlider, name) }
func (c *Canvas) VSlider(name string) *Box { return c.gui(KindVSlider, name) }

// gui adds a GUI box. An empty name gets a generated selector.
func (c *Canvas) gui(kind Kind, name string) *Box {
	if name == "" {
		name = c.pd.genName(string(kind))
	}
	b := newBox(c.pd, kind, name)
	b.name = name
	return c.Add(b)
}

// Recv adds an [r selector] object. An empty selector is generated.
func (c *Canvas) Recv(selector string) *Recv {
	if selector == "" {
		selector = c.pd.genName("recv")
	}
	return &Recv{Box: c.Obj("r", selector), Selector: selector}
}

// Subpatch adds a [pd name] box whose contents render with it.
func (c *Canvas) Subpatch(name string) *Canvas {
	sub := newCanvas(c.pd, name)
	c.Add(sub)
	return sub
}

// Render places and creates every box not yet on the canvas, then sends
// any connections not yet made. The canvas is interactive afterwards.
func (c *Canvas) Render() {
	var pending []*Box
	for _, b := range c.boxes {
		if !b.placed {
			pending = append(pending, b)
		}
	}
	coords := c.pd.newPlacer().Place(pending)
	for _, b := range pending {
		c.renderBox(b, coords[b])
	}
	for _, b := range c.boxes {
		for _, conn := range b.Outgoing() {
			c.renderConn(conn)
		}
	}
	c.interactive = true
}

func (c *Canvas) renderBox(b *Box, at Point) {
	cmds := b.place(at.X, at.Y, c.nextID)
	c.nextID++
	for _, cmd := range cmds {
		if b.kind.IsGUI() {
			c.pd.paceGUI()
		}
		c.SendCmd(cmd...)
	}
	if b.sub != nil {
		b.sub.Render()
	}
}

// renderConn skips wires whose far end is not on the canvas yet; a later
// Render picks them up.
func (c *Canvas) renderConn(conn *Connection) {
	if conn.rendered || !conn.From.Box.placed || !conn.To.Box.placed {
		return
	}
	conn.rendered = true
	c.SendCmd("connect", conn.From.Box.id, conn.From.Idx, conn.To.Box.id, conn.To.Idx)
}

// SendCmd sends a message addressed to this canvas.
func (c *Canvas) SendCmd(args ...any) {
	c.pd.SendCmd(append([]any{"pd-" + c.name}, args...)...)
}

// Clear removes every box. Pd numbers boxes from zero again afterwards.
func (c *Canvas) Clear() {
	c.boxes = nil
	c.nextID = 0
	c.SendCmd("clear")
}
