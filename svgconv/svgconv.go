// Package svgconv defines the interface boundary to the SVG-to-commands
// converter that §1 marks out of scope ("a pure function: SVG text +
// options ⇒ command list + bounds"), plus one small reference
// implementation (Basic) sufficient to exercise the job queue's SVG job
// type end to end. A full bezier/arc-capable converter plugs in behind the
// same interface; Basic understands straight-line path data and a handful
// of basic shape elements only.
package svgconv

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"seedhammer.com/axidraw"
)

// Bounds is the axis-aligned bounding box of a converted drawing, in the
// same units as the emitted commands' coordinates (millimeters).
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Options configures a conversion.
type Options struct {
	// ScaleToFit, if non-zero, scales the drawing uniformly so its
	// longest dimension equals this many millimeters.
	ScaleToFit float64
	// PenUpSpeed and PenDownSpeed, inches/second, override the facade's
	// defaults for emitted move/lineTo commands when non-zero.
	PenUpSpeed, PenDownSpeed float64
}

// Converter turns SVG text into an expanded command sequence and its
// bounds (§1 "SVG-to-commands converter").
type Converter interface {
	Convert(svg string, opts Options) ([]axidraw.Command, Bounds, error)
}

// Basic is a reference Converter understanding <line>, <polyline>, <rect>
// elements and straight-line (M/L/H/V/Z) path data. Curves, arcs, and
// transforms are out of scope for Basic; a production deployment swaps in
// a fuller converter behind the same Converter interface.
type Basic struct{}

type svgDoc struct {
	XMLName   xml.Name    `xml:"svg"`
	Paths     []svgPath   `xml:"path"`
	Lines     []svgLine   `xml:"line"`
	Polylines []svgPoly   `xml:"polyline"`
	Rects     []svgRect   `xml:"rect"`
}

type svgPath struct {
	D string `xml:"d,attr"`
}

type svgLine struct {
	X1 float64 `xml:"x1,attr"`
	Y1 float64 `xml:"y1,attr"`
	X2 float64 `xml:"x2,attr"`
	Y2 float64 `xml:"y2,attr"`
}

type svgPoly struct {
	Points string `xml:"points,attr"`
}

type svgRect struct {
	X      float64 `xml:"x,attr"`
	Y      float64 `xml:"y,attr"`
	Width  float64 `xml:"width,attr"`
	Height float64 `xml:"height,attr"`
}

// Convert implements Converter.
func (Basic) Convert(svg string, opts Options) ([]axidraw.Command, Bounds, error) {
	var doc svgDoc
	if err := xml.Unmarshal([]byte(svg), &doc); err != nil {
		return nil, Bounds{}, fmt.Errorf("svgconv: parse svg: %w", err)
	}
	var polylines [][][2]float64
	for _, p := range doc.Paths {
		pts, err := parsePathData(p.D)
		if err != nil {
			return nil, Bounds{}, err
		}
		if len(pts) > 0 {
			polylines = append(polylines, pts)
		}
	}
	for _, l := range doc.Lines {
		polylines = append(polylines, [][2]float64{{l.X1, l.Y1}, {l.X2, l.Y2}})
	}
	for _, pl := range doc.Polylines {
		pts, err := parsePoints(pl.Points)
		if err != nil {
			return nil, Bounds{}, err
		}
		if len(pts) > 0 {
			polylines = append(polylines, pts)
		}
	}
	for _, r := range doc.Rects {
		polylines = append(polylines, [][2]float64{
			{r.X, r.Y},
			{r.X + r.Width, r.Y},
			{r.X + r.Width, r.Y + r.Height},
			{r.X, r.Y + r.Height},
			{r.X, r.Y},
		})
	}
	if len(polylines) == 0 {
		return nil, Bounds{}, fmt.Errorf("svgconv: no drawable elements found")
	}

	bounds := boundsOf(polylines)
	scale := 1.0
	if opts.ScaleToFit > 0 {
		span := bounds.MaxX - bounds.MinX
		if h := bounds.MaxY - bounds.MinY; h > span {
			span = h
		}
		if span > 0 {
			scale = opts.ScaleToFit / span
		}
	}

	var cmds []axidraw.Command
	for _, pts := range polylines {
		x0, y0 := (pts[0][0]-bounds.MinX)*scale, (pts[0][1]-bounds.MinY)*scale
		cmds = append(cmds, axidraw.Command{Op: "moveTo", X: x0, Y: y0, Unit: axidraw.UnitMM, Speed: opts.PenUpSpeed})
		for _, pt := range pts[1:] {
			x, y := (pt[0]-bounds.MinX)*scale, (pt[1]-bounds.MinY)*scale
			cmds = append(cmds, axidraw.Command{Op: "lineTo", X: x - x0, Y: y - y0, Unit: axidraw.UnitMM, Speed: opts.PenDownSpeed})
			x0, y0 = x, y
		}
		cmds = append(cmds, axidraw.Command{Op: "penUp"})
	}
	scaledBounds := Bounds{
		MinX: 0, MinY: 0,
		MaxX: (bounds.MaxX - bounds.MinX) * scale,
		MaxY: (bounds.MaxY - bounds.MinY) * scale,
	}
	return cmds, scaledBounds, nil
}

func boundsOf(polylines [][][2]float64) Bounds {
	b := Bounds{MinX: polylines[0][0][0], MaxX: polylines[0][0][0], MinY: polylines[0][0][1], MaxY: polylines[0][0][1]}
	for _, pts := range polylines {
		for _, pt := range pts {
			if pt[0] < b.MinX {
				b.MinX = pt[0]
			}
			if pt[0] > b.MaxX {
				b.MaxX = pt[0]
			}
			if pt[1] < b.MinY {
				b.MinY = pt[1]
			}
			if pt[1] > b.MaxY {
				b.MaxY = pt[1]
			}
		}
	}
	return b
}

// parsePathData parses the straight-line subset of SVG path data: M, L, H,
// V, Z, in absolute or relative form. Curve commands (C, S, Q, T, A) are
// rejected with an error naming the offending command.
func parsePathData(d string) ([][2]float64, error) {
	toks := tokenizePath(d)
	var pts [][2]float64
	var cur [2]float64
	var start [2]float64
	i := 0
	for i < len(toks) {
		cmd := toks[i][0]
		i++
		switch cmd {
		case 'M', 'm':
			x, y, err := readPair(toks, &i)
			if err != nil {
				return nil, err
			}
			if cmd == 'm' && len(pts) > 0 {
				x, y = cur[0]+x, cur[1]+y
			}
			cur = [2]float64{x, y}
			start = cur
			pts = append(pts, cur)
		case 'L', 'l':
			x, y, err := readPair(toks, &i)
			if err != nil {
				return nil, err
			}
			if cmd == 'l' {
				x, y = cur[0]+x, cur[1]+y
			}
			cur = [2]float64{x, y}
			pts = append(pts, cur)
		case 'H', 'h':
			x, err := readNum(toks, &i)
			if err != nil {
				return nil, err
			}
			if cmd == 'h' {
				x += cur[0]
			}
			cur = [2]float64{x, cur[1]}
			pts = append(pts, cur)
		case 'V', 'v':
			y, err := readNum(toks, &i)
			if err != nil {
				return nil, err
			}
			if cmd == 'v' {
				y += cur[1]
			}
			cur = [2]float64{cur[0], y}
			pts = append(pts, cur)
		case 'Z', 'z':
			cur = start
			pts = append(pts, cur)
		default:
			return nil, fmt.Errorf("svgconv: unsupported path command %q (Basic only supports M/L/H/V/Z)", cmd)
		}
	}
	return pts, nil
}

// tokenizePath splits path data into tokens, each either a single command
// letter or one number string; the numbers after a command token are
// consumed by readPair/readNum via the shared index.
func tokenizePath(d string) []string {
	d = strings.TrimSpace(d)
	var toks []string
	var cur strings.Builder
	for _, r := range d {
		switch {
		case strings.ContainsRune("MmLlHhVvZz", r):
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
			toks = append(toks, string(r))
		case r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		case r == '-' && cur.Len() > 0 && cur.String()[cur.Len()-1] != 'e':
			toks = append(toks, cur.String())
			cur.Reset()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	// Re-merge: tokens are a mix of single-letter commands and number
	// strings; readPair/readNum consume numbers starting right after the
	// command token, so leave as-is.
	return toks
}

func readNum(toks []string, i *int) (float64, error) {
	if *i >= len(toks) {
		return 0, fmt.Errorf("svgconv: unexpected end of path data")
	}
	if len(toks[*i]) == 1 && strings.ContainsRune("MmLlHhVvZz", rune(toks[*i][0])) {
		return 0, fmt.Errorf("svgconv: expected number, got command %q", toks[*i])
	}
	v, err := strconv.ParseFloat(toks[*i], 64)
	if err != nil {
		return 0, fmt.Errorf("svgconv: malformed number %q: %w", toks[*i], err)
	}
	*i++
	return v, nil
}

func readPair(toks []string, i *int) (x, y float64, err error) {
	x, err = readNum(toks, i)
	if err != nil {
		return 0, 0, err
	}
	y, err = readNum(toks, i)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func parsePoints(s string) ([][2]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("svgconv: polyline points has odd field count")
	}
	var pts [][2]float64
	for i := 0; i < len(fields); i += 2 {
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("svgconv: malformed point %q: %w", fields[i], err)
		}
		y, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("svgconv: malformed point %q: %w", fields[i+1], err)
		}
		pts = append(pts, [2]float64{x, y})
	}
	return pts, nil
}

// Export renders a path history (facade action/path history points) to a
// minimal single-document SVG: one <polyline> per contiguous pen-down run,
// the mirror operation of Convert used by §4.D "Path export" and the
// `/path` HTTP endpoint.
func Export(points []axidraw.PathPoint, stepsToMM func(int) float64) string {
	var b strings.Builder
	b.WriteString(`<svg xmlns="http://www.w3.org/2000/svg">` + "\n")
	var run [][2]float64
	flush := func() {
		if len(run) < 2 {
			run = nil
			return
		}
		b.WriteString(`  <polyline points="`)
		for i, pt := range run {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%g,%g", pt[0], pt[1])
		}
		b.WriteString(`" fill="none" stroke="black"/>` + "\n")
		run = nil
	}
	for _, p := range points {
		if !p.PenDown {
			flush()
			continue
		}
		run = append(run, [2]float64{stepsToMM(p.X), stepsToMM(p.Y)})
	}
	flush()
	b.WriteString("</svg>\n")
	return b.String()
}
