package svgconv

import (
	"testing"

	"seedhammer.com/axidraw"
)

func TestConvertLine(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg"><line x1="0" y1="0" x2="10" y2="0"/></svg>`
	cmds, bounds, err := Basic{}.Convert(svg, Options{})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("got %d commands, want moveTo+lineTo+penUp", len(cmds))
	}
	if cmds[0].Op != "moveTo" || cmds[1].Op != "lineTo" || cmds[2].Op != "penUp" {
		t.Fatalf("commands = %+v", cmds)
	}
	if bounds.MaxX != 10 {
		t.Fatalf("bounds = %+v, want MaxX=10", bounds)
	}
}

func TestConvertPathMLHV(t *testing.T) {
	svg := `<svg><path d="M0,0 L10,0 V10 H0 Z"/></svg>`
	cmds, _, err := Basic{}.Convert(svg, Options{})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	// moveTo + 4 lineTos (L, V, H, Z) + penUp
	if len(cmds) != 6 {
		t.Fatalf("got %d commands, want 6: %+v", len(cmds), cmds)
	}
}

func TestConvertRejectsCurves(t *testing.T) {
	svg := `<svg><path d="M0,0 C1,1 2,2 3,3"/></svg>`
	if _, _, err := (Basic{}).Convert(svg, Options{}); err == nil {
		t.Fatal("expected error for curve command")
	}
}

func TestConvertScaleToFit(t *testing.T) {
	svg := `<svg><rect x="0" y="0" width="100" height="50"/></svg>`
	_, bounds, err := Basic{}.Convert(svg, Options{ScaleToFit: 50})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if bounds.MaxX != 50 {
		t.Fatalf("bounds = %+v, want MaxX=50 after scale-to-fit", bounds)
	}
}

func TestConvertNoElementsErrors(t *testing.T) {
	if _, _, err := (Basic{}).Convert(`<svg></svg>`, Options{}); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestExportProducesPolylinePerPenDownRun(t *testing.T) {
	points := []axidraw.PathPoint{
		{X: 0, Y: 0, PenDown: false},
		{X: 100, Y: 0, PenDown: true},
		{X: 100, Y: 100, PenDown: true},
		{X: 200, Y: 200, PenDown: false},
	}
	svg := Export(points, func(s int) float64 { return float64(s) / 10 })
	if svg == "" {
		t.Fatal("expected non-empty SVG")
	}
	if !contains(svg, "<polyline") {
		t.Fatalf("expected a polyline element, got %q", svg)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
