package httpapi

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"github.com/srwiley/rasterx"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f32"
	"golang.org/x/image/math/fixed"

	"seedhammer.com/axidraw"
	"seedhammer.com/svgconv"
)

// previewSize bounds the longest edge of a /svg/preview thumbnail, in
// pixels. supersampleFactor renders internally at a multiple of that and
// downscales with a smoothing filter, since rasterx's dasher alone
// produces aliased strokes at thumbnail scale.
const (
	previewSize       = 512
	supersampleFactor = 2
)

// renderPreview rasterizes cmds into a thumbnail bitmap scaled to fit
// bounds: a rasterx.Dasher fed Move/Line pen transitions one command at a
// time. The supersampled render is downscaled with golang.org/x/image/draw's
// CatmullRom filter for an antialiased result.
func renderPreview(cmds []axidraw.Command, bounds svgconv.Bounds) draw.Image {
	w, h := previewSize*supersampleFactor, previewSize*supersampleFactor
	spanX := bounds.MaxX - bounds.MinX
	spanY := bounds.MaxY - bounds.MinY
	scale := float32(1)
	if spanX > 0 && spanY > 0 {
		scale = float32(w) / float32(maxFloat(spanX, spanY))
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	dasher := rasterx.NewDasher(w, h, scanner)
	dasher.SetStroke(fixed.I(2), 0, rasterx.RoundCap, rasterx.RoundCap, rasterx.RoundGap, rasterx.ArcClip, nil, 0)
	dasher.SetColor(color.Black)

	started := false
	toPixel := func(x, y float64) f32.Vec2 {
		return f32.Vec2{
			(float32(x) - float32(bounds.MinX)) * scale,
			(float32(y) - float32(bounds.MinY)) * scale,
		}
	}
	var pen f32.Vec2
	penDown := false
	for _, c := range cmds {
		switch c.Op {
		case "moveTo":
			if started {
				dasher.Stop(false)
				started = false
			}
			pen = toPixel(c.X, c.Y)
			penDown = false
		case "lineTo", "move":
			// lineTo and move carry relative deltas.
			p := f32.Vec2{pen[0] + float32(c.X)*scale, pen[1] + float32(c.Y)*scale}
			if c.Op == "lineTo" || penDown {
				if !started {
					dasher.Start(rasterx.ToFixedP(float64(pen[0]), float64(pen[1])))
					started = true
				}
				dasher.Line(rasterx.ToFixedP(float64(p[0]), float64(p[1])))
			}
			pen = p
		case "penDown":
			penDown = true
		case "penUp":
			penDown = false
			if started {
				dasher.Stop(false)
				started = false
			}
		}
	}
	if started {
		dasher.Stop(false)
	}
	dasher.Draw()

	thumb := image.NewRGBA(image.Rect(0, 0, previewSize, previewSize))
	xdraw.CatmullRom.Scale(thumb, thumb.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return thumb
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func encodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}
