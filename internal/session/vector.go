package session

import (
	"bytes"
	"errors"
	"fmt"
	"hlswall/internal/media"
	"image"
	"math"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

var errNoViewBox = errors.New("svg has no size")

// RasterizeSVG renders an SVG document into an RGBA frame fitting
// width x height, keeping the aspect ratio of its view box. Unsupported
// elements are skipped. A zero size renders at the document's own size.
func RasterizeSVG(data []byte, width, height int) (*media.Frame, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data), oksvg.WarnErrorMode)
	if err != nil {
		return nil, fmt.Errorf("decode svg: %w", err)
	}
	vw, vh := icon.ViewBox.W, icon.ViewBox.H
	if vw <= 0 || vh <= 0 {
		return nil, fmt.Errorf("decode svg: %w", errNoViewBox)
	}

	scale := 1.0
	if width > 0 && height > 0 {
		scale = math.Min(float64(width)/vw, float64(height)/vh)
	}
	w := max(1, int(math.Round(vw*scale)))
	h := max(1, int(math.Round(vh*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	icon.SetTarget(0, 0, float64(w), float64(h))
	scanner := rasterx.NewScannerGV(w, h, dst, dst.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1)

	return &media.Frame{Image: media.Image{
		Pix:    dst.Pix,
		Width:  w,
		Height: h,
		Stride: dst.Stride,
		Format: media.RGBA,
	}}, nil
}
