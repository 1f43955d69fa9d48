package layout

import (
	"image"

	"golang.org/x/image/draw"
)

// Render draws p onto a white grayscale canvas the size of the screen. Text
// is drawn with r; images are fetched with load and scaled into their boxes.
// Glyphs r cannot produce and images load fails on are left blank.
func Render(p *Page, s Settings, r Rasterizer, load func(path string) (image.Image, error)) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	origin := image.Pt(s.MarginLeft, s.MarginTop)

	for _, l := range p.Lines {
		for _, run := range l.Runs {
			x := origin.X + run.X
			for _, ch := range run.Text {
				g, err := r.Glyph(ch, run.Face)
				if err != nil {
					continue
				}
				dr := g.Bounds.Add(image.Pt(x, origin.Y+l.Y))
				draw.DrawMask(dst, dr, image.Black, image.Point{}, g.Mask, g.MaskPt, draw.Over)
				x += g.Advance
			}
		}
	}

	if load == nil {
		return dst
	}
	for _, im := range p.Images {
		src, err := load(im.Path)
		if err != nil {
			continue
		}
		box := image.Rect(im.X, im.Y, im.X+im.Width, im.Y+im.Height).Add(origin)
		draw.ApproxBiLinear.Scale(dst, box, src, src.Bounds(), draw.Over, nil)
	}
	return dst
}
