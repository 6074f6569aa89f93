package convert

import "github.com/rtg-microscopy/mingest/internal/imaging"

// Downsample halves a plane with a 2×2 mean. Odd edges average the
// samples that exist.
func Downsample(p *imaging.Plane) *imaging.Plane {
	w, h := (p.Width+1)/2, (p.Height+1)/2
	out := imaging.NewPlane(w, h, p.Type)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			var n int
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					sx, sy := 2*x+dx, 2*y+dy
					if sx < p.Width && sy < p.Height {
						sum += p.At(sx, sy)
						n++
					}
				}
			}
			out.Set(x, y, sum/float64(n))
		}
	}
	return out
}

// LevelCount returns how many resolution levels a width×height image
// gets: the full resolution plus halvings until the image fits in one
// tile, capped at maxLevels.
func LevelCount(width, height, tile, maxLevels int) int {
	if maxLevels < 1 {
		maxLevels = 1
	}
	n := 1
	for (width > tile || height > tile) && n < maxLevels {
		width, height = (width+1)/2, (height+1)/2
		n++
	}
	return n
}

// Pyramid returns the plane followed by levels-1 successive halvings.
func Pyramid(p *imaging.Plane, levels int) []*imaging.Plane {
	out := make([]*imaging.Plane, 0, levels)
	out = append(out, p)
	for len(out) < levels {
		out = append(out, Downsample(out[len(out)-1]))
	}
	return out
}
