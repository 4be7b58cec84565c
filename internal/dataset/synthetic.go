package dataset

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Synthetic generates n deterministic imageSize x imageSize images in [0,1]
// for demos and soak runs. Each image is a handful of horizontal and
// vertical strokes on a dark background, loosely resembling handwriting.
func Synthetic(n, imageSize int, seed uint64) *mat.Dense {
	r := rand.New(rand.NewPCG(seed, seed+1))
	pixels := imageSize * imageSize
	images := mat.NewDense(n, pixels, nil)

	for i := 0; i < n; i++ {
		img := images.RawRowView(i)
		strokes := 2 + r.IntN(4)
		for s := 0; s < strokes; s++ {
			length := imageSize/4 + r.IntN(imageSize/2+1)
			x, y := r.IntN(imageSize), r.IntN(imageSize)
			intensity := 0.5 + 0.5*r.Float64()
			vertical := r.IntN(2) == 0

			for k := 0; k < length; k++ {
				px, py := x, y
				if vertical {
					py += k
				} else {
					px += k
				}
				if px >= imageSize || py >= imageSize {
					break
				}
				idx := py*imageSize + px
				img[idx] = max(img[idx], intensity)
			}
		}
	}
	return images
}

// OneHotImages returns n images that each light a single, distinct pixel
// (spread evenly over the image while n <= imageSize^2).
func OneHotImages(n, imageSize int) *mat.Dense {
	pixels := imageSize * imageSize
	images := mat.NewDense(n, pixels, nil)
	stride := max(pixels/n, 1)
	for i := 0; i < n; i++ {
		images.Set(i, (i*stride)%pixels, 1)
	}
	return images
}
