package imaging

import (
	"bytes"
	"image"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	log "github.com/sirupsen/logrus"

	output "incident-detector-service/internal/core/ports/output"
)

// DefaultBlurThreshold is the Laplacian variance below which a photo is
// considered too soft to be an original capture.
const DefaultBlurThreshold = 50.0

var (
	phoneMakes  = []string{"apple", "samsung", "xiaomi", "oppo", "vivo", "huawei", "google"}
	phoneModels = []string{"iphone", "galaxy", "pixel", "redmi", "android"}
)

// compile-time check
var _ output.FakePhotoDetector = (*FakePhotoDetector)(nil)

// FakePhotoDetector flags photos that were taken on a phone or are blurry
// enough to be a picture of a screen. Each check fails open.
type FakePhotoDetector struct {
	blurThreshold float64
}

func NewFakePhotoDetector(blurThreshold float64) *FakePhotoDetector {
	if blurThreshold <= 0 {
		blurThreshold = DefaultBlurThreshold
	}
	return &FakePhotoDetector{blurThreshold: blurThreshold}
}

func (d *FakePhotoDetector) IsFake(img []byte) bool {
	if phoneCamera(img) {
		log.Debug("fake photo check: phone camera exif")
		return true
	}

	src, err := decode(img)
	if err != nil {
		return false
	}
	variance := laplacianVariance(grayscale(src))
	if variance < d.blurThreshold {
		log.WithField("laplacian_var", variance).Debug("fake photo check: blurry")
		return true
	}
	return false
}

func phoneCamera(img []byte) bool {
	x, err := exif.Decode(bytes.NewReader(img))
	if err != nil {
		return false
	}
	return tagContains(x, exif.Make, phoneMakes) || tagContains(x, exif.Model, phoneModels)
}

func tagContains(x *exif.Exif, field exif.FieldName, needles []string) bool {
	tag, err := x.Get(field)
	if err != nil {
		return false
	}
	val, err := tag.StringVal()
	if err != nil {
		return false
	}
	val = strings.ToLower(val)
	for _, n := range needles {
		if strings.Contains(val, n) {
			return true
		}
	}
	return false
}

// grayMatrix is a row-major 8-bit luma image.
type grayMatrix struct {
	w, h int
	pix  []uint8
}

// grayscale converts with BT.601 luma weights, rounding to the nearest level.
func grayscale(src image.Image) grayMatrix {
	b := src.Bounds()
	g := grayMatrix{w: b.Dx(), h: b.Dy(), pix: make([]uint8, b.Dx()*b.Dy())}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			r, gr, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			lum := 0.299*float64(r>>8) + 0.587*float64(gr>>8) + 0.114*float64(bl>>8)
			g.pix[y*g.w+x] = uint8(lum + 0.5)
		}
	}
	return g
}

// laplacianVariance is the variance of the 4-neighbour Laplacian response,
// with reflected borders (the pixel at the edge is not repeated).
func laplacianVariance(g grayMatrix) float64 {
	n := g.w * g.h
	if n == 0 {
		return 0
	}

	at := func(x, y int) float64 {
		return float64(g.pix[reflect101(y, g.h)*g.w+reflect101(x, g.w)])
	}

	var sum, sumSq float64
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			v := at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
			sum += v
			sumSq += v * v
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}
