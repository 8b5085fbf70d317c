package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
)

const (
	defaultSide     = 224
	defaultChannels = 3

	// MaxPixels caps the decoded size of an upload; compressed formats can
	// declare dimensions far beyond what the request body suggests.
	MaxPixels = 36_000_000
)

var ErrImageTooLarge = errors.New("image dimensions too large")

// decode reads the header first and refuses images whose pixel count
// exceeds MaxPixels before any pixel buffer is allocated.
func decode(img []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(img))
	return src, err
}

// compile-time check
var _ output.ImagePreprocessor = (*Preprocessor)(nil)

// Preprocessor turns an encoded photo into an NHWC float tensor in [0,1].
type Preprocessor struct{}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

// Tensorize decodes image and resizes it bilinearly to the input's H×W.
// Non-positive dimensions in the input tensor (dynamic axes) fall back to 224×224×3.
func (p *Preprocessor) Tensorize(img []byte, input domain.TensorSpec) (domain.Tensor, error) {
	height, width, channels := inputDims(input.Shape)
	if channels != defaultChannels {
		return domain.Tensor{}, fmt.Errorf("unsupported channel count %d", channels)
	}

	src, err := decode(img)
	if err != nil {
		return domain.Tensor{}, fmt.Errorf("decode image: %w", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	data := make([]float32, 0, height*width*channels)
	for y := 0; y < height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+4]
			data = append(data, float32(px[0])/255, float32(px[1])/255, float32(px[2])/255)
		}
	}

	return domain.Tensor{
		Name:  input.Name,
		Shape: []int64{1, int64(height), int64(width), int64(channels)},
		Data:  data,
	}, nil
}

func inputDims(shape []int64) (height, width, channels int) {
	height, width, channels = defaultSide, defaultSide, defaultChannels
	if len(shape) != 4 {
		return
	}
	if shape[1] > 0 {
		height = int(shape[1])
	}
	if shape[2] > 0 {
		width = int(shape[2])
	}
	if shape[3] > 0 {
		channels = int(shape[3])
	}
	return
}
