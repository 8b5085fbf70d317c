package ports

import "context"

// Captioner describes an image in one sentence. Failures are folded into
// the returned text; it never returns an error.
type Captioner interface {
	Caption(ctx context.Context, image []byte) string
}

// FakePhotoDetector flags staged or re-photographed images. Any internal
// failure reports false.
type FakePhotoDetector interface {
	IsFake(image []byte) bool
}
