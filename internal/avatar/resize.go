package avatar

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// DefaultSize is the edge length of processed avatars in pixels.
const DefaultSize = 250

// ErrDecode is returned when the input is not a supported image.
var ErrDecode = errors.New("unsupported or corrupt image")

// Image is a processed avatar.
type Image struct {
	Data        []byte
	Format      string
	ContentType string
}

// Resizer cover-crops images to a square.
type Resizer struct{}

func NewResizer() *Resizer {
	return &Resizer{}
}

// Resize scales data so that it covers a size x size square and crops the
// overflow around the center. The output keeps the input's format.
func (r *Resizer) Resize(data []byte, size int) (Image, error) {
	if size <= 0 {
		size = DefaultSize
	}

	_, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	format, err := imaging.FormatFromExtension(name)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	dst := imaging.Fill(src, size, size, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, format); err != nil {
		return Image{}, fmt.Errorf("encode avatar: %w", err)
	}

	return Image{
		Data:        buf.Bytes(),
		Format:      name,
		ContentType: "image/" + name,
	}, nil
}
