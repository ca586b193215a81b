package imageloader

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

var ErrDecode = errors.New("not a decodable image")

type encoder interface {
	Encode(w io.Writer, img image.Image) error
}

type jpegEncoder struct{ quality int }

func (e jpegEncoder) Encode(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: e.quality})
}

type pngEncoder struct{}

func (pngEncoder) Encode(w io.Writer, img image.Image) error { return png.Encode(w, img) }

// encoderFor keeps jpeg as jpeg; everything else, including webp which has
// no encoder here, is re-encoded as png.
func encoderFor(format string) encoder {
	if format == "jpeg" {
		return jpegEncoder{quality: 85}
	}
	return pngEncoder{}
}

// Resize scales an encoded image down to fit inside width x height, keeping
// the aspect ratio. A zero dimension is unconstrained. Images that already
// fit are returned as is, without being decoded.
func Resize(data []byte, width, height int) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	w, h, ok := fitInside(cfg.Width, cfg.Height, width, height)
	if !ok {
		return data, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := encoderFor(format).Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// fitInside returns the scaled size and whether scaling down is needed.
func fitInside(srcW, srcH, maxW, maxH int) (int, int, bool) {
	if srcW <= 0 || srcH <= 0 || (maxW <= 0 && maxH <= 0) {
		return srcW, srcH, false
	}
	scale := 1.0
	if maxW > 0 {
		scale = min(scale, float64(maxW)/float64(srcW))
	}
	if maxH > 0 {
		scale = min(scale, float64(maxH)/float64(srcH))
	}
	if scale >= 1 {
		return srcW, srcH, false
	}
	return max(1, int(float64(srcW)*scale)), max(1, int(float64(srcH)*scale)), true
}
