package datasets

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// ImageShape is the (height, width, channels) shape images are resized to.
type ImageShape struct {
	H int `json:"h"`
	W int `json:"w"`
	C int `json:"c"`
}

// Size returns the number of float32 values of one image.
func (s ImageShape) Size() int { return s.H * s.W * s.C }

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %s", path)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %s", path)
	}
	return img, nil
}

// resizeImage scales src to w x h with bilinear interpolation. 16 bit
// grayscale sources (depth) keep their precision.
func resizeImage(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	rect := image.Rect(0, 0, w, h)
	var dst draw.Image
	switch src.(type) {
	case *image.Gray16:
		dst = image.NewGray16(rect)
	case *image.Gray:
		dst = image.NewGray(rect)
	default:
		dst = image.NewRGBA(rect)
	}
	draw.BiLinear.Scale(dst, rect, src, b, draw.Src, nil)
	return dst
}

// writeBGR writes img into dst as interleaved B,G,R float32 values in
// [0, 255], `stride` values per pixel starting at channel offset 0. When
// flip is set the columns are written in reverse order.
func writeBGR(dst []float32, img image.Image, stride int, flip bool) {
	b := img.Bounds()
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			col := x
			if flip {
				col = w - 1 - x
			}
			base := (y*w + col) * stride
			dst[base+0] = float32(bl >> 8)
			dst[base+1] = float32(g >> 8)
			dst[base+2] = float32(r >> 8)
		}
	}
}

// writeDepth writes the raw depth values of img into channel `channel` of
// dst, `stride` values per pixel.
func writeDepth(dst []float32, img image.Image, stride, channel int, flip bool) {
	b := img.Bounds()
	w := b.Dx()
	gray16, isGray16 := img.(*image.Gray16)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < w; x++ {
			var v float32
			if isGray16 {
				v = float32(gray16.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			} else {
				r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				v = float32(r >> 8)
			}
			col := x
			if flip {
				col = w - 1 - x
			}
			dst[(y*w+col)*stride+channel] = v
		}
	}
}

// subtractMean subtracts mean[c] from every value of channel c of an
// interleaved buffer.
func subtractMean(buf []float32, mean []float32) {
	c := len(mean)
	for i := range buf {
		buf[i] -= mean[i%c]
	}
}

// bgrToImage builds an RGBA image from an interleaved 8-bit BGR buffer.
func bgrToImage(pix []uint8, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.Pix[i*4+0] = pix[i*3+2]
		img.Pix[i*4+1] = pix[i*3+1]
		img.Pix[i*4+2] = pix[i*3+0]
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// depthToImage builds a 16 bit grayscale image from raw depth values.
func depthToImage(depth []uint16, w, h int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range depth {
		img.Pix[i*2] = uint8(v >> 8)
		img.Pix[i*2+1] = uint8(v)
	}
	return img
}
