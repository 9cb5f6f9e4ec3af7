// Package perturb decodes front-end images and produces the rotated and
// re-lit variants used by the automatic robustness diagnostics.
package perturb

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
)

// Size is the edge length images are resized to before perturbation.
const Size = 224

// ErrEmptyImage is returned when the request carries no image data.
var ErrEmptyImage = errors.New("empty image data")

// Step is one perturbed image together with its log message.
type Step struct {
	Image   *image.NRGBA
	Message string
}

// DecodeBase64 decodes a base64 image, accepting an optional data URL prefix
// such as "data:image/png;base64,".
func DecodeBase64(s string) (*image.NRGBA, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	if s == "" {
		return nil, ErrEmptyImage
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return imaging.Clone(img), nil
}

// EncodeBase64 encodes img as a PNG data URL.
func EncodeBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RGB drops the alpha channel, leaving colour values untouched.
func RGB(img image.Image) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		c.A = 0xff
		return c
	})
}

// Normalize converts img to opaque RGB and resizes it to Size x Size.
func Normalize(img image.Image) *image.NRGBA {
	return imaging.Resize(RGB(img), Size, Size, imaging.NearestNeighbor)
}

// Rotate turns img counter-clockwise by deg degrees, keeping its size and
// filling uncovered corners with black.
func Rotate(img *image.NRGBA, deg float64) *image.NRGBA {
	b := img.Bounds()
	r := imaging.Rotate(img, deg, color.Black)
	return imaging.CropCenter(r, b.Dx(), b.Dy())
}

// Brighten scales every colour channel by factor, clamping to 255. A factor
// of 0 yields a black image and 1 the original.
func Brighten(img *image.NRGBA, factor float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: scale(c.R, factor), G: scale(c.G, factor), B: scale(c.B, factor), A: c.A}
	})
}

func scale(v uint8, f float64) uint8 {
	x := float64(v)*f + 0.5
	if x > 255 {
		return 255
	}
	if x < 0 {
		return 0
	}
	return uint8(x)
}

// Rotations returns the nine rotations from -180 to 180 degrees in steps of 45.
func Rotations(img *image.NRGBA) []Step {
	steps := make([]Step, 0, 9)
	for deg := -180; deg <= 180; deg += 45 {
		steps = append(steps, Step{
			Image:   Rotate(img, float64(deg)),
			Message: fmt.Sprintf("rotation by %d degrees", deg),
		})
	}
	return steps
}

// Lightings returns nine brightness variants with factors 0, 0.25, ..., 2.
func Lightings(img *image.NRGBA) []Step {
	steps := make([]Step, 0, 9)
	for i := 0; i < 9; i++ {
		steps = append(steps, Step{
			Image:   Brighten(img, float64(i)/4),
			Message: fmt.Sprintf("brighting adjustment by a factor of %d", i),
		})
	}
	return steps
}

// Tensor converts img into a batch of one HxWx3 array scaled to [-1, 1].
func Tensor(img *image.NRGBA) [][][][]float64 {
	b := img.Bounds()
	rows := make([][][]float64, b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := make([][]float64, b.Dx())
		for x := 0; x < b.Dx(); x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			p := img.Pix[i : i+3 : i+3]
			row[x] = []float64{float64(p[0])/127.5 - 1, float64(p[1])/127.5 - 1, float64(p[2])/127.5 - 1}
		}
		rows[y] = row
	}
	return [][][][]float64{rows}
}

// Grayscale converts img to a batch of one HxW array scaled to [0, 1].
func Grayscale(img image.Image, size int) [][][]float64 {
	g := imaging.Resize(imaging.Grayscale(img), size, size, imaging.NearestNeighbor)
	rows := make([][]float64, size)
	for y := 0; y < size; y++ {
		row := make([]float64, size)
		for x := 0; x < size; x++ {
			row[x] = float64(g.Pix[g.PixOffset(x, y)]) / 255
		}
		rows[y] = row
	}
	return [][][]float64{rows}
}
