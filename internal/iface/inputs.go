package iface

import (
	"context"
	"fmt"
	"image"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"demoserve/internal/perturb"
	"demoserve/internal/render"
	"demoserve/pkg/types"
)

// SaveImage writes img as a PNG with a random name under dir and returns the
// file name relative to dir.
func SaveImage(dir string, img image.Image) (string, error) {
	name := "input_" + uuid.NewString() + ".png"
	if err := imaging.Save(img, filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("save flagged image: %w", err)
	}
	return name, nil
}

// Textbox is a free-text input.
type Textbox struct {
	Lines       int
	Placeholder string
}

func (Textbox) Name() string { return "textbox" }

func (t Textbox) JSContext() render.Context {
	lines := t.Lines
	if lines <= 0 {
		lines = 1
	}
	return render.Context{{Key: "lines", Value: lines}, {Key: "placeholder", Value: t.Placeholder}}
}

func (Textbox) Preprocess(_ context.Context, raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, InputError{Msg: fmt.Sprintf("textbox expects a string, got %T", raw)}
	}
	return s, nil
}

func (Textbox) RebuildFlagged(_ string, data types.FlagData) (any, error) {
	return data.Input, nil
}

func (Textbox) SaveToFile(dir string, img image.Image) (any, error) {
	return SaveImage(dir, img)
}

// Image is an RGB image input preprocessed into a [1][224][224][3] tensor
// scaled to [-1, 1].
type Image struct{}

func (Image) Name() string { return "image" }

func (Image) JSContext() render.Context {
	return render.Context{{Key: "width", Value: perturb.Size}, {Key: "height", Value: perturb.Size}}
}

func (Image) Preprocess(_ context.Context, raw any) (any, error) {
	img, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	return perturb.Tensor(perturb.Normalize(img)), nil
}

func (Image) RebuildFlagged(dir string, data types.FlagData) (any, error) {
	return rebuildImage(dir, data)
}

func (Image) SaveToFile(dir string, img image.Image) (any, error) {
	return SaveImage(dir, img)
}

// Sketchpad is a drawing canvas preprocessed into a [1][28][28] grayscale
// array scaled to [0, 1].
type Sketchpad struct{}

const sketchSize = 28

func (Sketchpad) Name() string { return "sketchpad" }

func (Sketchpad) JSContext() render.Context {
	return render.Context{{Key: "canvas_size", Value: sketchSize * 10}, {Key: "stroke_width", Value: 20}}
}

func (Sketchpad) Preprocess(_ context.Context, raw any) (any, error) {
	img, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	return perturb.Grayscale(img, sketchSize), nil
}

func (Sketchpad) RebuildFlagged(dir string, data types.FlagData) (any, error) {
	return rebuildImage(dir, data)
}

func (Sketchpad) SaveToFile(dir string, img image.Image) (any, error) {
	return SaveImage(dir, img)
}

func decodeRaw(raw any) (image.Image, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, InputError{Msg: fmt.Sprintf("image input expects a base64 string, got %T", raw)}
	}
	img, err := perturb.DecodeBase64(s)
	if err != nil {
		return nil, InputError{Msg: err.Error()}
	}
	return img, nil
}

func rebuildImage(dir string, data types.FlagData) (any, error) {
	img, err := decodeRaw(data.Input)
	if err != nil {
		return nil, err
	}
	return SaveImage(dir, img)
}
