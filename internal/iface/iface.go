// Package iface defines the capability bundle the prediction server is
// built around: an input component, an output component, a model and an
// optional saliency function.
package iface

import (
	"context"
	"errors"
	"image"
	"net/http"

	"demoserve/internal/render"
	"demoserve/pkg/types"
)

// Model maps a preprocessed input to a raw prediction. Implementations used
// without SerializePredict must be safe for concurrent use.
type Model interface {
	Predict(ctx context.Context, input any) (any, error)
}

// ModelFunc adapts a plain function to Model.
type ModelFunc func(ctx context.Context, input any) (any, error)

// Predict calls f.
func (f ModelFunc) Predict(ctx context.Context, input any) (any, error) { return f(ctx, input) }

// SaliencyFunc computes a saliency map for a preprocessed input and its raw
// prediction. The result must marshal to nested numeric JSON arrays.
type SaliencyFunc func(ctx context.Context, model Model, input, prediction any) (any, error)

// Input converts front-end payloads into model inputs and persists flagged
// samples.
type Input interface {
	// Name selects static/js/interfaces/input/<name>.js.
	Name() string
	// JSContext is rendered into the input's JS include.
	JSContext() render.Context
	Preprocess(ctx context.Context, raw any) (any, error)
	// RebuildFlagged persists the flagged input under dir and returns the
	// value stored in the flag log.
	RebuildFlagged(dir string, data types.FlagData) (any, error)
	// SaveToFile stores a generated image under dir and returns the value
	// stored in the flag log.
	SaveToFile(dir string, img image.Image) (any, error)
}

// Output converts raw predictions into front-end payloads.
type Output interface {
	Name() string
	JSContext() render.Context
	Postprocess(ctx context.Context, prediction any) (any, error)
	RebuildFlagged(dir string, data types.FlagData) (any, error)
}

// Interface binds a model to its input and output components. It is shared
// by all requests and never mutated by the server.
type Interface struct {
	Input    Input
	Output   Output
	Model    Model
	Saliency SaliencyFunc // optional
}

// Validate reports missing mandatory capabilities.
func (i *Interface) Validate() error {
	switch {
	case i == nil:
		return errors.New("interface is nil")
	case i.Input == nil:
		return errors.New("interface has no input component")
	case i.Output == nil:
		return errors.New("interface has no output component")
	case i.Model == nil:
		return errors.New("interface has no model")
	}
	return nil
}

// InputError marks a payload the input component cannot accept. The HTTP
// layer maps it to 400.
type InputError struct{ Msg string }

func (e InputError) Error() string   { return e.Msg }
func (e InputError) StatusCode() int { return http.StatusBadRequest }
