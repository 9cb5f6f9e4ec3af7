// Package registry resolves input, output and model kinds by name.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"demoserve/internal/iface"
)

var inputs = map[string]func() iface.Input{
	"textbox":   func() iface.Input { return iface.Textbox{Lines: 3} },
	"image":     func() iface.Input { return iface.Image{} },
	"sketchpad": func() iface.Input { return iface.Sketchpad{} },
}

var outputs = map[string]func() iface.Output{
	"textbox": func() iface.Output { return iface.TextOutput{} },
	"label":   func() iface.Output { return iface.Label{} },
}

// ModelSpec selects a built-in model.
type ModelSpec struct {
	Kind    string        // echo | remote
	URL     string        // remote endpoint
	Timeout time.Duration // remote request timeout
}

// Input returns the input kind registered under name.
func Input(name string) (iface.Input, error) {
	f, ok := inputs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown input kind %q (have %s)", name, strings.Join(InputNames(), ", "))
	}
	return f(), nil
}

// Output returns the output kind registered under name.
func Output(name string) (iface.Output, error) {
	f, ok := outputs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown output kind %q (have %s)", name, strings.Join(OutputNames(), ", "))
	}
	return f(), nil
}

// Model builds the model described by spec.
func Model(spec ModelSpec) (iface.Model, error) {
	switch strings.ToLower(spec.Kind) {
	case "", "echo":
		return iface.Echo, nil
	case "remote":
		if spec.URL == "" {
			return nil, fmt.Errorf("remote model requires a url")
		}
		return iface.NewRemote(spec.URL, spec.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", spec.Kind)
	}
}

// Load assembles an Interface from kind names.
func Load(input, output string, model ModelSpec) (*iface.Interface, error) {
	in, err := Input(input)
	if err != nil {
		return nil, err
	}
	out, err := Output(output)
	if err != nil {
		return nil, err
	}
	m, err := Model(model)
	if err != nil {
		return nil, err
	}
	return &iface.Interface{Input: in, Output: out, Model: m}, nil
}

// InputNames lists registered input kinds in sorted order.
func InputNames() []string { return keys(inputs) }

// OutputNames lists registered output kinds in sorted order.
func OutputNames() []string { return keys(outputs) }

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
