package iface

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"demoserve/internal/render"
	"demoserve/pkg/types"
)

// TextOutput renders the prediction as text.
type TextOutput struct{}

func (TextOutput) Name() string { return "textbox" }

func (TextOutput) JSContext() render.Context { return nil }

func (TextOutput) Postprocess(_ context.Context, prediction any) (any, error) {
	if s, ok := prediction.(string); ok {
		return s, nil
	}
	return fmt.Sprint(prediction), nil
}

func (TextOutput) RebuildFlagged(_ string, data types.FlagData) (any, error) {
	return data.Output, nil
}

// Label turns class scores into the top label plus the highest confidences.
type Label struct {
	// Classes names score indexes. Missing names fall back to the index.
	Classes []string
	// Top limits the number of confidences returned; 0 means 3.
	Top int
}

// Confidence is one class score.
type Confidence struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// LabelResult is the postprocessed Label payload.
type LabelResult struct {
	Label       string       `json:"label"`
	Confidences []Confidence `json:"confidences,omitempty"`
}

func (Label) Name() string { return "label" }

func (l Label) JSContext() render.Context {
	return render.Context{{Key: "num_top_classes", Value: l.top()}}
}

func (l Label) top() int {
	if l.Top <= 0 {
		return 3
	}
	return l.Top
}

func (l Label) Postprocess(_ context.Context, prediction any) (any, error) {
	switch p := prediction.(type) {
	case string:
		return LabelResult{Label: p}, nil
	case int:
		return LabelResult{Label: l.className(p)}, nil
	case map[string]float64:
		conf := make([]Confidence, 0, len(p))
		for k, v := range p {
			conf = append(conf, Confidence{Label: k, Confidence: v})
		}
		return l.rank(conf), nil
	}
	scores, ok := Floats(prediction)
	if !ok || len(scores) == 0 {
		return nil, fmt.Errorf("label output cannot interpret prediction of type %T", prediction)
	}
	conf := make([]Confidence, len(scores))
	for i, s := range scores {
		conf[i] = Confidence{Label: l.className(i), Confidence: s}
	}
	return l.rank(conf), nil
}

func (l Label) rank(conf []Confidence) LabelResult {
	sort.SliceStable(conf, func(i, j int) bool { return conf[i].Confidence > conf[j].Confidence })
	if len(conf) > l.top() {
		conf = conf[:l.top()]
	}
	res := LabelResult{Confidences: conf}
	if len(conf) > 0 {
		res.Label = conf[0].Label
	}
	return res
}

func (l Label) className(i int) string {
	if i >= 0 && i < len(l.Classes) {
		return l.Classes[i]
	}
	return strconv.Itoa(i)
}

func (Label) RebuildFlagged(_ string, data types.FlagData) (any, error) {
	return data.Output, nil
}

// Floats flattens a single row of scores. A batch of one ([[...]]) is
// unwrapped; JSON-decoded []any of numbers is accepted.
func Floats(v any) ([]float64, bool) {
	switch x := v.(type) {
	case []float64:
		return x, true
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out, true
	case [][]float64:
		if len(x) == 1 {
			return x[0], true
		}
	case []any:
		if len(x) == 1 {
			if inner, ok := x[0].([]any); ok {
				return Floats(inner)
			}
		}
		out := make([]float64, len(x))
		for i, e := range x {
			f, ok := e.(float64)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}
