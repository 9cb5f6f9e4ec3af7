package types

// PredictRequest is the body of POST /api/predict/.
type PredictRequest struct {
	// Raw input as produced by the front-end input component.
	// example: hello world
	Data any `json:"data"`
}

// PredictResponse is returned by POST /api/predict/.
type PredictResponse struct {
	// Always "output".
	// example: output
	Action string `json:"action" example:"output"`
	// Postprocessed model output.
	Data any `json:"data"`
	// Saliency map, present only when the interface declares a saliency function.
	Saliency any `json:"saliency,omitempty"`
}

// FlagData carries the sample a user flagged from the front-end.
type FlagData struct {
	// Raw input shown when the sample was flagged.
	Input any `json:"input,omitempty"`
	// Output shown when the sample was flagged.
	Output any `json:"output,omitempty"`
	// Free-form reason entered by the user.
	// example: wrong label
	Message string `json:"message" example:"wrong label"`
}

// FlagRequest is the body of POST /api/flag/.
type FlagRequest struct {
	Data FlagData `json:"data"`
}

// AutoRequest is the body of the /api/auto/* diagnostics routes.
type AutoRequest struct {
	// Base64 encoded image, optionally as a data URL.
	// example: data:image/png;base64,iVBORw0KGgo...
	Data string `json:"data" example:"data:image/png;base64,iVBORw0KGgo..."`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
