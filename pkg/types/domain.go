package types

// FlagRecord is one line of the flag log.
type FlagRecord struct {
	// Persisted representation of the input (e.g. a saved file name).
	Input any `json:"input"`
	// Persisted representation of the output.
	Output any `json:"output"`
	// example: rotation by 45 degrees
	Message string `json:"message" example:"rotation by 45 degrees"`
}

// SiteConfig mirrors the keys rendered into static/config.json.
type SiteConfig struct {
	InputInterfaceType  string `json:"input_interface_type"`
	OutputInterfaceType string `json:"output_interface_type"`
	ShareURL            string `json:"share_url,omitempty"`
}
