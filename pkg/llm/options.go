package llm

// Options contains model inference parameters.
type Options struct {
	// Sampling parameters
	Temperature *float64 `json:"temperature,omitempty"` // Creativity (0.0-2.0)
	TopP        *float64 `json:"top_p,omitempty"`       // Nucleus sampling threshold
	Seed        *int     `json:"seed,omitempty"`        // Random seed for reproducibility

	// Length parameters
	NumPredict *int `json:"num_predict,omitempty"` // Max tokens to generate

	// Stop sequences
	Stop []string `json:"stop,omitempty"` // Stop generation at these sequences
}

// WithTemperature returns Options carrying only a temperature.
func WithTemperature(t float64) *Options {
	return &Options{Temperature: &t}
}
