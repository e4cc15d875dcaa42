package novelai

import "naikit/pkg/imagesize"

// Session holds the bearer token returned by a successful login
type Session struct {
	AccessToken string `json:"accessToken"`
}

// LoginRequest is the body of the login call
type LoginRequest struct {
	Key string `json:"key"`
}

// LoginResponse is the body returned by the login call
type LoginResponse struct {
	AccessToken string `json:"accessToken"`
}

// Generation actions understood by the image endpoint
const (
	ActionGenerate = "generate"
	ActionImg2Img  = "img2img"
)

// GenerateParams describes one generation request before it is fitted and encoded
type GenerateParams struct {
	Prompt         string
	NegativePrompt string
	Model          string
	Size           imagesize.Size
	// SourceImage is a data URI or URL; when set the request becomes img2img
	SourceImage string
	Strength    float64
	Noise       float64
	Seed        uint32
	Steps       int
	Scale       float64
	Sampler     string
}

// GenerateRequest is the body of the generation call
type GenerateRequest struct {
	Input      string             `json:"input"`
	Model      string             `json:"model"`
	Action     string             `json:"action"`
	Parameters GenerateParameters `json:"parameters"`
}

// GenerateParameters carries the sampler settings of a generation call
type GenerateParameters struct {
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Scale          float64  `json:"scale"`
	Sampler        string   `json:"sampler"`
	Steps          int      `json:"steps"`
	Seed           uint32   `json:"seed"`
	NSamples       int      `json:"n_samples"`
	UCPreset       int      `json:"ucPreset"`
	QualityToggle  bool     `json:"qualityToggle"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Image          string   `json:"image,omitempty"`
	Strength       *float64 `json:"strength,omitempty"`
	Noise          *float64 `json:"noise,omitempty"`
	ExtraNoiseSeed uint32   `json:"extra_noise_seed,omitempty"`
}

// Image is one file from a generation response
type Image struct {
	Name string
	Data []byte
}
