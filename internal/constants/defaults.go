package constants

// Remote endpoints
const (
	DefaultAPIBaseURL   = "https://api.novelai.net"
	DefaultImageBaseURL = "https://image.novelai.net"
	LoginPath           = "/user/login"
	GenerateImagePath   = "/ai/generate-image"
)

// Ceilings enforced before accepting a computed size or a downloaded payload
const (
	MaxOutputSize  = 1024 * 1024      // pixels
	MaxContentSize = 10 * 1024 * 1024 // bytes
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec     = 30
	DefaultGenerateTimeoutSec = 120
)

// Transport protection defaults
const (
	DefaultRequestsPerSecond     = 2
	DefaultRequestBurst          = 4
	DefaultBreakerMaxFailures    = 5
	DefaultBreakerResetSec       = 30
	DefaultBackoffInitialMs      = 100
	DefaultBackoffMaxMs          = 1000
	DefaultDerivationMaxAttempts = 2
)

// File permission constants
const (
	DefaultFilePermissions      = 0600
	DefaultDirectoryPermissions = 0750
)

// Generation defaults
const (
	DefaultModel     = "nai-diffusion-3"
	DefaultSampler   = "k_euler_ancestral"
	DefaultSteps     = 28
	DefaultScale     = 5.0
	DefaultStrength  = 0.7
	DefaultImageSide = 512
)
