package inference

import (
	"context"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
)

// Gateway endpoints a backend may serve. These are the canonical names the
// router dispatches on; the HTTP front end normalizes its four route prefixes
// down to them.
const (
	EndpointChat           = "/v1/chat/completions"
	EndpointCompletions    = "/v1/completions"
	EndpointResponses      = "/v1/responses"
	EndpointEmbeddings     = "/v1/embeddings"
	EndpointReranking      = "/v1/rerank"
	EndpointTranscriptions = "/v1/audio/transcriptions"
	EndpointSpeech         = "/v1/audio/speech"
	EndpointImages         = "/v1/images/generations"
)

// Invocation describes how to launch a backend child process.
type Invocation struct {
	Exe string
	// Args excludes the program name.
	Args []string
	// Env entries overlay the parent environment.
	Env []string
	Dir string
	// LogFilter suppresses matching child output lines (health-check noise).
	LogFilter string
}

// Adapter is the per-recipe capability record: install, argv construction,
// endpoint mapping, request translation, and readiness. The router checks
// endpoint presence before dispatch; adapters never see requests for
// endpoints they do not declare.
type Adapter interface {
	// Recipe names the engine family this adapter drives.
	Recipe() string
	// Flavour is the selected build variant (cpu, vulkan, rocm, metal, npu).
	Flavour() string

	// EnsureInstalled fetches and extracts the engine's release archive
	// unless a matching install or a binary override is already present.
	EnsureInstalled(ctx context.Context) error

	// Invocation computes the child's argv for a model and resolved options.
	Invocation(info *catalog.ModelInfo, opts *config.Options, port int) (*Invocation, error)

	// Endpoints maps gateway endpoints to the child's paths. Absent keys are
	// unsupported operations.
	Endpoints() map[string]string

	// TransformRequest applies recipe-specific body rewrites before
	// forwarding. It returns the body and content type to send.
	TransformRequest(endpoint string, body []byte, contentType string) ([]byte, string, error)

	// ReadinessPath is polled once per second until the child responds.
	ReadinessPath() string

	// ReadinessTimeout bounds the readiness poll.
	ReadinessTimeout() time.Duration
}
