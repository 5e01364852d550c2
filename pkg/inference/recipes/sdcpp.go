package recipes

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

const sdCppVersion = "master-697"

// Marker wrapped around extra generation parameters appended to the prompt;
// the sd-cpp server strips and parses it before diffusion.
const (
	sdExtraArgsOpen  = "<sd_cpp_extra_args>"
	sdExtraArgsClose = "</sd_cpp_extra_args>"
)

// sdPassthroughParams are packed into the prompt sentinel when present.
var sdPassthroughParams = []string{"steps", "cfg_scale", "seed", "sample_method", "scheduler"}

// SDCpp drives the stable-diffusion.cpp server for image generation on the
// cpu and rocm flavours.
type SDCpp struct {
	log       logging.Logger
	installer *Installer
	flavour   string
}

// NewSDCpp returns the sd-cpp adapter for one flavour.
func NewSDCpp(log logging.Logger, installer *Installer, flavour string) *SDCpp {
	return &SDCpp{log: log.WithField("component", "sd-cpp"), installer: installer, flavour: flavour}
}

func (s *SDCpp) Recipe() string  { return "sd-cpp" }
func (s *SDCpp) Flavour() string { return s.flavour }

func (s *SDCpp) release() Release {
	binary := "sd-server"
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		binary = "sd-server.exe"
		ext = ".zip"
	}
	return Release{
		Version: sdCppVersion,
		URL: fmt.Sprintf("https://github.com/leejet/stable-diffusion.cpp/releases/download/%s/sd-server-%s-%s-%s%s",
			sdCppVersion, runtime.GOOS, s.flavour, runtime.GOARCH, ext),
		Binary: binary,
	}
}

func (s *SDCpp) EnsureInstalled(ctx context.Context) error {
	_, err := s.installer.Ensure(ctx, s.Recipe(), s.flavour, s.release())
	return err
}

func (s *SDCpp) Invocation(info *catalog.ModelInfo, opts *config.Options, port int) (*inference.Invocation, error) {
	exe, err := s.installer.Ensure(context.Background(), s.Recipe(), s.flavour, s.release())
	if err != nil {
		return nil, err
	}
	modelPath := info.ResolvedPaths[catalog.RoleMain]
	if modelPath == "" {
		return nil, inference.NewError(inference.KindModelNotFound,
			"model file for %s is not downloaded", info.ModelName).WithModel(info.ModelName)
	}
	args := []string{
		"-m", modelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}
	// Resolved options become the server's generation defaults; values set in
	// a request body still win per call via the prompt sentinel.
	if opts != nil && opts.SDCpp != nil {
		if opts.SDCpp.Steps > 0 {
			args = append(args, "--steps", strconv.Itoa(opts.SDCpp.Steps))
		}
		if opts.SDCpp.CfgScale > 0 {
			args = append(args, "--cfg-scale", strconv.FormatFloat(opts.SDCpp.CfgScale, 'g', -1, 64))
		}
		if opts.SDCpp.Width > 0 {
			args = append(args, "--width", strconv.Itoa(opts.SDCpp.Width))
		}
		if opts.SDCpp.Height > 0 {
			args = append(args, "--height", strconv.Itoa(opts.SDCpp.Height))
		}
	}
	return &inference.Invocation{Exe: exe, Args: args}, nil
}

func (s *SDCpp) Endpoints() map[string]string {
	return map[string]string{
		inference.EndpointImages: "/v1/images/generations",
	}
}

// TransformRequest packs non-standard generation parameters into the sentinel
// marker appended to the prompt, which is the only side channel the sd-cpp
// server accepts.
func (s *SDCpp) TransformRequest(endpoint string, body []byte, contentType string) ([]byte, string, error) {
	if endpoint != inference.EndpointImages {
		return body, contentType, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", inference.WrapError(inference.KindInvalidRequest, err, "request body is not valid JSON")
	}

	extra := map[string]json.RawMessage{}
	for _, key := range sdPassthroughParams {
		if v, ok := payload[key]; ok {
			extra[key] = v
			delete(payload, key)
		}
	}
	if len(extra) == 0 {
		return body, contentType, nil
	}

	var prompt string
	if v, ok := payload["prompt"]; ok {
		if err := json.Unmarshal(v, &prompt); err != nil {
			return nil, "", inference.WrapError(inference.KindInvalidRequest, err, "prompt must be a string")
		}
	}
	packed, err := json.Marshal(extra)
	if err != nil {
		return nil, "", err
	}
	prompt = prompt + " " + sdExtraArgsOpen + string(packed) + sdExtraArgsClose
	encoded, err := json.Marshal(prompt)
	if err != nil {
		return nil, "", err
	}
	payload["prompt"] = encoded

	rewritten, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return rewritten, contentType, nil
}

func (s *SDCpp) ReadinessPath() string { return "/" }

// Image generation can take minutes per readiness probe budget.
func (s *SDCpp) ReadinessTimeout() time.Duration { return 600 * time.Second }
