package recipes

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

const ryzenAIVersion = "1.5.1"

// RyzenAILLM drives the onnxruntime-genai based hybrid NPU/iGPU server for
// quantized ONNX LLMs.
type RyzenAILLM struct {
	log       logging.Logger
	installer *Installer
}

// NewRyzenAILLM returns the ryzenai-llm adapter.
func NewRyzenAILLM(log logging.Logger, installer *Installer) *RyzenAILLM {
	return &RyzenAILLM{log: log.WithField("component", "ryzenai-llm"), installer: installer}
}

func (r *RyzenAILLM) Recipe() string  { return "ryzenai-llm" }
func (r *RyzenAILLM) Flavour() string { return "npu" }

func (r *RyzenAILLM) release() Release {
	binary := "ryzenai-server"
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		binary = "ryzenai-server.exe"
		ext = ".zip"
	}
	return Release{
		Version: ryzenAIVersion,
		URL: fmt.Sprintf("https://github.com/aigdat/ryzenai-sw/releases/download/v%s/ryzenai-server-%s-%s%s",
			ryzenAIVersion, runtime.GOOS, runtime.GOARCH, ext),
		Binary: binary,
	}
}

func (r *RyzenAILLM) EnsureInstalled(ctx context.Context) error {
	_, err := r.installer.Ensure(ctx, r.Recipe(), r.Flavour(), r.release())
	return err
}

func (r *RyzenAILLM) Invocation(info *catalog.ModelInfo, opts *config.Options, port int) (*inference.Invocation, error) {
	exe, err := r.installer.Ensure(context.Background(), r.Recipe(), r.Flavour(), r.release())
	if err != nil {
		return nil, err
	}
	modelDir := info.ResolvedPaths[catalog.RoleMain]
	if modelDir == "" {
		return nil, inference.NewError(inference.KindModelNotFound,
			"model directory for %s is not downloaded", info.ModelName).WithModel(info.ModelName)
	}
	args := []string{
		"--model-dir", modelDir,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}
	if opts != nil && opts.FLM != nil && opts.FLM.CtxSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(opts.FLM.CtxSize))
	}
	return &inference.Invocation{Exe: exe, Args: args, LogFilter: `GET /health`}, nil
}

func (r *RyzenAILLM) Endpoints() map[string]string {
	return map[string]string{
		inference.EndpointChat:        "/v1/chat/completions",
		inference.EndpointCompletions: "/v1/completions",
		inference.EndpointResponses:   "/v1/responses",
	}
}

func (r *RyzenAILLM) TransformRequest(endpoint string, body []byte, contentType string) ([]byte, string, error) {
	return body, contentType, nil
}

func (r *RyzenAILLM) ReadinessPath() string           { return "/health" }
func (r *RyzenAILLM) ReadinessTimeout() time.Duration { return 600 * time.Second }
