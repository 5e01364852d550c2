package recipes

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

const llamaCppVersion = "b6100"

// llamaCppReserved are the flags the adapter owns; user llamacpp_args may not
// set them.
var llamaCppReserved = map[string]bool{
	"-m": true, "--model": true,
	"--port": true, "--host": true,
	"-c": true, "--ctx-size": true,
	"--mmproj":    true,
	"--embedding": true, "--embeddings": true,
	"--reranking": true, "--rerank": true,
}

// LlamaCpp drives llama-server for GGUF models across the cpu, vulkan, rocm,
// and metal flavours.
type LlamaCpp struct {
	log       logging.Logger
	installer *Installer
	flavour   string
}

// NewLlamaCpp returns the llamacpp adapter for one flavour.
func NewLlamaCpp(log logging.Logger, installer *Installer, flavour string) *LlamaCpp {
	return &LlamaCpp{
		log:       log.WithField("component", "llamacpp"),
		installer: installer,
		flavour:   flavour,
	}
}

func (l *LlamaCpp) Recipe() string  { return "llamacpp" }
func (l *LlamaCpp) Flavour() string { return l.flavour }

func (l *LlamaCpp) release() Release {
	platform := map[string]string{"linux": "ubuntu", "darwin": "macos", "windows": "win"}[runtime.GOOS]
	arch := map[string]string{"amd64": "x64", "arm64": "arm64"}[runtime.GOARCH]
	ext := ".tar.gz"
	binary := "build/bin/llama-server"
	if runtime.GOOS == "windows" {
		ext = ".zip"
		binary = "llama-server.exe"
	}
	name := fmt.Sprintf("llama-%s-bin-%s-%s-%s%s", llamaCppVersion, platform, l.flavour, arch, ext)
	return Release{
		Version: llamaCppVersion,
		URL:     fmt.Sprintf("https://github.com/ggml-org/llama.cpp/releases/download/%s/%s", llamaCppVersion, name),
		Binary:  binary,
	}
}

func (l *LlamaCpp) EnsureInstalled(ctx context.Context) error {
	_, err := l.installer.Ensure(ctx, l.Recipe(), l.flavour, l.release())
	return err
}

func (l *LlamaCpp) Invocation(info *catalog.ModelInfo, opts *config.Options, port int) (*inference.Invocation, error) {
	exe, err := l.installer.Ensure(context.Background(), l.Recipe(), l.flavour, l.release())
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
	if opts != nil && opts.LlamaCpp != nil && opts.LlamaCpp.CtxSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(opts.LlamaCpp.CtxSize))
	}
	if mmproj := info.ResolvedPaths[catalog.RoleMMProj]; mmproj != "" {
		args = append(args, "--mmproj", mmproj)
	}
	switch info.Type {
	case catalog.TypeEmbedding:
		args = append(args, "--embeddings")
	case catalog.TypeReranking:
		args = append(args, "--reranking")
	}

	if opts != nil && opts.LlamaCpp != nil && opts.LlamaCpp.Args != "" {
		extra, err := parseUserArgs(opts.LlamaCpp.Args)
		if err != nil {
			return nil, err
		}
		args = append(args, extra...)
	}

	return &inference.Invocation{
		Exe:       exe,
		Args:      args,
		LogFilter: `GET /health`,
	}, nil
}

// parseUserArgs tokenises the free-form llamacpp_args string (respecting
// quotes) and rejects any flag the adapter manages itself.
func parseUserArgs(raw string) ([]string, error) {
	tokens, err := shellwords.Parse(raw)
	if err != nil {
		return nil, inference.WrapError(inference.KindInvalidRequest, err, "malformed llamacpp_args %q", raw)
	}
	var conflicts []string
	for _, tok := range tokens {
		flag := tok
		if idx := strings.IndexByte(flag, '='); idx >= 0 {
			flag = flag[:idx]
		}
		if llamaCppReserved[flag] {
			conflicts = append(conflicts, flag)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, inference.NewError(inference.KindInvalidRequest,
			"llamacpp_args may not set flags managed by the gateway: %s", strings.Join(conflicts, ", "))
	}
	return tokens, nil
}

func (l *LlamaCpp) Endpoints() map[string]string {
	return map[string]string{
		inference.EndpointChat:        "/v1/chat/completions",
		inference.EndpointCompletions: "/v1/completions",
		inference.EndpointResponses:   "/v1/responses",
		inference.EndpointEmbeddings:  "/v1/embeddings",
		inference.EndpointReranking:   "/v1/rerank",
	}
}

// TransformRequest maps max_completion_tokens onto llama-server's max_tokens
// when only the former is present.
func (l *LlamaCpp) TransformRequest(endpoint string, body []byte, contentType string) ([]byte, string, error) {
	if endpoint != inference.EndpointChat && endpoint != inference.EndpointCompletions {
		return body, contentType, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", inference.WrapError(inference.KindInvalidRequest, err, "request body is not valid JSON")
	}
	if v, ok := payload["max_completion_tokens"]; ok {
		if _, exists := payload["max_tokens"]; !exists {
			payload["max_tokens"] = v
		}
		delete(payload, "max_completion_tokens")
		rewritten, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		return rewritten, contentType, nil
	}
	return body, contentType, nil
}

func (l *LlamaCpp) ReadinessPath() string           { return "/health" }
func (l *LlamaCpp) ReadinessTimeout() time.Duration { return 600 * time.Second }
