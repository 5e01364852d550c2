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

const kokoroVersion = "0.2.1"

// Kokoro drives the Kokoro ONNX text-to-speech server.
type Kokoro struct {
	log       logging.Logger
	installer *Installer
}

// NewKokoro returns the kokoro adapter.
func NewKokoro(log logging.Logger, installer *Installer) *Kokoro {
	return &Kokoro{log: log.WithField("component", "kokoro"), installer: installer}
}

func (k *Kokoro) Recipe() string  { return "kokoro" }
func (k *Kokoro) Flavour() string { return "cpu" }

func (k *Kokoro) release() Release {
	binary := "kokoro-server"
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		binary = "kokoro-server.exe"
		ext = ".zip"
	}
	return Release{
		Version: kokoroVersion,
		URL: fmt.Sprintf("https://github.com/lemonade-sdk/kokoro-server/releases/download/v%s/kokoro-server-%s-%s%s",
			kokoroVersion, runtime.GOOS, runtime.GOARCH, ext),
		Binary: binary,
	}
}

func (k *Kokoro) EnsureInstalled(ctx context.Context) error {
	_, err := k.installer.Ensure(ctx, k.Recipe(), k.Flavour(), k.release())
	return err
}

func (k *Kokoro) Invocation(info *catalog.ModelInfo, opts *config.Options, port int) (*inference.Invocation, error) {
	exe, err := k.installer.Ensure(context.Background(), k.Recipe(), k.Flavour(), k.release())
	if err != nil {
		return nil, err
	}
	indexPath := info.ResolvedPaths[catalog.RoleMain]
	if indexPath == "" {
		return nil, inference.NewError(inference.KindModelNotFound,
			"voice index for %s is not downloaded", info.ModelName).WithModel(info.ModelName)
	}
	args := []string{
		"--model-index", indexPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}
	return &inference.Invocation{Exe: exe, Args: args}, nil
}

func (k *Kokoro) Endpoints() map[string]string {
	return map[string]string{
		inference.EndpointSpeech: "/v1/audio/speech",
	}
}

func (k *Kokoro) TransformRequest(endpoint string, body []byte, contentType string) ([]byte, string, error) {
	return body, contentType, nil
}

func (k *Kokoro) ReadinessPath() string           { return "/health" }
func (k *Kokoro) ReadinessTimeout() time.Duration { return 600 * time.Second }
