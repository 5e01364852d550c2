package recipes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

const whisperCppVersion = "v1.7.6"

// WhisperCpp drives whisper-server for speech-to-text, on the cpu flavour
// everywhere and the npu flavour on Ryzen AI systems.
type WhisperCpp struct {
	log       logging.Logger
	installer *Installer
	flavour   string
}

// NewWhisperCpp returns the whispercpp adapter for one flavour.
func NewWhisperCpp(log logging.Logger, installer *Installer, flavour string) *WhisperCpp {
	return &WhisperCpp{
		log:       log.WithField("component", "whispercpp"),
		installer: installer,
		flavour:   flavour,
	}
}

func (w *WhisperCpp) Recipe() string  { return "whispercpp" }
func (w *WhisperCpp) Flavour() string { return w.flavour }

func (w *WhisperCpp) release() Release {
	binary := "whisper-server"
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		binary = "whisper-server.exe"
		ext = ".zip"
	}
	return Release{
		Version: whisperCppVersion,
		URL: fmt.Sprintf("https://github.com/ggml-org/whisper.cpp/releases/download/%s/whisper-bin-%s-%s-%s%s",
			whisperCppVersion, runtime.GOOS, w.flavour, runtime.GOARCH, ext),
		Binary: binary,
	}
}

func (w *WhisperCpp) EnsureInstalled(ctx context.Context) error {
	_, err := w.installer.Ensure(ctx, w.Recipe(), w.flavour, w.release())
	return err
}

func (w *WhisperCpp) Invocation(info *catalog.ModelInfo, opts *config.Options, port int) (*inference.Invocation, error) {
	exe, err := w.installer.Ensure(context.Background(), w.Recipe(), w.flavour, w.release())
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
	return &inference.Invocation{Exe: exe, Args: args}, nil
}

func (w *WhisperCpp) Endpoints() map[string]string {
	return map[string]string{
		inference.EndpointTranscriptions: "/inference",
	}
}

// inlineAudioRequest is the JSON alternative to multipart uploads: clients
// may post base64 audio bytes plus a filename, which the adapter repackages
// as the multipart form whisper-server expects.
type inlineAudioRequest struct {
	FileBytes string            `json:"file_bytes"`
	Filename  string            `json:"filename"`
	Fields    map[string]string `json:"-"`
}

// TransformRequest converts inline-bytes JSON bodies into multipart form
// data, choosing the MIME type from the filename extension. Multipart bodies
// pass through untouched.
func (w *WhisperCpp) TransformRequest(endpoint string, body []byte, contentType string) ([]byte, string, error) {
	if endpoint != inference.EndpointTranscriptions || !strings.Contains(contentType, "application/json") {
		return body, contentType, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "", inference.WrapError(inference.KindInvalidRequest, err, "request body is not valid JSON")
	}
	var req inlineAudioRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", inference.WrapError(inference.KindInvalidRequest, err, "request body is not valid JSON")
	}
	if req.FileBytes == "" {
		return nil, "", inference.NewError(inference.KindInvalidRequest, "transcription request has no file or file_bytes")
	}
	audio, err := base64.StdEncoding.DecodeString(req.FileBytes)
	if err != nil {
		return nil, "", inference.WrapError(inference.KindInvalidRequest, err, "file_bytes is not valid base64")
	}
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreatePart(audioPartHeader(filename))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	for key, value := range raw {
		if key == "file_bytes" || key == "filename" {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			s = string(value)
		}
		if err := form.WriteField(key, s); err != nil {
			return nil, "", err
		}
	}
	if err := form.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), form.FormDataContentType(), nil
}

func audioPartHeader(filename string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(filename)))
	h.Set("Content-Type", audioMIMEType(filename))
	return h
}

func audioMIMEType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".m4a":
		return "audio/mp4"
	case ".webm":
		return "audio/webm"
	default:
		return "audio/wav"
	}
}

func (w *WhisperCpp) ReadinessPath() string           { return "/" }
func (w *WhisperCpp) ReadinessTimeout() time.Duration { return 600 * time.Second }
