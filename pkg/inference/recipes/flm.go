package recipes

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/download"
	"github.com/lemonade-sdk/lemonade/pkg/hardware"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

const (
	flmMinDriverVersion = "32.0.203.240"
	flmDriverHelpURL    = "https://ryzenai.docs.amd.com/en/latest/inst.html"
	flmInstallerURL     = "https://github.com/FastFlowLM/FastFlowLM/releases/latest/download/flm-setup.exe"
)

// commandRunner abstracts exec for tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FLM drives the FastFlowLM NPU engine through its vendor CLI: installs are
// delegated to the vendor installer, model pulls and enumeration to the flm
// binary, and serving to flm serve.
type FLM struct {
	log      logging.Logger
	dl       *download.Downloader
	snapshot *hardware.Snapshot
	cacheDir string
	run      commandRunner

	// installedVersion is the flm --version seen at install check time; a
	// change invalidates previously downloaded FLM models.
	installedVersion string
	// boundCheckpoint is set once the adapter has produced an invocation.
	boundCheckpoint string
}

// NewFLM returns the FLM adapter.
func NewFLM(log logging.Logger, dl *download.Downloader, snapshot *hardware.Snapshot, cacheDir string) *FLM {
	return &FLM{
		log:      log.WithField("component", "flm"),
		dl:       dl,
		snapshot: snapshot,
		cacheDir: cacheDir,
		run:      execRunner,
	}
}

func (f *FLM) Recipe() string  { return "flm" }
func (f *FLM) Flavour() string { return "npu" }

func (f *FLM) binary() string {
	if override := config.BinaryOverride("flm", ""); override != "" {
		return override
	}
	return "flm"
}

// EnsureInstalled verifies the NPU driver version, runs the vendor installer
// if the CLI is absent, and confirms the install with flm --version. A
// version change relative to a previous check marks installed models as
// potentially invalidated.
func (f *FLM) EnsureInstalled(ctx context.Context) error {
	if err := f.checkDriver(); err != nil {
		return err
	}

	version, err := f.cliVersion(ctx)
	if err != nil {
		if err := f.runInstaller(ctx); err != nil {
			return err
		}
		version, err = f.cliVersion(ctx)
		if err != nil {
			return inference.WrapError(inference.KindBackendInstallFailed, err,
				"flm installed but flm --version failed")
		}
	}
	if f.installedVersion != "" && f.installedVersion != version {
		f.log.Warnf("flm upgraded from %s to %s; previously downloaded FLM models may be invalidated",
			f.installedVersion, version)
	}
	f.installedVersion = version
	return nil
}

func (f *FLM) checkDriver() error {
	if runtime.GOOS != "windows" {
		return nil
	}
	current := f.snapshot.NPUDriverVersion
	if current == "" || compareVersions(current, flmMinDriverVersion) < 0 {
		return inference.NewError(inference.KindBackendInstallFailed,
			"the FLM backend requires NPU driver %s or newer (detected %q on %s); install the latest driver from %s and retry",
			flmMinDriverVersion, current, f.snapshot.CPUName, flmDriverHelpURL)
	}
	return nil
}

func (f *FLM) runInstaller(ctx context.Context) error {
	if runtime.GOOS != "windows" {
		return inference.NewError(inference.KindBackendInstallFailed, "the FLM backend is only available on Windows")
	}
	if config.Offline() {
		return inference.NewError(inference.KindBackendInstallFailed,
			"flm is not installed and offline mode is enabled")
	}
	installer := filepath.Join(f.cacheDir, "flm-setup.exe")
	f.log.Infof("installing FastFlowLM from %s", flmInstallerURL)
	if err := f.dl.Download(ctx, flmInstallerURL, installer, nil, nil, download.DefaultOptions()); err != nil {
		return inference.WrapError(inference.KindBackendInstallFailed, err, "unable to download the FLM installer")
	}
	if out, err := f.run(ctx, installer, "/S"); err != nil {
		return inference.WrapError(inference.KindBackendInstallFailed, err,
			"the FLM installer failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func (f *FLM) cliVersion(ctx context.Context) (string, error) {
	out, err := f.run(ctx, f.binary(), "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// InstalledModels returns the checkpoints flm reports as installed.
func (f *FLM) InstalledModels(ctx context.Context) ([]string, error) {
	out, err := f.run(ctx, f.binary(), "list", "--filter", "installed", "--quiet")
	if err != nil {
		return nil, fmt.Errorf("flm list failed: %w", err)
	}
	var models []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			models = append(models, line)
		}
	}
	return models, nil
}

// Pull downloads a checkpoint via the flm CLI.
func (f *FLM) Pull(ctx context.Context, checkpoint string, progress download.ProgressFunc) error {
	f.log.Infof("pulling FLM checkpoint %s", checkpoint)
	if progress != nil && !progress(0, -1) {
		return download.ErrCancelled
	}
	if out, err := f.run(ctx, f.binary(), "pull", checkpoint); err != nil {
		return inference.WrapError(inference.KindDownloadFailed, err,
			"flm pull %s failed: %s", checkpoint, strings.TrimSpace(string(out)))
	}
	if progress != nil {
		progress(1, 1)
	}
	return nil
}

// Invocation verifies the checkpoint is still reported as installed (an flm
// upgrade silently erases models) and produces the flm serve command line.
func (f *FLM) Invocation(info *catalog.ModelInfo, opts *config.Options, port int) (*inference.Invocation, error) {
	checkpoint := info.MainCheckpoint()

	installed, err := f.InstalledModels(context.Background())
	if err == nil {
		found := false
		for _, m := range installed {
			if strings.EqualFold(m, checkpoint) {
				found = true
				break
			}
		}
		if !found {
			return nil, inference.NewError(inference.KindModelInvalidated,
				"checkpoint %s is no longer reported as installed by flm (a version upgrade removes downloaded models); pull it again",
				checkpoint).WithModel(info.ModelName)
		}
	}

	f.boundCheckpoint = checkpoint
	args := []string{"serve", checkpoint, "--port", strconv.Itoa(port)}
	if opts != nil && opts.FLM != nil && opts.FLM.CtxSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(opts.FLM.CtxSize))
	}
	return &inference.Invocation{Exe: f.binary(), Args: args}, nil
}

func (f *FLM) Endpoints() map[string]string {
	return map[string]string{
		inference.EndpointChat:        "/v1/chat/completions",
		inference.EndpointCompletions: "/v1/completions",
	}
}

// TransformRequest overwrites the model field with the checkpoint string, the
// identifier flm serve actually knows the model by.
func (f *FLM) TransformRequest(endpoint string, body []byte, contentType string) ([]byte, string, error) {
	if f.boundCheckpoint == "" {
		return body, contentType, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", inference.WrapError(inference.KindInvalidRequest, err, "request body is not valid JSON")
	}
	model, err := json.Marshal(f.boundCheckpoint)
	if err != nil {
		return nil, "", err
	}
	payload["model"] = model
	rewritten, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return rewritten, contentType, nil
}

func (f *FLM) ReadinessPath() string           { return "/api/tags" }
func (f *FLM) ReadinessTimeout() time.Duration { return 600 * time.Second }

// compareVersions compares dotted numeric version strings.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var ai, bi int
		if i < len(as) {
			ai, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bi, _ = strconv.Atoi(bs[i])
		}
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}
