package commands

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/download"
	"github.com/lemonade-sdk/lemonade/pkg/hardware"
	"github.com/lemonade-sdk/lemonade/pkg/inference/recipes"
	"github.com/lemonade-sdk/lemonade/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/metrics"
	"github.com/lemonade-sdk/lemonade/pkg/server"
)

// ServerLogFileName is the gateway log under the cache directory; the
// logs/stream route tails it.
const ServerLogFileName = "server.log"

// gatewayFlags are the serve/run flags, with LEMONADE_* env defaults.
type gatewayFlags struct {
	port        int
	host        string
	logLevel    string
	extraDir    string
	noBroadcast bool
	maxLoaded   int

	ctxSize      int
	llamacpp     string
	llamacppArgs string
	sdcpp        string
	whispercpp   string
	steps        int
	cfgScale     float64
	width        int
	height       int
}

func (f *gatewayFlags) register(c *cobra.Command) {
	flags := c.Flags()
	flags.IntVar(&f.port, "port", config.EnvInt(config.EnvPort, 8000), "Port to listen on")
	flags.StringVar(&f.host, "host", config.EnvString(config.EnvHost, "0.0.0.0"), "Address to bind")
	flags.StringVar(&f.logLevel, "log-level", config.EnvString(config.EnvLogLevel, "info"),
		"Log level (critical, error, warning, info, debug, trace)")
	flags.StringVar(&f.extraDir, "extra-models-dir", config.EnvString(config.EnvExtraModelsDir, ""),
		"Directory of extra GGUF models to expose")
	flags.BoolVar(&f.noBroadcast, "no-broadcast", config.EnvBool(config.EnvNoBroadcast, false),
		"Bind to localhost only")
	flags.IntVar(&f.maxLoaded, "max-loaded-models", config.EnvInt(config.EnvMaxLoadedModels, -1),
		"Maximum loaded models per model type (-1 for unbounded)")

	flags.IntVar(&f.ctxSize, "ctx-size", 0, "Context size for LLM recipes")
	flags.StringVar(&f.llamacpp, "llamacpp", "", "llamacpp backend (cpu, vulkan, rocm, metal)")
	flags.StringVar(&f.llamacppArgs, "llamacpp-args", "", "Extra llama-server arguments")
	flags.StringVar(&f.sdcpp, "sdcpp", "", "sd-cpp backend (cpu, rocm)")
	flags.StringVar(&f.whispercpp, "whispercpp", "", "whispercpp backend (cpu, npu)")
	flags.IntVar(&f.steps, "steps", 0, "Diffusion steps for image generation")
	flags.Float64Var(&f.cfgScale, "cfg-scale", 0, "Classifier-free guidance scale")
	flags.IntVar(&f.width, "width", 0, "Generated image width")
	flags.IntVar(&f.height, "height", 0, "Generated image height")
}

// globalBag collects the recipe-option passthrough flags into the global
// defaults layer of the options inheritance chain.
func (f *gatewayFlags) globalBag() config.Bag {
	bag := config.Bag{}
	if f.ctxSize > 0 {
		bag["ctx_size"] = strconv.Itoa(f.ctxSize)
	}
	if f.llamacpp != "" {
		bag["llamacpp_backend"] = f.llamacpp
	}
	if f.llamacppArgs != "" {
		bag["llamacpp_args"] = f.llamacppArgs
	}
	if f.sdcpp != "" {
		bag["sd-cpp_backend"] = f.sdcpp
	}
	if f.whispercpp != "" {
		bag["whispercpp_backend"] = f.whispercpp
	}
	if f.steps > 0 {
		bag["steps"] = strconv.Itoa(f.steps)
	}
	if f.cfgScale > 0 {
		bag["cfg_scale"] = strconv.FormatFloat(f.cfgScale, 'g', -1, 64)
	}
	if f.width > 0 {
		bag["width"] = strconv.Itoa(f.width)
	}
	if f.height > 0 {
		bag["height"] = strconv.Itoa(f.height)
	}
	return bag
}

func newServeCmd(version string) *cobra.Command {
	flags := &gatewayFlags{}
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), version, flags, "", false)
		},
	}
	flags.register(c)
	return c
}

func newRunCmd(version string) *cobra.Command {
	flags := &gatewayFlags{}
	var saveOptions bool
	c := &cobra.Command{
		Use:   "run MODEL",
		Short: "Start the gateway and load one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), version, flags, args[0], saveOptions)
		},
	}
	flags.register(c)
	c.Flags().BoolVar(&saveOptions, "save-options", false,
		"Persist the recipe-option flags as the model's saved overrides")
	return c
}

// runGateway wires the gateway together and blocks until the context is done
// or /internal/shutdown is hit.
func runGateway(ctx context.Context, version string, flags *gatewayFlags, loadModel string, saveOptions bool) error {
	level, err := logging.ParseLevel(flags.logLevel)
	if err != nil {
		return err
	}
	cacheDir := config.CacheDir()
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logPath := filepath.Join(cacheDir, ServerLogFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger.SetOutput(io.MultiWriter(os.Stderr, logFile))
	log := logging.NewLogrusAdapter(logger)

	snapshot := hardware.Load(log, cacheDir, version)
	dl := download.New(log, nil)
	factory := recipes.NewFactory(log, dl, snapshot, cacheDir)
	cat := catalog.New(catalog.Config{
		Log:       log,
		CacheDir:  cacheDir,
		HubDir:    config.HFCacheDir(),
		ExtraDir:  flags.extraDir,
		Snapshot:  snapshot,
		Hub:       catalog.NewHubClient(nil),
		Downloads: dl,
		FLM:       factory.FLM(),
	})
	gauges := metrics.New()
	router := scheduling.NewRouter(scheduling.RouterConfig{
		Log:              log,
		Catalog:          cat,
		Factory:          factory,
		GlobalOptions:    flags.globalBag(),
		ChildLogWriter:   log.Writer(),
		MaxLoadedPerType: flags.maxLoaded,
		Metrics:          gauges,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	front := server.New(server.Config{
		Log:      log,
		Catalog:  cat,
		Router:   router,
		Snapshot: snapshot,
		Metrics:  gauges,
		APIKey:   config.APIKey(),
		LogFile:  logPath,
		Version:  version,
		SetLogLevel: func(name string) error {
			parsed, err := logging.ParseLevel(name)
			if err != nil {
				return err
			}
			logger.SetLevel(parsed)
			return nil
		},
		RequestShutdown: cancel,
	})

	host := flags.host
	if flags.noBroadcast {
		host = "127.0.0.1"
	}
	httpServer := &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(flags.port)),
		Handler: front.Handler(),
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Infof("gateway listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = httpServer.Shutdown(shutdownCtx)
		router.Shutdown()
		return nil
	})

	if loadModel != "" {
		if err := prepareModel(runCtx, cat, router, loadModel, flags, saveOptions); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}
	return g.Wait()
}

// prepareModel optionally persists the option flags for the model, then loads
// it into the pool.
func prepareModel(ctx context.Context, cat *catalog.Catalog, router *scheduling.Router, name string, flags *gatewayFlags, saveOptions bool) error {
	if saveOptions {
		info, err := cat.Get(ctx, name)
		if err != nil {
			return err
		}
		bag := config.FilterForRecipe(info.Recipe, flags.globalBag())
		if err := cat.SaveOptions(name, bag); err != nil {
			return err
		}
	}
	return router.LoadModel(ctx, name, nil, true)
}
