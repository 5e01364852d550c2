package commands

import (
	"github.com/sirupsen/logrus"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/download"
	"github.com/lemonade-sdk/lemonade/pkg/hardware"
	"github.com/lemonade-sdk/lemonade/pkg/inference/recipes"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// newQuietLogger keeps client commands free of gateway log noise.
func newQuietLogger() logging.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logging.NewLogrusAdapter(logger)
}

// localCatalog builds a catalogue over the local cache for client commands
// that run without a gateway. Hardware is re-detected rather than read from
// the gateway's version-keyed cache.
func localCatalog() (*catalog.Catalog, logging.Logger) {
	log := newQuietLogger()

	cacheDir := config.CacheDir()
	snapshot := hardware.Detect(log, "cli")
	dl := download.New(log, nil)
	factory := recipes.NewFactory(log, dl, snapshot, cacheDir)

	cat := catalog.New(catalog.Config{
		Log:       log,
		CacheDir:  cacheDir,
		HubDir:    config.HFCacheDir(),
		ExtraDir:  config.EnvString(config.EnvExtraModelsDir, ""),
		Snapshot:  snapshot,
		Hub:       catalog.NewHubClient(nil),
		Downloads: dl,
		FLM:       factory.FLM(),
	})
	return cat, log
}
