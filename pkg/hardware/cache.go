package hardware

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// CacheFileName is the on-disk capability snapshot under the cache directory.
const CacheFileName = "hardware_cache.json"

// Load returns the capability snapshot for the given gateway version, reusing
// the disk cache when it matches and re-detecting (and rewriting the cache)
// otherwise. Hardware detection can take seconds on some platforms, so the
// cache keeps warm starts fast.
func Load(log logging.Logger, cacheDir, gatewayVersion string) *Snapshot {
	path := filepath.Join(cacheDir, CacheFileName)

	if data, err := os.ReadFile(path); err == nil {
		var cached Snapshot
		if err := json.Unmarshal(data, &cached); err == nil && cached.GatewayVersion == gatewayVersion {
			log.Debugf("using cached hardware snapshot from %s", path)
			return &cached
		}
	}

	snapshot := Detect(log, gatewayVersion)
	if data, err := json.MarshalIndent(snapshot, "", "  "); err == nil {
		if err := os.MkdirAll(cacheDir, 0o755); err == nil {
			if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
				log.Warnf("failed to write hardware cache: %v", err)
			}
		}
	}
	return snapshot
}
