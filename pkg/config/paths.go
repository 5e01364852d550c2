package config

import (
	"os"
	"path/filepath"
)

// CacheDir returns the gateway's own state directory (persisted JSON files
// and release-archive installs). Overridable for tests via LEMONADE_CACHE_DIR.
func CacheDir() string {
	if dir := os.Getenv("LEMONADE_CACHE_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "lemonade")
}

// HFCacheDir returns the Hugging Face hub cache root, honouring the standard
// HF_HUB_CACHE and HF_HOME overrides. Model snapshots live underneath it as
// models--<org>--<repo>/snapshots/<revision>/.
func HFCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "huggingface", "hub")
	}
	return filepath.Join(userHome, ".cache", "huggingface", "hub")
}
