package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names recognized by the gateway.
const (
	EnvAPIKey                = "LEMONADE_API_KEY"
	EnvOffline               = "LEMONADE_OFFLINE"
	EnvDisableModelFiltering = "LEMONADE_DISABLE_MODEL_FILTERING"
	EnvEnableDGPUGTT         = "LEMONADE_ENABLE_DGPU_GTT"
	EnvPort                  = "LEMONADE_PORT"
	EnvHost                  = "LEMONADE_HOST"
	EnvLogLevel              = "LEMONADE_LOG_LEVEL"
	EnvMaxLoadedModels       = "LEMONADE_MAX_LOADED_MODELS"
	EnvExtraModelsDir        = "LEMONADE_EXTRA_MODELS_DIR"
	EnvNoBroadcast           = "LEMONADE_NO_BROADCAST"
)

// Offline reports whether all network downloads are suppressed.
func Offline() bool {
	return envFlag(EnvOffline)
}

// DisableModelFiltering reports whether capability filtering is skipped.
func DisableModelFiltering() bool {
	return envFlag(EnvDisableModelFiltering)
}

// EnableDGPUGTT reports whether dGPU virtual memory counts toward the
// largest-memory-pool size filter.
func EnableDGPUGTT() bool {
	return envFlag(EnvEnableDGPUGTT)
}

// APIKey returns the bearer token required on API routes, or "" when auth is
// disabled.
func APIKey() string {
	return os.Getenv(EnvAPIKey)
}

// BinaryOverride returns the entry-point binary override for a recipe (and
// optionally a backend flavour), e.g. LEMONADE_LLAMACPP_BIN or
// LEMONADE_LLAMACPP_VULKAN_BIN. The backend-qualified form wins.
func BinaryOverride(recipe, backend string) string {
	normalize := func(s string) string {
		s = strings.ToUpper(s)
		return strings.NewReplacer("-", "", ".", "").Replace(s)
	}
	if backend != "" {
		if bin := os.Getenv("LEMONADE_" + normalize(recipe) + "_" + normalize(backend) + "_BIN"); bin != "" {
			return bin
		}
	}
	return os.Getenv("LEMONADE_" + normalize(recipe) + "_BIN")
}

// EnvString returns the environment value for key, or fallback when unset.
func EnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvInt returns the integer environment value for key, or fallback when
// unset or unparsable.
func EnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvBool returns the boolean environment value for key, or fallback when
// unset.
func EnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return isTruthy(v)
	}
	return fallback
}

func envFlag(key string) bool {
	return isTruthy(os.Getenv(key))
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
