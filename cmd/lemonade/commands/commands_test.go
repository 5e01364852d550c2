package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{base: srv.URL, http: srv.Client()}
}

func TestGlobalBagCollectsOnlySetFlags(t *testing.T) {
	flags := &gatewayFlags{ctxSize: 8192, sdcpp: "rocm", cfgScale: 7.5}
	bag := flags.globalBag()
	assert.Equal(t, "8192", bag["ctx_size"])
	assert.Equal(t, "rocm", bag["sd-cpp_backend"])
	assert.Equal(t, "7.5", bag["cfg_scale"])
	assert.NotContains(t, bag, "steps")
	assert.NotContains(t, bag, "llamacpp_backend")
}

func TestClientHealthAndModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/health":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "ok", "version": "1.2.3", "model_loaded": []string{"m"},
			})
		case "/api/v1/models":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"id": "extra.a.gguf", "recipe": "llamacpp", "downloaded": true}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testClient(srv)
	report, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", report.Version)
	assert.Equal(t, []string{"m"}, report.ModelLoaded)

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "extra.a.gguf", models[0].ID)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "model x is not registered", "type": "model_not_found"},
		})
	}))
	defer srv.Close()

	err := testClient(srv).Delete(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model x is not registered")
	assert.Contains(t, err.Error(), "404")
}

func TestClientPullParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: progress\ndata: {\"file\":\"a.gguf\",\"file_index\":0,\"total_files\":1,\"percent\":50}\n\n")
		fmt.Fprint(w, "event: complete\ndata: {}\n\n")
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, testClient(srv).Pull(context.Background(), "m", &out))
	assert.Contains(t, out.String(), "a.gguf")
	assert.Contains(t, out.String(), "50.0%")
	assert.Contains(t, out.String(), "Downloaded m")
}

func TestClientPullSurfacesErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"no space left\"}\n\n")
	}))
	defer srv.Close()

	err := testClient(srv).Pull(context.Background(), "m", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left")
}

func TestRegisterModelValidation(t *testing.T) {
	t.Setenv("LEMONADE_CACHE_DIR", t.TempDir())

	err := registerModel("bad-name", "org/repo", "llamacpp", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), catalog.UserPrefix)

	// Local checkpoints cannot infer a recipe.
	src := filepath.Join(t.TempDir(), "weights.gguf")
	require.NoError(t, os.WriteFile(src, []byte("g"), 0o644))
	err = registerModel("user.m", src, "", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--recipe")
}

func TestRegisterModelDefaultsRemoteRecipe(t *testing.T) {
	cacheDir := t.TempDir()
	t.Setenv("LEMONADE_CACHE_DIR", cacheDir)

	require.NoError(t, registerModel("user.qwen", "org/repo-GGUF:model.Q4_K_M.gguf", "", "", nil))

	raw, err := os.ReadFile(filepath.Join(cacheDir, catalog.UserModelsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "user.qwen")
	assert.Contains(t, string(raw), `"llamacpp"`)
}

func TestRegisterModelCopiesLocalCheckpoint(t *testing.T) {
	cacheDir := t.TempDir()
	t.Setenv("LEMONADE_CACHE_DIR", cacheDir)

	src := filepath.Join(t.TempDir(), "weights.gguf")
	require.NoError(t, os.WriteFile(src, []byte("gguf-bytes"), 0o644))

	require.NoError(t, registerModel("user.local", src, "llamacpp", "", []string{"vision"}))

	copied := filepath.Join(cacheDir, "uploads", "user.local", "weights.gguf")
	data, err := os.ReadFile(copied)
	require.NoError(t, err)
	assert.Equal(t, "gguf-bytes", string(data))

	raw, err := os.ReadFile(filepath.Join(cacheDir, catalog.UserModelsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "user.local")
	assert.Contains(t, string(raw), "local_upload")
	assert.True(t, strings.Contains(string(raw), "weights.gguf"))
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd("test")
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "run", "pull", "list", "delete", "status", "stop", "recipes", "version"} {
		assert.Contains(t, names, want)
	}
}
