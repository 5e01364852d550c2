package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// DefaultHubEndpoint is the public Hugging Face hub.
const DefaultHubEndpoint = "https://huggingface.co"

// RepoFile is one file listed in a remote repository.
type RepoFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// HubClient lists repository contents and derives download URLs. The endpoint
// is overridable for mirrors and tests.
type HubClient struct {
	Endpoint string
	Client   *http.Client
}

// NewHubClient returns a client against the public hub.
func NewHubClient(client *http.Client) *HubClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HubClient{Endpoint: DefaultHubEndpoint, Client: client}
}

// ListFiles returns the repo's files at the main revision, sorted by path.
func (h *HubClient) ListFiles(ctx context.Context, repo string) ([]RepoFile, error) {
	endpoint := fmt.Sprintf("%s/api/models/%s/tree/main?recursive=true", h.Endpoint, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to list files for %s: %w", repo, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("repository %s not found", repo)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unable to list files for %s: unexpected status %d", repo, resp.StatusCode)
	}

	var entries []struct {
		Type string `json:"type"`
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("unable to parse file listing for %s: %w", repo, err)
	}

	var files []RepoFile
	for _, entry := range entries {
		if entry.Type == "file" {
			files = append(files, RepoFile{Path: entry.Path, Size: entry.Size})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// FileURL returns the direct download URL for a repo file at main.
func (h *HubClient) FileURL(repo, path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/resolve/main/%s", h.Endpoint, repo, strings.Join(segments, "/"))
}
