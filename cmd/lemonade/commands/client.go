package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade/pkg/config"
)

// Client talks to a running gateway over its HTTP API.
type Client struct {
	base string
	key  string
	http *http.Client
}

// NewClient targets host:port using the configured API key, if any.
func NewClient(host string, port int) *Client {
	return &Client{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		key:  config.APIKey(),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "unable to reach the gateway")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "unable to read gateway response")
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("gateway returned %d: %s", resp.StatusCode, apiErrorMessage(payload))
	}
	if out != nil {
		return errors.Wrap(json.Unmarshal(payload, out), "unable to parse gateway response")
	}
	return nil
}

func apiErrorMessage(payload []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(string(payload))
}

// HealthReport is the gateway's health payload.
type HealthReport struct {
	Status      string   `json:"status"`
	Version     string   `json:"version"`
	ModelLoaded []string `json:"model_loaded"`
}

// Health returns the gateway health, or an error when it is unreachable.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	var report HealthReport
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ModelSummary is one row of the models listing.
type ModelSummary struct {
	ID         string   `json:"id"`
	Recipe     string   `json:"recipe"`
	Type       string   `json:"type"`
	Labels     []string `json:"labels"`
	SizeGB     float64  `json:"size_gb"`
	Downloaded bool     `json:"downloaded"`
}

// Models lists the gateway's visible catalogue.
func (c *Client) Models(ctx context.Context) ([]ModelSummary, error) {
	var body struct {
		Data []ModelSummary `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/models", nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Delete removes a model through the gateway.
func (c *Client) Delete(ctx context.Context, model string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/delete", map[string]string{"model": model}, nil)
}

// Shutdown asks the gateway to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/internal/shutdown", nil, nil)
}

// SystemInfo fetches the hardware snapshot and per-recipe support table.
func (c *Client) SystemInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/system-info", nil, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// pullEvent mirrors the gateway's SSE pull payloads.
type pullEvent struct {
	File            string  `json:"file"`
	FileIndex       int     `json:"file_index"`
	TotalFiles      int     `json:"total_files"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	BytesTotal      int64   `json:"bytes_total"`
	Percent         float64 `json:"percent"`
	Error           string  `json:"error"`
}

// Pull streams a model download, writing progress lines to out. The request
// has no client timeout: large models take as long as they take.
func (c *Client) Pull(ctx context.Context, model string, out io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/pull", map[string]string{"model": model})
	if err != nil {
		return err
	}
	streaming := &http.Client{}
	resp, err := streaming.Do(req)
	if err != nil {
		return errors.Wrap(err, "unable to reach the gateway")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return errors.Errorf("gateway returned %d: %s", resp.StatusCode, apiErrorMessage(payload))
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var payload pullEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
				continue
			}
			switch event {
			case "progress":
				fmt.Fprintf(out, "\r%s (%d/%d) %.1f%%", payload.File, payload.FileIndex+1, payload.TotalFiles, payload.Percent)
			case "complete":
				fmt.Fprintf(out, "\nDownloaded %s\n", model)
				return nil
			case "error":
				fmt.Fprintln(out)
				return errors.New(payload.Error)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "pull stream interrupted")
	}
	return errors.New("pull stream ended without a completion event")
}
