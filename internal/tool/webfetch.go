package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kilnhq/kiln/internal/permission"
)

const (
	webfetchTimeout  = 30 * time.Second
	maxWebfetchBytes = 512 * 1024
)

// WebfetchTool fetches a URL and returns its body, gated by the webfetch
// permission keyed on the host.
type WebfetchTool struct {
	client *http.Client
}

func NewWebfetchTool() *WebfetchTool {
	return &WebfetchTool{client: &http.Client{Timeout: webfetchTimeout}}
}

func (t *WebfetchTool) Name() string        { return "webfetch" }
func (t *WebfetchTool) Description() string { return "Fetch a URL and return its content" }

func (t *WebfetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch (http or https)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebfetchTool) Execute(ctx context.Context, call Call, input map[string]any) (Result, error) {
	raw, _ := input["url"].(string)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Result{}, fmt.Errorf("invalid url %q", raw)
	}

	if err := call.Ask(ctx, permission.TypeWebfetch, []string{u.Host}, "fetch "+raw, map[string]any{
		"url": raw,
	}); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", raw, nil)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", raw, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", raw, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch %s: status %d", raw, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebfetchBytes))
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", raw, err)
	}
	return Result{
		Title:  raw,
		Output: string(body),
		Metadata: map[string]any{
			"url":         raw,
			"contentType": strings.TrimSpace(resp.Header.Get("Content-Type")),
		},
	}, nil
}
