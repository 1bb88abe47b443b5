package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/httpkit"
)

// maxIntegrationBody caps how much of an integration response is
// returned to the model.
const maxIntegrationBody = 50 * 1024

// IntegrationProvider contributes the outbound HTTP tool used for
// third-party API calls. Browser-action tools are host-supplied; this
// provider covers the API side of the automation surface.
func IntegrationProvider(logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	client := httpkit.NewClient(httpkit.WithTimeout(60 * time.Second))

	return func() []*Descriptor {
		return []*Descriptor{{
			Name:        "http_request",
			Description: "Perform an HTTP request against a third-party API. Returns the status code and response body.",
			Category:    CategoryInteraction,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute http(s) URL to call",
					},
					"method": map[string]any{
						"type":        "string",
						"description": "HTTP method (default GET)",
					},
					"headers": map[string]any{
						"type":        "object",
						"description": "Optional request headers",
					},
					"body": map[string]any{
						"type":        "string",
						"description": "Optional request body",
					},
				},
				"required": []string{"url"},
			},
			Invoke: func(ctx context.Context, args map[string]any) (*Output, error) {
				url, _ := args["url"].(string)
				if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
					return nil, fmt.Errorf("url must be absolute http(s), got %q", url)
				}

				method, _ := args["method"].(string)
				if method == "" {
					method = http.MethodGet
				}
				method = strings.ToUpper(method)

				var body io.Reader
				if b, ok := args["body"].(string); ok && b != "" {
					body = strings.NewReader(b)
				}

				req, err := http.NewRequestWithContext(ctx, method, url, body)
				if err != nil {
					return nil, fmt.Errorf("build request: %w", err)
				}
				if headers, ok := args["headers"].(map[string]any); ok {
					for k, v := range headers {
						if s, ok := v.(string); ok {
							req.Header.Set(k, s)
						}
					}
				}

				resp, err := client.Do(req)
				if err != nil {
					return nil, fmt.Errorf("request failed: %w", err)
				}
				defer httpkit.DrainAndClose(resp.Body, 4096)

				data, err := io.ReadAll(io.LimitReader(resp.Body, maxIntegrationBody))
				if err != nil {
					return nil, fmt.Errorf("read response: %w", err)
				}

				logger.Debug("integration request complete",
					"method", method, "url", url, "status", resp.StatusCode, "body_len", len(data))

				payload, _ := json.Marshal(map[string]any{
					"success": resp.StatusCode < 400,
					"status":  resp.StatusCode,
					"body":    string(data),
				})
				return &Output{Content: string(payload)}, nil
			},
		}}
	}
}

// CaptureSink receives structured rows captured during a run.
type CaptureSink func(kind string, fields map[string]any) error

// DataProvider contributes the structured-data capture tool. Captured
// rows are handed to the sink (typically the host's export pipeline).
func DataProvider(sink CaptureSink) Provider {
	return func() []*Descriptor {
		return []*Descriptor{{
			Name:        "capture_data",
			Description: "Record one structured data row extracted from the current page or API response (e.g., a profile, a listing).",
			Category:    CategoryInspection,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind": map[string]any{
						"type":        "string",
						"description": "Row type, e.g. profile, post, listing",
					},
					"fields": map[string]any{
						"type":        "object",
						"description": "The extracted key/value data",
					},
				},
				"required": []string{"kind", "fields"},
			},
			Invoke: func(ctx context.Context, args map[string]any) (*Output, error) {
				kind, _ := args["kind"].(string)
				fields, _ := args["fields"].(map[string]any)
				if kind == "" || fields == nil {
					return nil, fmt.Errorf("kind and fields are required")
				}
				if sink != nil {
					if err := sink(kind, fields); err != nil {
						return nil, fmt.Errorf("store captured row: %w", err)
					}
				}
				payload, _ := json.Marshal(map[string]any{
					"success": true,
					"message": fmt.Sprintf("captured 1 %s row with %d fields", kind, len(fields)),
				})
				return &Output{Content: string(payload)}, nil
			},
		}}
	}
}

// UtilityProvider contributes small helper tools available in every
// session.
func UtilityProvider() Provider {
	return func() []*Descriptor {
		return []*Descriptor{{
			Name:        "wait",
			Description: "Pause for a number of seconds before the next action (e.g., waiting for a page to settle). Maximum 30 seconds.",
			Category:    CategoryInspection,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"seconds": map[string]any{
						"type":        "number",
						"description": "Seconds to wait (0-30)",
					},
				},
				"required": []string{"seconds"},
			},
			Invoke: func(ctx context.Context, args map[string]any) (*Output, error) {
				secs, _ := args["seconds"].(float64)
				if secs < 0 {
					secs = 0
				}
				if secs > 30 {
					secs = 30
				}
				timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-timer.C:
				}
				payload, _ := json.Marshal(map[string]any{
					"success": true,
					"message": fmt.Sprintf("waited %.1f seconds", secs),
				})
				return &Output{Content: string(payload)}, nil
			},
		}}
	}
}

// StaticProvider wraps a fixed descriptor list, used by hosts that
// contribute their own tool implementations (browser actions, platform
// scripts).
func StaticProvider(descs ...*Descriptor) Provider {
	return func() []*Descriptor { return descs }
}
