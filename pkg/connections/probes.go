package connections

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/camber-io/camber/pkg/connector"
)

// Probe checks credentials against a provider's cheapest authenticated
// endpoint. Probes never log or return credential material.
type Probe func(ctx context.Context, creds map[string]any) connector.TestResult

var probeClient = &http.Client{Timeout: 10 * time.Second}

func defaultProbes() map[string]Probe {
	return map[string]Probe{
		"openai": bearerProbe("https://api.openai.com/v1/models", "apiKey"),
		"claude": headerProbe("https://api.anthropic.com/v1/models", "apiKey", func(req *http.Request, key string) {
			req.Header.Set("x-api-key", key)
			req.Header.Set("anthropic-version", "2023-06-01")
		}),
		"gemini": headerProbe("https://generativelanguage.googleapis.com/v1beta/models", "apiKey", func(req *http.Request, key string) {
			req.Header.Set("x-goog-api-key", key)
		}),
		"slack": bearerProbe("https://slack.com/api/auth.test", "accessToken"),
	}
}

func bearerProbe(url, credField string) Probe {
	return headerProbe(url, credField, func(req *http.Request, key string) {
		req.Header.Set("Authorization", "Bearer "+key)
	})
}

func headerProbe(url, credField string, authorize func(*http.Request, string)) Probe {
	return func(ctx context.Context, creds map[string]any) connector.TestResult {
		key, ok := creds[credField].(string)
		if !ok || key == "" {
			return connector.TestResult{
				Success: false,
				Message: "missing credential",
				Error:   fmt.Sprintf("credential field %q is required", credField),
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return connector.TestResult{Success: false, Message: "probe failed", Error: err.Error()}
		}
		authorize(req, key)

		start := time.Now()
		resp, err := probeClient.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			return connector.TestResult{
				Success: false, Message: "provider unreachable",
				ResponseTime: elapsed, Error: err.Error(),
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return connector.TestResult{Success: true, Message: "connection verified", ResponseTime: elapsed}
		}
		return connector.TestResult{
			Success: false, Message: "provider rejected credentials",
			ResponseTime: elapsed, Error: fmt.Sprintf("status %d", resp.StatusCode),
		}
	}
}
