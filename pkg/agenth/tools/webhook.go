package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxWebhookBody caps how much of a webhook response is handed to the model.
const maxWebhookBody = 16 * 1024

// WebhookSpec declares a tool in configuration whose handler forwards the
// validated arguments to an HTTP endpoint.
type WebhookSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Args        []ArgSpec         `yaml:"args,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
}

// RegisterWebhook builds the schema from spec.Args and registers the tool.
func RegisterWebhook(r *Registry, spec WebhookSpec, client *http.Client) error {
	if spec.URL == "" {
		return fmt.Errorf("webhook tool %q: url is required", spec.Name)
	}
	schema, err := SchemaFromArgs(spec.Args)
	if err != nil {
		return fmt.Errorf("webhook tool %q: %w", spec.Name, err)
	}
	if client == nil {
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodPost
	}

	handler := func(ctx context.Context, args map[string]any) (any, error) {
		body, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding arguments: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, spec.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range spec.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("making request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return string(respBody), nil
	}

	return r.Register(MakeToolDefinition(spec.Name, spec.Description, schema), handler)
}
