package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/registry"
)

const defaultHTTPTimeout = 30 * time.Second

// ErrHTTPRequestURLInvalid is returned when the url argument is missing.
var ErrHTTPRequestURLInvalid = errors.New("invalid http request url")

// HTTPRequestTask performs an HTTP request described by the node's
// arguments (url, method, headers, body, result_key) and merges the
// response into run data under result_key.
func HTTPRequestTask(ctx context.Context, tc registry.TaskContext) (map[string]any, error) {
	url, ok := tc.Args["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("missing or invalid 'url' argument: %w", ErrHTTPRequestURLInvalid)
	}

	method, _ := tc.Args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)

	resultKey, _ := tc.Args["result_key"].(string)
	if resultKey == "" {
		resultKey = "http_response"
	}

	var bodyReader io.Reader

	if body, ok := tc.Args["body"]; ok {
		switch typed := body.(type) {
		case string:
			bodyReader = strings.NewReader(typed)
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}

			bodyReader = strings.NewReader(string(encoded))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if headers, ok := tc.Args["headers"].(map[string]any); ok {
		for key, value := range headers {
			if strVal, ok := value.(string); ok {
				req.Header.Set(key, strVal)
			}
		}
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}

	tc.Logger.InfoContext(ctx, "Executing http request task", "method", method, "url", url)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var responseBody any

	if err := json.Unmarshal(bodyBytes, &responseBody); err != nil {
		responseBody = string(bodyBytes)

		tc.Logger.WarnContext(ctx, "Failed to parse response as JSON, returning as string", "error", err)
	}

	return map[string]any{
		resultKey: map[string]any{
			"status_code": resp.StatusCode,
			"body":        responseBody,
		},
	}, nil
}
