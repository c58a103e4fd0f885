package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	maxErrorBody          = 4 << 10
)

// apiClient carries what the REST side-channels have in common: a base URL,
// an HTTP client and the credential source.
type apiClient struct {
	baseURL     string
	client      *http.Client
	credentials CredentialProvider
}

func newAPIClient(baseURL string, client *http.Client, credentials CredentialProvider) apiClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return apiClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      client,
		credentials: credentials,
	}
}

// do attaches the bearer token and returns the body of a 2xx response.
func (c apiClient) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if c.credentials != nil {
		creds, err := c.credentials.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		if auth := creds.BearerHeader(); auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	return io.ReadAll(resp.Body)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err == nil {
		for _, key := range []string{"error", "message"} {
			if msg, ok := parsed[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(data))
}
