package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// CheckAPI probes the hub's REST surface with a single config call. It is the
// cheap liveness check the orchestrator runs before opening the WebSocket,
// and it returns the hub version string.
func CheckAPI(ctx context.Context, baseURL, token string) (string, error) {
	url := strings.TrimRight(baseURL, "/") + "/api/config"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build hub probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("hub is unreachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hub probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read hub probe response: %w", err)
	}

	var cfg struct {
		Version string `json:"version"`
	}
	if err := sonic.Unmarshal(body, &cfg); err != nil {
		return "", fmt.Errorf("invalid hub probe response: %w", err)
	}
	return cfg.Version, nil
}
