package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPAcquirer 将 DRM 信息 POST 到授权服务，并读取返回的 session_id。
type HTTPAcquirer struct {
	Client *http.Client
	Server string
}

type acquireRequest struct {
	Name string `json:"name"`
	Info Info   `json:"info"`
}

type acquireResponse struct {
	SessionID string `json:"session_id"`
}

// Acquire 请求授权服务；info.ServerURL 非空时优先使用。
func (a HTTPAcquirer) Acquire(ctx context.Context, name string, info Info) (string, error) {
	server := a.Server
	if info.ServerURL != "" {
		server = info.ServerURL
	}
	if server == "" {
		return "", fmt.Errorf("license server not configured")
	}

	payload, err := json.Marshal(acquireRequest{Name: name, Info: info})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("license server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var out acquireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode license response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("license server returned empty session_id")
	}
	return out.SessionID, nil
}
