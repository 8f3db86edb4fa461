package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"
)

// FetchICEServers запрашивает STUN/TURN сервера с временными кредами
func (d *Dialer) FetchICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	resp, err := d.do(ctx, http.MethodGet, "/api/v1/ice", nil)
	if err != nil {
		return nil, fmt.Errorf("get ice servers: %w", err)
	}
	defer resp.Body.Close()

	if err = expectStatus(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("get ice servers: %w", err)
	}

	var servers []webrtc.ICEServer

	if err = json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}

	return servers, nil
}

func (d *Dialer) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, httpURL(d.serverURL)+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+d.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return d.http.Do(req)
}

func expectStatus(resp *http.Response, want ...int) error {
	for _, code := range want {
		if resp.StatusCode == code {
			return nil
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

func httpURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return wsURL
	}
}
