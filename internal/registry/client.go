// internal/registry/client.go
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
)

var ErrUnauthorized = errors.New("registry rejected credentials")

// Client busca a lista de câmeras ativas no backend.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthScheme("Token").SetAuthToken(token)
	} else {
		logger.Warn("API token not set - registry calls may fail")
	}

	return &Client{http: client, logger: logger.Named("registry")}
}

// FetchActiveCameras faz GET /api/active-cameras/. Aceita lista pura ou a
// paginação do DRF ({"results": [...]}). Câmeras com is_active=false são descartadas.
func (c *Client) FetchActiveCameras(ctx context.Context) ([]core.CameraDescriptor, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/active-cameras/")
	if err != nil {
		return nil, fmt.Errorf("fetch cameras: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, code)
	case code != http.StatusOK:
		return nil, fmt.Errorf("fetch cameras: unexpected status %d", code)
	}

	cams, bad, err := decodeCameras(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode cameras: %w", err)
	}
	for _, e := range bad {
		c.logger.Error("camera record skipped", zap.Error(e))
	}

	active := make([]core.CameraDescriptor, 0, len(cams))
	for _, cam := range cams {
		if cam.IsActive {
			active = append(active, cam)
		}
	}
	c.logger.Debug("fetched cameras", zap.Int("received", len(cams)), zap.Int("active", len(active)))
	return active, nil
}

// decodeCameras decodifica registro a registro: um registro ruim não derruba a lista.
func decodeCameras(body []byte) ([]core.CameraDescriptor, []error, error) {
	body = bytes.TrimSpace(body)
	var items []json.RawMessage
	if len(body) > 0 && body[0] == '{' {
		var page struct {
			Results []json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, nil, err
		}
		items = page.Results
	} else if err := json.Unmarshal(body, &items); err != nil {
		return nil, nil, err
	}

	cams := make([]core.CameraDescriptor, 0, len(items))
	var bad []error
	for _, item := range items {
		var cam core.CameraDescriptor
		if err := json.Unmarshal(item, &cam); err != nil {
			bad = append(bad, err)
			continue
		}
		cams = append(cams, cam)
	}
	return cams, bad, nil
}
