// Package notifications delegates push-token bookkeeping to the external
// notification service. The gateway never sends pushes itself; it only
// keeps the external registry in step with logins and revocations.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DeviceRegistration binds a push token to a device.
type DeviceRegistration struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// Client is the external push service surface this layer needs.
type Client interface {
	RegisterDevice(ctx context.Context, reg *DeviceRegistration) error
	UnregisterToken(ctx context.Context, tenantID, token string) error
	UnregisterDevice(ctx context.Context, tenantID, userID, deviceID string) error
}

// HTTPClient talks to the real notification service.
type HTTPClient struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}) error {
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notifications: marshal failed: %w", err)
		}
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = &bytes.Buffer{}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("notifications: NewRequest failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	res, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notifications: request failed: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200, 201, 204:
		return nil
	default:
		return fmt.Errorf("notifications: %s %s returned %s", method, path, res.Status)
	}
}

func (c *HTTPClient) RegisterDevice(ctx context.Context, reg *DeviceRegistration) error {
	return c.do(ctx, "POST", "/v1/devices", reg)
}

func (c *HTTPClient) UnregisterToken(ctx context.Context, tenantID, token string) error {
	return c.do(ctx, "DELETE", "/v1/devices/"+url.PathEscape(token)+"?tenant="+url.QueryEscape(tenantID), nil)
}

func (c *HTTPClient) UnregisterDevice(ctx context.Context, tenantID, userID, deviceID string) error {
	return c.do(ctx, "POST", "/v1/devices/unregister", map[string]string{
		"tenantId": tenantID,
		"userId":   userID,
		"deviceId": deviceID,
	})
}

// NoopClient is used when no push service is configured; registrations
// are accepted and dropped.
type NoopClient struct{}

func (NoopClient) RegisterDevice(_ context.Context, reg *DeviceRegistration) error {
	logger.Debug().Str("device", reg.DeviceID).Msg("push disabled, dropping registration")
	return nil
}

func (NoopClient) UnregisterToken(context.Context, string, string) error { return nil }

func (NoopClient) UnregisterDevice(context.Context, string, string, string) error { return nil }
