package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/KafClaw/KafMesh/internal/config"
	"github.com/KafClaw/KafMesh/internal/tools"
)

var gatewayURL string

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway-url", "", "Gateway base URL (default from config)")
}

// client talks to a running gateway.
type client struct {
	inv   tools.Invoker
	tools *tools.Registry
}

func newClient() (*client, error) {
	base := gatewayURL
	if base == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		base = cfg.GatewayURL()
	}
	return newClientFor(tools.NewHTTPInvoker(base)), nil
}

func newClientFor(inv tools.Invoker) *client {
	return &client{inv: inv, tools: tools.NewDefaultRegistry(inv)}
}

// call performs one request and decodes the JSON response into out.
func (c *client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	status, data, err := c.inv.Do(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &tools.StatusError{Code: status, Body: errorText(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	return c.call(ctx, http.MethodPost, path, in, out)
}

func errorText(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
