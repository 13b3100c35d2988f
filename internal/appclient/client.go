// Package appclient calls the migration callbacks of registered sibling applications.
package appclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"schema-tenancy/internal/model"
)

// SecretHeader carries the application's shared secret on every callback.
const SecretHeader = "X-Application-Secret"

type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

func New(timeout time.Duration, retryCount int, logger *zap.Logger) *Client {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{httpClient: client, logger: logger}
}

// CallbackURL joins an application's base URL and migrate endpoint with exactly one slash.
func CallbackURL(app *model.Application) string {
	return strings.TrimRight(app.BaseURL, "/") + "/" + strings.TrimLeft(app.MigrateEndpoint, "/")
}

// Migrate posts {tenant_schema, tenant_id, app_id} to the application. Any non-2xx is an error.
func (c *Client) Migrate(ctx context.Context, app *model.Application, payload model.MigratePayload) error {
	if app.BaseURL == "" {
		return fmt.Errorf("application %d has no base url", app.ID)
	}
	url := CallbackURL(app)

	req := c.httpClient.R().SetContext(ctx).SetBody(payload)
	if app.Secret != "" {
		req.SetHeader(SecretHeader, app.Secret)
	}
	resp, err := req.Post(url)
	if err != nil {
		c.logger.Warn("migration callback failed",
			zap.String("app", app.Name), zap.String("url", url), zap.Error(err))
		return fmt.Errorf("call %s migrate: %w", app.Name, err)
	}
	if !resp.IsSuccess() {
		c.logger.Warn("migration callback rejected",
			zap.String("app", app.Name), zap.String("url", url), zap.Int("status_code", resp.StatusCode()))
		return fmt.Errorf("call %s migrate: unexpected status %d", app.Name, resp.StatusCode())
	}

	c.logger.Info("migration callback accepted",
		zap.String("app", app.Name), zap.String("tenant_schema", payload.TenantSchema))
	return nil
}
