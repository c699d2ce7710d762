// Package client 是 botfleet 控制面的 HTTP 客户端（botctl 使用）。
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/botfleet/internal/quota"
	"github.com/betbot/botfleet/internal/registry"
	"github.com/betbot/botfleet/internal/storage"
	"github.com/betbot/botfleet/internal/supervisor"
)

// APIError 是非 2xx 响应
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("http %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type Client struct {
	client *resty.Client
	tenant string
}

type Options struct {
	BaseURL    string
	Tenant     string
	AdminToken string
	Timeout    time.Duration
}

func New(opts Options) *Client {
	host := strings.TrimSuffix(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	// 只对 429 重试，并尊重 Retry-After
	rc := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err == nil && resp.StatusCode() == http.StatusTooManyRequests &&
				resp.Request != nil && resp.Request.Method == http.MethodGet
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp != nil {
				if s, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil && s > 0 {
					return time.Duration(s) * time.Second, nil
				}
			}
			return 0, nil
		})
	if opts.Tenant != "" {
		rc.SetHeader("X-Tenant-ID", opts.Tenant)
	}
	if opts.AdminToken != "" {
		rc.SetAuthToken(opts.AdminToken)
	}
	return &Client{client: rc, tenant: opts.Tenant}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	r := c.client.R().SetContext(ctx)
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := r.Execute(method, endpoint)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if resp.IsSuccess() {
		// 不依赖 Content-Type，直接按 JSON 解码
		if out == nil || len(resp.Body()) == 0 {
			return nil
		}
		return errors.Wrapf(json.Unmarshal(resp.Body(), out), "decode %s %s", method, endpoint)
	}
	apiErr := &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(string(resp.Body()))}
	var eb struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(resp.Body(), &eb) == nil && eb.Error != "" {
		apiErr.Message, apiErr.Kind = eb.Error, eb.Kind
	}
	return apiErr
}

func botPath(botID, suffix string) string {
	return "/api/bots/" + url.PathEscape(botID) + suffix
}

func (c *Client) Start(ctx context.Context, botID string, cfg *registry.BotConfig) (supervisor.StartResult, error) {
	var out supervisor.StartResult
	body := map[string]any{}
	if cfg != nil {
		body["config"] = cfg
	}
	err := c.do(ctx, http.MethodPost, botPath(botID, "/start"), body, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, botID string) error {
	return c.do(ctx, http.MethodPost, botPath(botID, "/stop"), nil, nil)
}

func (c *Client) Restart(ctx context.Context, botID string) (supervisor.StartResult, error) {
	var out supervisor.StartResult
	err := c.do(ctx, http.MethodPost, botPath(botID, "/restart"), nil, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, botID string) error {
	return c.do(ctx, http.MethodDelete, botPath(botID, ""), nil, nil)
}

func (c *Client) SetAutoRestart(ctx context.Context, botID string, enabled bool) error {
	return c.do(ctx, http.MethodPost, botPath(botID, "/auto-restart"), map[string]bool{"enabled": enabled}, nil)
}

func (c *Client) Status(ctx context.Context, botID string) (supervisor.Status, error) {
	var out supervisor.Status
	err := c.do(ctx, http.MethodGet, botPath(botID, "/status"), nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context) ([]supervisor.Status, error) {
	var out []supervisor.Status
	err := c.do(ctx, http.MethodGet, "/api/bots", nil, &out)
	return out, err
}

func (c *Client) Logs(ctx context.Context, botID string, tail int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	err := c.do(ctx, http.MethodGet, botPath(botID, "/logs?tail="+strconv.Itoa(tail)), nil, &out)
	return out.Lines, err
}

// Credits 余额与最近流水
type Credits struct {
	Tenant  string          `json:"tenant"`
	Balance decimal.Decimal `json:"balance"`
	History []quota.Event   `json:"history"`
}

func (c *Client) Credits(ctx context.Context) (Credits, error) {
	var out Credits
	err := c.do(ctx, http.MethodGet, "/api/credits", nil, &out)
	return out, err
}

func (c *Client) Grant(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	err := c.do(ctx, http.MethodPost, "/api/credits/grant", nil, &out)
	return out.Balance, err
}

func (c *Client) Usage(ctx context.Context) (supervisor.Usage, error) {
	var out supervisor.Usage
	err := c.do(ctx, http.MethodGet, "/api/admin/usage", nil, &out)
	return out, err
}

func (c *Client) AllBots(ctx context.Context) ([]supervisor.Status, error) {
	var out []supervisor.Status
	err := c.do(ctx, http.MethodGet, "/api/admin/bots", nil, &out)
	return out, err
}

func (c *Client) ExportConfig(ctx context.Context, botID string, redact bool) (registry.Record, error) {
	var out registry.Record
	endpoint := "/api/admin/bots/" + url.PathEscape(botID) + "/config?redact=" + strconv.FormatBool(redact)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

func (c *Client) Cleanup(ctx context.Context) (supervisor.SweepReport, error) {
	var out supervisor.SweepReport
	err := c.do(ctx, http.MethodPost, "/api/admin/cleanup", nil, &out)
	return out, err
}

func (c *Client) StorageStats(ctx context.Context) (storage.Stats, error) {
	var out storage.Stats
	err := c.do(ctx, http.MethodGet, "/api/admin/storage", nil, &out)
	return out, err
}
